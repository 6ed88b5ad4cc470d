package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/aliskhannn/dossier-executor/internal/model"
)

var ErrObjectNotFound = errors.New("object not found")

// Storage provides an S3-compatible storage backend using MinIO.
// Resource folders are object name prefixes inside one bucket.
type Storage struct {
	client     *minio.Client
	bucketName string
}

// NewStorage creates a new Storage instance connected to the specified MinIO server.
// If the bucket does not exist, it will be created automatically.
func NewStorage(ctx context.Context, endpoint, accessKey, secretKey, bucketName string, useSSL bool) (*Storage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check if bucket exists: %w", err)
	}

	if !exists {
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &Storage{
		client:     client,
		bucketName: bucketName,
	}, nil
}

// Save uploads src under objectName. A negative size streams until EOF.
func (s *Storage) Save(ctx context.Context, objectName string, src io.Reader, size int64, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := s.client.PutObject(ctx, s.bucketName, objectName, src, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to save file: %w", err)
	}

	return nil
}

// Load returns a reader of the object. The caller must close it.
func (s *Storage) Load(ctx context.Context, objectName string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to load file: %w", mapErr(err))
	}

	// GetObject is lazy, Stat surfaces a missing object.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, fmt.Errorf("failed to load file: %w", mapErr(err))
	}

	return obj, nil
}

// Stat returns the object description.
func (s *Storage) Stat(ctx context.Context, objectName string) (model.FileInfo, error) {
	info, err := s.client.StatObject(ctx, s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		return model.FileInfo{}, fmt.Errorf("failed to stat file: %w", mapErr(err))
	}

	return model.FileInfo{Name: info.Key, Size: info.Size, LastModified: info.LastModified}, nil
}

// List returns the objects directly under prefix, names relative to it.
func (s *Storage) List(ctx context.Context, prefix string) ([]model.FileInfo, error) {
	objects := s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{Prefix: prefix})

	var files []model.FileInfo
	for obj := range objects {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list files: %w", obj.Err)
		}

		// common prefixes of nested folders end with a slash
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}

		files = append(files, model.FileInfo{
			Name:         strings.TrimPrefix(obj.Key, prefix),
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}

	return files, nil
}

// Delete removes the specified object from the bucket.
func (s *Storage) Delete(ctx context.Context, objectName string) error {
	if err := s.client.RemoveObject(ctx, s.bucketName, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete file: %w", mapErr(err))
	}
	return nil
}

func mapErr(err error) error {
	if minio.ToErrorResponse(err).StatusCode == http.StatusNotFound {
		return ErrObjectNotFound
	}
	return err
}
