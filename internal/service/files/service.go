// Package files serves the caller scoped resource folders kept in object storage.
package files

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/dossier-executor/internal/archive"
	"github.com/aliskhannn/dossier-executor/internal/model"
	"github.com/aliskhannn/dossier-executor/internal/storage/file"
)

// MetadataFile is the folder descriptor, hidden from file listings.
const MetadataFile = "metadata.json"

const contentTypeZip = "application/zip"

var (
	ErrInvalidName      = errors.New("invalid file name")
	ErrNoFilesSelected  = errors.New("no files selected")
	ErrFileNotFound     = errors.New("file not found")
	ErrMetadataNotFound = errors.New("metadata not found")
	ErrTooLarge         = errors.New("archive too large")
)

var fileNamePattern = regexp.MustCompile(`^[a-zA-Z0-9\-&_. ]+$`)

var zipContentTypes = []string{"application/zip", "application/x-zip-compressed"}

// objectStorage stores resource files.
type objectStorage interface {
	Save(ctx context.Context, objectName string, src io.Reader, size int64, contentType string) error
	Load(ctx context.Context, objectName string) (io.ReadCloser, error)
	Stat(ctx context.Context, objectName string) (model.FileInfo, error)
	List(ctx context.Context, prefix string) ([]model.FileInfo, error)
	Delete(ctx context.Context, objectName string) error
}

// Download is a prepared file download: a single file or a zip of several.
type Download struct {
	Name        string
	ContentType string
	files       []archive.File
	zipped      bool
}

// Write streams the download body to w.
func (d Download) Write(w io.Writer) error {
	if d.zipped {
		return archive.Write(w, d.files)
	}

	src, err := d.files[0].Open()
	if err != nil {
		return err
	}
	defer src.Close()

	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("failed to stream %s: %w", d.Name, err)
	}
	return nil
}

// Service manages the files of resource folders. Every folder lives under the
// caller organization: <organization>/<key>/.
type Service struct {
	storage        objectStorage
	maxArchiveSize int64
	now            func() time.Time
}

// NewService creates a new Service. Archives unpacked on upload are limited to
// maxArchiveSize bytes, both compressed and extracted; a non-positive value
// disables the limit.
func NewService(s objectStorage, maxArchiveSize int64) *Service {
	return &Service{storage: s, maxArchiveSize: maxArchiveSize, now: time.Now}
}

// List returns the files of the folder, without the metadata descriptor.
func (s *Service) List(ctx context.Context, organization, key string) ([]model.FileInfo, error) {
	prefix, err := folder(organization, key)
	if err != nil {
		return nil, err
	}

	all, err := s.storage.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}

	files := make([]model.FileInfo, 0, len(all))
	for _, f := range all {
		if f.Name == MetadataFile {
			continue
		}
		files = append(files, f)
	}

	return files, nil
}

// Download prepares the selected files. One file is served as is, several are zipped.
func (s *Service) Download(ctx context.Context, organization, key string, names []string) (Download, error) {
	if len(names) == 0 {
		return Download{}, ErrNoFilesSelected
	}

	prefix, err := folder(organization, key)
	if err != nil {
		return Download{}, err
	}

	files := make([]archive.File, 0, len(names))
	for _, name := range names {
		n, err := archive.CleanName(name)
		if err != nil {
			return Download{}, fmt.Errorf("%w: %v", ErrInvalidName, err)
		}

		objectName := prefix + n
		if _, err := s.storage.Stat(ctx, objectName); err != nil {
			if errors.Is(err, file.ErrObjectNotFound) {
				return Download{}, fmt.Errorf("%w: %s", ErrFileNotFound, n)
			}
			return Download{}, fmt.Errorf("download: %w", err)
		}

		files = append(files, archive.File{
			Name: n,
			Open: func() (io.ReadCloser, error) { return s.storage.Load(ctx, objectName) },
		})
	}

	if len(files) == 1 {
		return Download{
			Name:        path.Base(files[0].Name),
			ContentType: contentType(files[0].Name),
			files:       files,
		}, nil
	}

	return Download{
		Name:        path.Base(key) + ".zip",
		ContentType: contentTypeZip,
		files:       files,
		zipped:      true,
	}, nil
}

// Upload stores a file in the folder. A zip archive is unpacked into the
// folder when extract is set. It returns the number of stored files.
func (s *Service) Upload(ctx context.Context, organization, key, filename, mediaType string, src io.Reader, size int64, extract bool) (int, error) {
	prefix, err := folder(organization, key)
	if err != nil {
		return 0, err
	}

	if !fileNamePattern.MatchString(filename) || filename == "." || filename == ".." {
		return 0, fmt.Errorf("%w: %q", ErrInvalidName, filename)
	}

	if extract && isZip(mediaType, filename) {
		return s.extract(ctx, prefix, src)
	}

	if mediaType == "" {
		mediaType = contentType(filename)
	}

	if err := s.storage.Save(ctx, prefix+filename, src, size, mediaType); err != nil {
		return 0, fmt.Errorf("upload: %w", err)
	}

	return 1, nil
}

// extract unpacks every regular entry of the archive below prefix. The whole
// archive is rejected when an entry escapes the folder.
func (s *Service) extract(ctx context.Context, prefix string, src io.Reader) (int, error) {
	if s.maxArchiveSize > 0 {
		src = io.LimitReader(src, s.maxArchiveSize+1)
	}

	data, err := io.ReadAll(src)
	if err != nil {
		return 0, fmt.Errorf("upload: failed to read archive: %w", err)
	}
	if s.maxArchiveSize > 0 && int64(len(data)) > s.maxArchiveSize {
		return 0, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, s.maxArchiveSize)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return 0, fmt.Errorf("upload: failed to open archive: %w", err)
	}

	var extracted uint64
	names := make([]string, len(zr.File))
	for i, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}

		n, err := archive.CleanName(f.Name)
		if err != nil {
			return 0, fmt.Errorf("upload: %w", err)
		}
		names[i] = n

		extracted += f.UncompressedSize64
		if s.maxArchiveSize > 0 && extracted > uint64(s.maxArchiveSize) {
			return 0, fmt.Errorf("%w: extracted content exceeds %d bytes", ErrTooLarge, s.maxArchiveSize)
		}
	}

	stored := 0
	for i, f := range zr.File {
		if names[i] == "" {
			continue
		}

		if err := s.saveEntry(ctx, prefix+names[i], f); err != nil {
			return stored, fmt.Errorf("upload: %w", err)
		}
		stored++
	}

	zlog.Logger.Info().Str("folder", prefix).Int("files", stored).Msg("archive extracted")

	return stored, nil
}

func (s *Service) saveEntry(ctx context.Context, objectName string, f *zip.File) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	return s.storage.Save(ctx, objectName, rc, int64(f.UncompressedSize64), contentType(objectName))
}

// GetMetadata returns the folder descriptor.
func (s *Service) GetMetadata(ctx context.Context, organization, key string) (model.Metadata, error) {
	prefix, err := folder(organization, key)
	if err != nil {
		return model.Metadata{}, err
	}

	rc, err := s.storage.Load(ctx, prefix+MetadataFile)
	if err != nil {
		if errors.Is(err, file.ErrObjectNotFound) {
			return model.Metadata{}, ErrMetadataNotFound
		}
		return model.Metadata{}, fmt.Errorf("get metadata: %w", err)
	}
	defer rc.Close()

	var md model.Metadata
	if err := json.NewDecoder(rc).Decode(&md); err != nil {
		return model.Metadata{}, fmt.Errorf("get metadata: failed to decode: %w", err)
	}

	return md, nil
}

// SaveMetadata replaces the folder descriptor.
func (s *Service) SaveMetadata(ctx context.Context, organization, key string, md model.Metadata) (model.Metadata, error) {
	prefix, err := folder(organization, key)
	if err != nil {
		return model.Metadata{}, err
	}

	md.UpdatedAt = s.now().UTC()

	data, err := json.Marshal(md)
	if err != nil {
		return model.Metadata{}, fmt.Errorf("save metadata: failed to encode: %w", err)
	}

	if err := s.storage.Save(ctx, prefix+MetadataFile, bytes.NewReader(data), int64(len(data)), "application/json"); err != nil {
		return model.Metadata{}, fmt.Errorf("save metadata: %w", err)
	}

	return md, nil
}

// Delete removes the selected files of the folder. It stops at the first failure.
func (s *Service) Delete(ctx context.Context, organization, key string, names []string) error {
	if len(names) == 0 {
		return ErrNoFilesSelected
	}

	prefix, err := folder(organization, key)
	if err != nil {
		return err
	}

	for _, name := range names {
		n, err := archive.CleanName(name)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidName, err)
		}

		if err := s.storage.Delete(ctx, prefix+n); err != nil {
			return fmt.Errorf("delete %s: %w", n, err)
		}
	}

	return nil
}

// folder returns the object prefix of a caller folder.
func folder(organization, key string) (string, error) {
	if organization == "" {
		return "", fmt.Errorf("%w: missing organization", ErrInvalidName)
	}

	k, err := archive.CleanName(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidName, err)
	}

	return organization + "/" + k + "/", nil
}

func isZip(mediaType, filename string) bool {
	if slices.Contains(zipContentTypes, mediaType) {
		return true
	}
	return strings.EqualFold(path.Ext(filename), ".zip")
}

func contentType(name string) string {
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
