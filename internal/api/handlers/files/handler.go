package files

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/dossier-executor/internal/api/respond"
	"github.com/aliskhannn/dossier-executor/internal/archive"
	"github.com/aliskhannn/dossier-executor/internal/middleware"
	"github.com/aliskhannn/dossier-executor/internal/model"
	filesvc "github.com/aliskhannn/dossier-executor/internal/service/files"
)

const maxUploadMemory = 10 << 20

// service defines the interface for resource folder operations.
type service interface {
	List(ctx context.Context, organization, key string) ([]model.FileInfo, error)
	Download(ctx context.Context, organization, key string, names []string) (filesvc.Download, error)
	Upload(ctx context.Context, organization, key, filename, mediaType string, src io.Reader, size int64, extract bool) (int, error)
	GetMetadata(ctx context.Context, organization, key string) (model.Metadata, error)
	SaveMetadata(ctx context.Context, organization, key string, md model.Metadata) (model.Metadata, error)
	Delete(ctx context.Context, organization, key string, names []string) error
}

// Handler provides HTTP handlers for the files resource.
type Handler struct {
	service service
}

// NewHandler creates a new Handler with the given service.
func NewHandler(s service) *Handler {
	return &Handler{service: s}
}

// SelectionRequest names files inside a folder.
type SelectionRequest struct {
	Key                string   `json:"key"`
	SelectedFilesNames []string `json:"selectedFilesNames"`
}

// List returns the files of the folder given by the key query parameter.
func (h *Handler) List(c *ginext.Context) {
	profile, ok := caller(c)
	if !ok {
		return
	}

	list, err := h.service.List(c.Request.Context(), profile.Organization, c.Query("key"))
	if err != nil {
		fail(c, err)
		return
	}

	respond.OK(c, list)
}

// Download sends one selected file as is or several as a zip archive.
func (h *Handler) Download(c *ginext.Context) {
	profile, ok := caller(c)
	if !ok {
		return
	}

	var req SelectionRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid request: %v", err))
		return
	}

	d, err := h.service.Download(c.Request.Context(), profile.Organization, req.Key, req.SelectedFilesNames)
	if err != nil {
		fail(c, err)
		return
	}

	respond.Attachment(c, d.Name, d.ContentType, d.Write)
}

// Upload stores the multipart "file" part in the folder named by "key".
// Zip archives are unpacked when "extract" is true.
func (h *Handler) Upload(c *ginext.Context) {
	profile, ok := caller(c)
	if !ok {
		return
	}

	if err := c.Request.ParseMultipartForm(maxUploadMemory); err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("parse multipart form failed: %v", err))
		return
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		zlog.Logger.Err(err).Msg("failed to read the file part")
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("cannot find the file part in input"))
		return
	}
	defer file.Close()

	key := c.PostForm("key")
	if key == "" {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("cannot find key part in input"))
		return
	}

	extract := false
	if v := c.PostForm("extract"); v != "" {
		if extract, err = strconv.ParseBool(v); err != nil {
			respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid extract flag: %v", err))
			return
		}
	}

	n, err := h.service.Upload(
		c.Request.Context(),
		profile.Organization,
		key,
		header.Filename,
		header.Header.Get("Content-Type"),
		file,
		header.Size,
		extract,
	)
	if err != nil {
		fail(c, err)
		return
	}

	zlog.Logger.Info().
		Str("key", key).
		Str("file", header.Filename).
		Int("stored", n).
		Msg("file uploaded")

	respond.OK(c, map[string]interface{}{"stored": n})
}

// GetMetadata returns the descriptor of the folder.
func (h *Handler) GetMetadata(c *ginext.Context) {
	profile, ok := caller(c)
	if !ok {
		return
	}

	md, err := h.service.GetMetadata(c.Request.Context(), profile.Organization, c.Query("key"))
	if err != nil {
		fail(c, err)
		return
	}

	respond.OK(c, md)
}

// SaveMetadata replaces the descriptor of the folder.
func (h *Handler) SaveMetadata(c *ginext.Context) {
	profile, ok := caller(c)
	if !ok {
		return
	}

	var md model.Metadata
	if err := json.NewDecoder(c.Request.Body).Decode(&md); err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid metadata: %v", err))
		return
	}

	saved, err := h.service.SaveMetadata(c.Request.Context(), profile.Organization, c.Query("key"), md)
	if err != nil {
		fail(c, err)
		return
	}

	respond.OK(c, saved)
}

// Delete removes the selected files.
func (h *Handler) Delete(c *ginext.Context) {
	profile, ok := caller(c)
	if !ok {
		return
	}

	var req SelectionRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid request: %v", err))
		return
	}

	if err := h.service.Delete(c.Request.Context(), profile.Organization, req.Key, req.SelectedFilesNames); err != nil {
		fail(c, err)
		return
	}

	c.Status(http.StatusOK)
}

func caller(c *ginext.Context) (model.Profile, bool) {
	profile, ok := middleware.ProfileFrom(c)
	if !ok {
		respond.Fail(c, http.StatusUnauthorized, errors.New("missing caller identity"))
	}
	return profile, ok
}

func fail(c *ginext.Context, err error) {
	switch {
	case errors.Is(err, filesvc.ErrInvalidName),
		errors.Is(err, filesvc.ErrNoFilesSelected),
		errors.Is(err, archive.ErrPathEscape):
		respond.Fail(c, http.StatusBadRequest, err)
	case errors.Is(err, filesvc.ErrFileNotFound), errors.Is(err, filesvc.ErrMetadataNotFound):
		respond.Fail(c, http.StatusNotFound, err)
	case errors.Is(err, filesvc.ErrTooLarge):
		respond.Fail(c, http.StatusRequestEntityTooLarge, err)
	default:
		zlog.Logger.Err(err).Msg("files request failed")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("internal error"))
	}
}
