// Package render calls the remote rendering engine.
package render

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ContentTypeZip marks a multi-sheet render returned as an archive.
const ContentTypeZip = "application/zip"

const executePath = "/api/1.0/pages/execute"

var ErrRenderFailed = errors.New("render request failed")

// Request is one document execution against the render engine.
type Request struct {
	URL    string // full URL including the query string
	UserID string // caller unique identifier
	Body   []byte // serialized dossier template
}

// Result is the raw render output.
type Result struct {
	Body        []byte
	ContentType string
}

// IsArchive reports whether the render returned a zip of images.
func (r Result) IsArchive() bool {
	return strings.Contains(r.ContentType, ContentTypeZip)
}

// Client is an HTTP client of the render engine.
type Client struct {
	http    *http.Client
	host    string
	engine  string
	accept  string
	maxBody int64
}

// New creates a new Client for the engine at host. A zero timeout disables it;
// responses larger than maxBody bytes are rejected, a non-positive maxBody
// accepts any size.
func New(host, engine, accept string, timeout time.Duration, maxBody int64) *Client {
	return &Client{
		http:    &http.Client{Timeout: timeout},
		host:    strings.TrimSuffix(host, "/"),
		engine:  strings.Trim(engine, "/"),
		accept:  accept,
		maxBody: maxBody,
	}
}

// ExecuteURL returns the page execution endpoint without query string.
func (c *Client) ExecuteURL() string {
	return c.host + "/" + c.engine + executePath
}

// Execute posts the request and returns the response body and content type.
// Calls are never retried.
func (c *Client) Execute(ctx context.Context, req Request) (Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return Result{}, fmt.Errorf("%w: build request: %v", ErrRenderFailed, err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", c.accept)
	httpReq.Header.Set("Authorization", "Direct "+base64.StdEncoding.EncodeToString([]byte(req.UserID)))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrRenderFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, fmt.Errorf("%w: status %d", ErrRenderFailed, resp.StatusCode)
	}

	var src io.Reader = resp.Body
	if c.maxBody > 0 {
		src = io.LimitReader(resp.Body, c.maxBody+1)
	}

	body, err := io.ReadAll(src)
	if err != nil {
		return Result{}, fmt.Errorf("%w: read body: %v", ErrRenderFailed, err)
	}

	if c.maxBody > 0 && int64(len(body)) > c.maxBody {
		return Result{}, fmt.Errorf("%w: response exceeds %d bytes", ErrRenderFailed, c.maxBody)
	}

	return Result{Body: body, ContentType: resp.Header.Get("Content-Type")}, nil
}
