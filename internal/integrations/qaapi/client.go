// Package qaapi is the HTTP client for the question-answering backend.
package qaapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultAskPath    = "/qa/ask"
	defaultUploadPath = "/pdf/upload"
	defaultTimeout    = 60 * time.Second

	maxUploadBytes = 32 << 20
)

// askRequest is the body of POST /qa/ask.
type askRequest struct {
	Question string `json:"question"`
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("qaapi: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// UploadResult is the decoded body of a successful upload.
type UploadResult struct {
	Filename string
	Response map[string]any
}

// Client talks to one QA backend.
type Client struct {
	baseURL    string
	askPath    string
	uploadPath string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithAskPath(p string) Option {
	return func(c *Client) {
		if p = strings.TrimSpace(p); p != "" {
			c.askPath = p
		}
	}
}

func WithUploadPath(p string) Option {
	return func(c *Client) {
		if p = strings.TrimSpace(p); p != "" {
			c.uploadPath = p
		}
	}
}

func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("qaapi: base url must not be empty")
	}
	c := &Client{
		baseURL:    baseURL,
		askPath:    defaultAskPath,
		uploadPath: defaultUploadPath,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: defaultTimeout}
}

func (c *Client) endpoint(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

// Ask posts question and returns the raw response body. An empty bearer
// sends the request without Authorization.
func (c *Client) Ask(ctx context.Context, question, bearer string) (json.RawMessage, error) {
	body, err := json.Marshal(askRequest{Question: question})
	if err != nil {
		return nil, fmt.Errorf("qaapi: marshal request: %w", err)
	}

	url := c.endpoint(c.askPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("qaapi: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	setBearer(req, bearer)

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return nil, fmt.Errorf("qaapi: ask: %w", err)
	}
	return raw, nil
}

// Upload sends a PDF as multipart field "file".
func (c *Client) Upload(ctx context.Context, filename string, content io.Reader, bearer string) (UploadResult, error) {
	name := filepath.Base(strings.TrimSpace(filename))
	if name == "." || name == string(filepath.Separator) || name == "" {
		return UploadResult{}, errors.New("qaapi: upload: filename must not be empty")
	}
	if content == nil {
		return UploadResult{}, errors.New("qaapi: upload: content must not be nil")
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return UploadResult{}, fmt.Errorf("qaapi: upload: create form file: %w", err)
	}
	n, err := io.Copy(part, io.LimitReader(content, maxUploadBytes+1))
	if err != nil {
		return UploadResult{}, fmt.Errorf("qaapi: upload: read content: %w", err)
	}
	if n > maxUploadBytes {
		return UploadResult{}, fmt.Errorf("qaapi: upload: %s exceeds %d bytes", name, maxUploadBytes)
	}
	if err := mw.Close(); err != nil {
		return UploadResult{}, fmt.Errorf("qaapi: upload: close multipart: %w", err)
	}

	url := c.endpoint(c.uploadPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return UploadResult{}, fmt.Errorf("qaapi: upload: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	setBearer(req, bearer)

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return UploadResult{}, fmt.Errorf("qaapi: upload: %w", err)
	}
	out := UploadResult{Filename: name}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out.Response); err != nil {
			return UploadResult{}, fmt.Errorf("qaapi: upload: decode response: %w", err)
		}
	}
	return out, nil
}

func setBearer(req *http.Request, bearer string) {
	if bearer = strings.TrimSpace(bearer); bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
