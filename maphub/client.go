// Package maphub is a typed client for the MapHub HTTP API: session
// authentication, map CRUD with optimistic concurrency, folder
// listing, and content transfer.
package maphub

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"

	syncErrors "github.com/maphub/layersync/errors"
	"github.com/maphub/layersync/logging"
)

const apiKeyHeader = "X-API-Key"

// Limits defines size and compression limits for the client.
type Limits struct {
	MaxBodyBytes int64 // maximum response body size in bytes
	EnableGzip   bool  // whether to gzip request bodies
	GzipMinBytes int   // minimum payload size before applying gzip
}

// Client talks to the MapHub API. All methods return either a result
// or a typed *errors.SyncError; transient transport failures are
// marked retryable so callers can decide whether to retry.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limits  Limits
	logger  *slog.Logger
}

// Option configures a Client using the functional options pattern.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client. The client's timeout is
// the per-call network timeout.
func WithHTTPClient(cl *http.Client) Option {
	return func(c *Client) {
		c.http = cl
	}
}

// WithLimits sets the size and compression limits.
func WithLimits(l Limits) Option {
	return func(c *Client) {
		c.limits = l
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithTimeout sets the per-call timeout on the underlying HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.Timeout = d
	}
}

// NewClient creates a MapHub client for the given endpoint and API key.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
		limits: Limits{
			MaxBodyBytes: 64 << 20, // 64MB, raster payloads are large
			EnableGzip:   true,
			GzipMinBytes: 1024,
		},
		logger: logging.Default().Logger,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// BaseURL returns the API endpoint the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Authenticate verifies the API key and returns the session it grants.
func (c *Client) Authenticate(ctx context.Context) (*Session, error) {
	var session Session
	if err := c.getJSON(ctx, "/session", syncErrors.OpAuth, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// GetMap fetches the metadata of a single map, including its current
// revision.
func (c *Client) GetMap(ctx context.Context, mapID string) (*Map, error) {
	var m Map
	path := "/maps/" + url.PathEscape(mapID)
	if err := c.getJSON(ctx, path, syncErrors.OpTransport, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// DownloadContent fetches the full content payload of a map.
func (c *Client) DownloadContent(ctx context.Context, mapID string) ([]byte, error) {
	path := "/maps/" + url.PathEscape(mapID) + "/content"
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, syncErrors.NewWithComponent(syncErrors.OpDownload, "maphub", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, syncErrors.NewNetworkError(syncErrors.OpDownload, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(syncErrors.OpDownload, resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.limits.MaxBodyBytes+1))
	if err != nil {
		return nil, syncErrors.NewNetworkError(syncErrors.OpDownload, err)
	}
	if int64(len(data)) > c.limits.MaxBodyBytes {
		return nil, syncErrors.NewValidationError(syncErrors.OpDownload,
			fmt.Errorf("content exceeds %d byte limit", c.limits.MaxBodyBytes))
	}

	c.logger.Debug("downloaded map content",
		slog.String("map_id", mapID),
		slog.Int("bytes", len(data)),
		slog.String("format", DetectFormat(data)))
	return data, nil
}

// CreateMap creates a new map in the given folder and returns the
// created resource with its server-assigned id and initial revision.
func (c *Client) CreateMap(ctx context.Context, folderID, name string, content []byte, visibility Visibility) (*Map, error) {
	body := createMapRequest{
		FolderID:   folderID,
		Name:       name,
		Visibility: visibility,
		Content:    json.RawMessage(content),
	}

	var m Map
	if err := c.sendJSON(ctx, http.MethodPost, "/maps", syncErrors.OpUpload, body, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateMap replaces a map's content, conditional on expectedRevision.
// The server rejects the write with a revision conflict when its
// current revision does not match, signaling that another writer
// updated the map since this client last observed it.
func (c *Client) UpdateMap(ctx context.Context, mapID string, content []byte, expectedRevision int64) (*Map, error) {
	body := updateMapRequest{
		Content:          json.RawMessage(content),
		ExpectedRevision: expectedRevision,
	}

	var m Map
	path := "/maps/" + url.PathEscape(mapID)
	if err := c.sendJSON(ctx, http.MethodPut, path, syncErrors.OpUpload, body, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMaps lists the maps in a folder.
func (c *Client) ListMaps(ctx context.Context, folderID string) ([]Map, error) {
	var out listMapsResponse
	path := "/folders/" + url.PathEscape(folderID) + "/maps"
	if err := c.getJSON(ctx, path, syncErrors.OpTransport, &out); err != nil {
		return nil, err
	}
	return out.Maps, nil
}

// Close releases client resources. The http.Client itself carries no
// state that needs closing; idle connections are dropped.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, path string, op syncErrors.Operation, out interface{}) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return syncErrors.NewWithComponent(op, "maphub", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return syncErrors.NewNetworkError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.statusError(op, resp)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, c.limits.MaxBodyBytes)).Decode(out); err != nil {
		return syncErrors.NewWithComponent(op, "maphub", fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func (c *Client) sendJSON(ctx context.Context, method, path string, op syncErrors.Operation, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return syncErrors.NewWithComponent(op, "maphub", fmt.Errorf("failed to marshal request: %w", err))
	}

	var reader io.Reader = bytes.NewReader(payload)
	compressed := false

	if c.limits.EnableGzip && len(payload) > c.limits.GzipMinBytes {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(payload); err != nil {
			return syncErrors.NewWithComponent(op, "maphub", fmt.Errorf("failed to compress request: %w", err))
		}
		if err := gw.Close(); err != nil {
			return syncErrors.NewWithComponent(op, "maphub", fmt.Errorf("failed to close gzip writer: %w", err))
		}
		reader = &buf
		compressed = true

		c.logger.Debug("compressed request body",
			slog.Int("original_size", len(payload)),
			slog.Int("compressed_size", buf.Len()))
	}

	req, err := c.newRequest(ctx, method, path, reader)
	if err != nil {
		return syncErrors.NewWithComponent(op, "maphub", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if compressed {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return syncErrors.NewNetworkError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return c.statusError(op, resp)
	}

	if out != nil {
		if err := json.NewDecoder(io.LimitReader(resp.Body, c.limits.MaxBodyBytes)).Decode(out); err != nil {
			return syncErrors.NewWithComponent(op, "maphub", fmt.Errorf("failed to decode response: %w", err))
		}
	}
	return nil
}

// statusError maps MapHub HTTP status codes onto the sync error
// taxonomy.
func (c *Client) statusError(op syncErrors.Operation, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	msg := http.StatusText(resp.StatusCode)
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Message != "" {
		msg = apiErr.Message
	}

	err := fmt.Errorf("maphub api error (status %d): %s", resp.StatusCode, msg)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return syncErrors.NewAuthError(op, err)
	case resp.StatusCode == http.StatusPaymentRequired:
		// Premium-only operation, not an auth failure worth aborting
		// the whole run for.
		return syncErrors.NewValidationError(op, err)
	case resp.StatusCode == http.StatusNotFound:
		return syncErrors.NewNotFoundError(op, err)
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed:
		return syncErrors.NewRevisionConflictError(op, err)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return syncErrors.NewNetworkError(op, err)
	default:
		return syncErrors.NewWithComponent(op, "maphub", err)
	}
}
