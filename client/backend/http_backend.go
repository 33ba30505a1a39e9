package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pixiserve/pixisync/client/data"
	"github.com/pixiserve/pixisync/shared"
)

const DefaultServerHostname = "http://localhost:8080"

var errIngestFinished = errors.New("ingest request finished")

// HTTPBackend implements SyncBackend by making HTTP requests to the pixisync server.
type HTTPBackend struct {
	serverURL string
	client    *http.Client
	// Uploads can take arbitrarily long, so they are bounded by the caller's context instead
	uploadClient *http.Client
	version      string
	getHeaders   func() (deviceId, userId string) // callback to get auth headers
}

// HTTPBackendOption is a functional option for configuring HTTPBackend
type HTTPBackendOption func(*HTTPBackend)

// WithServerURL sets a custom server URL
func WithServerURL(url string) HTTPBackendOption {
	return func(b *HTTPBackend) {
		b.serverURL = strings.TrimSuffix(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) HTTPBackendOption {
	return func(b *HTTPBackend) {
		b.client = client
		b.uploadClient = client
	}
}

// WithVersion sets the client version for headers
func WithVersion(version string) HTTPBackendOption {
	return func(b *HTTPBackend) {
		b.version = version
	}
}

// WithHeadersCallback sets a callback to get deviceId and userId for request headers
func WithHeadersCallback(fn func() (deviceId, userId string)) HTTPBackendOption {
	return func(b *HTTPBackend) {
		b.getHeaders = fn
	}
}

// NewHTTPBackend creates a new HTTP backend with the given options.
func NewHTTPBackend(opts ...HTTPBackendOption) *HTTPBackend {
	b := &HTTPBackend{
		serverURL:    getServerHostname(),
		client:       &http.Client{Timeout: 30 * time.Second},
		uploadClient: &http.Client{},
		version:      "Unknown",
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

func getServerHostname() string {
	if server := os.Getenv("PIXISYNC_SERVER"); server != "" {
		return server
	}
	return DefaultServerHostname
}

// Type returns "http" to identify this backend type.
func (b *HTTPBackend) Type() string {
	return string(BackendTypeHTTP)
}

func (b *HTTPBackend) RegisterDevice(ctx context.Context, req shared.RegisterDeviceRequest) (*shared.DeviceInfo, error) {
	var info shared.DeviceInfo
	if err := b.apiJSON(ctx, http.MethodPost, "/sync/devices", req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (b *HTTPBackend) ListDevices(ctx context.Context) ([]shared.DeviceInfo, error) {
	var devices []shared.DeviceInfo
	if err := b.apiJSON(ctx, http.MethodGet, "/sync/devices", nil, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

func (b *HTTPBackend) CheckFingerprints(ctx context.Context, fingerprints []shared.Fingerprint) (*shared.CheckResponse, error) {
	var resp shared.CheckResponse
	if err := b.apiJSON(ctx, http.MethodPost, "/sync/check", shared.CheckRequest{Fingerprints: fingerprints}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (b *HTTPBackend) Changes(ctx context.Context, deviceId, cursor string, limit int) (*shared.ChangesResponse, error) {
	query := url.Values{}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	path := "/sync/changes/" + url.PathEscape(deviceId)
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var resp shared.ChangesResponse
	if err := b.apiJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (b *HTTPBackend) PutCursor(ctx context.Context, deviceId, cursor string) error {
	return b.apiJSON(ctx, http.MethodPut, "/sync/cursor/"+url.PathEscape(deviceId), shared.CursorUpdate{Cursor: cursor}, nil)
}

func (b *HTTPBackend) Status(ctx context.Context, deviceId string) (*shared.SyncStatus, error) {
	var status shared.SyncStatus
	if err := b.apiJSON(ctx, http.MethodGet, "/sync/status/"+url.PathEscape(deviceId), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Ping checks if the server is reachable.
func (b *HTTPBackend) Ping(ctx context.Context) error {
	_, err := b.do(ctx, b.client, http.MethodGet, "/healthcheck", "", nil, data.ErrServerUnavailable)
	return err
}

// Ingest streams the file to the server as a multipart body without buffering it in memory.
// Transport failures, timeouts and 5xx responses are ErrAmbiguousUploadOutcome, other rejections
// are ErrNonRetriableUpload. It returns only after req.Body is no longer being read, even when the
// server answers before consuming the whole body.
func (b *HTTPBackend) Ingest(ctx context.Context, req IngestRequest) (*shared.IngestResponse, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	written := make(chan struct{})
	go func() {
		defer close(written)
		pw.CloseWithError(writeIngestBody(mw, req))
	}()

	respBody, err := b.do(ctx, b.uploadClient, http.MethodPost, "/assets", mw.FormDataContentType(), pr, data.ErrAmbiguousUploadOutcome)
	pr.CloseWithError(errIngestFinished)
	<-written
	if err != nil {
		return nil, err
	}
	var resp shared.IngestResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ingest response: %w: %w", data.ErrAmbiguousUploadOutcome, err)
	}
	return &resp, nil
}

func writeIngestBody(mw *multipart.Writer, req IngestRequest) error {
	// The server requires the fingerprint before the file part
	if err := mw.WriteField("fingerprint", req.Fingerprint.String()); err != nil {
		return err
	}
	if err := mw.WriteField("filename", req.Filename); err != nil {
		return err
	}
	if !req.CapturedAt.IsZero() {
		if err := mw.WriteField("captured_at", req.CapturedAt.UTC().Format(time.RFC3339)); err != nil {
			return err
		}
	}
	fw, err := mw.CreateFormFile("file", req.Filename)
	if err != nil {
		return err
	}
	n, err := io.Copy(fw, req.Body)
	if err != nil {
		return fmt.Errorf("failed to read upload body: %w", err)
	}
	if req.Size > 0 && n != req.Size {
		return fmt.Errorf("upload body changed while streaming: read %d bytes, expected %d", n, req.Size)
	}
	return mw.Close()
}

func (b *HTTPBackend) apiJSON(ctx context.Context, method, path string, reqBody, respBody any) error {
	var body io.Reader
	contentType := ""
	if reqBody != nil {
		jsonValue, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(jsonValue)
		contentType = "application/json"
	}
	respData, err := b.do(ctx, b.client, method, path, contentType, body, data.ErrServerUnavailable)
	if err != nil {
		return err
	}
	if respBody == nil {
		return nil
	}
	if err := json.Unmarshal(respData, respBody); err != nil {
		return fmt.Errorf("failed to unmarshal response from %s: %w", path, err)
	}
	return nil
}

// do performs a request. transientErr is wrapped into errors that are worth retrying: transport
// failures and 5xx/429 responses. Other non-2xx responses are rejections.
func (b *HTTPBackend) do(ctx context.Context, client *http.Client, method, path, contentType string, body io.Reader, transientErr error) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, b.serverURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", method, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	b.setHeaders(req)

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to %s %s%s: %w: %w", method, b.serverURL, path, transientErr, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s%s: %w: %w", b.serverURL, path, transientErr, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}
	msg := strings.TrimSpace(string(respBody))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("failed to %s %s%s after %s: %w: status_code=%d, body=%#v", method, b.serverURL, path, time.Since(start), transientErr, resp.StatusCode, msg)
	}
	if transientErr == data.ErrAmbiguousUploadOutcome {
		return nil, fmt.Errorf("failed to %s %s%s: %w: status_code=%d, body=%#v", method, b.serverURL, path, data.ErrNonRetriableUpload, resp.StatusCode, msg)
	}
	return nil, fmt.Errorf("failed to %s %s%s: status_code=%d, body=%#v", method, b.serverURL, path, resp.StatusCode, msg)
}

// setHeaders sets common headers on the request.
func (b *HTTPBackend) setHeaders(req *http.Request) {
	req.Header.Set(shared.VersionHeader, "v"+b.version)

	if b.getHeaders != nil {
		deviceId, userId := b.getHeaders()
		if deviceId != "" {
			req.Header.Set(shared.DeviceIdHeader, deviceId)
		}
		if userId != "" {
			req.Header.Set(shared.UserIdHeader, userId)
		}
	}
}
