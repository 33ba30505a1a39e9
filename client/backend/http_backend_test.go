package backend

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pixiserve/pixisync/client/data"
	"github.com/pixiserve/pixisync/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPBackendType(t *testing.T) {
	b := NewHTTPBackend()
	assert.Equal(t, "http", b.Type())
}

func TestNewBackendFromConfig(t *testing.T) {
	b, err := NewBackendFromConfig(Config{ServerURL: "http://example.test/"})
	require.NoError(t, err)
	assert.Equal(t, "http://example.test", b.(*HTTPBackend).serverURL)

	_, err = NewBackendFromConfig(Config{BackendType: "ftp"})
	require.Error(t, err)
}

func TestHTTPBackendRegisterDevice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sync/devices", r.URL.Path)
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "user123", r.Header.Get(shared.UserIdHeader))
		assert.Equal(t, "device456", r.Header.Get(shared.DeviceIdHeader))
		assert.Equal(t, "v1.2.3", r.Header.Get(shared.VersionHeader))

		var req shared.RegisterDeviceRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, shared.DeviceTypeDesktop, req.DeviceType)
		json.NewEncoder(w).Encode(shared.DeviceInfo{DeviceId: req.DeviceId, IsActive: true})
	}))
	defer server.Close()

	b := NewHTTPBackend(WithServerURL(server.URL), WithVersion("1.2.3"), WithHeadersCallback(func() (string, string) {
		return "device456", "user123"
	}))
	info, err := b.RegisterDevice(context.Background(), shared.RegisterDeviceRequest{DeviceId: "device456", DeviceType: shared.DeviceTypeDesktop})
	require.NoError(t, err)
	assert.Equal(t, "device456", info.DeviceId)
	assert.True(t, info.IsActive)
}

func TestHTTPBackendCheckFingerprints(t *testing.T) {
	a := shared.Fingerprint(sha256.Sum256([]byte("a")))
	bfp := shared.Fingerprint(sha256.Sum256([]byte("b")))
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sync/check", r.URL.Path)
		var req shared.CheckRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []shared.Fingerprint{a, bfp}, req.Fingerprints)
		json.NewEncoder(w).Encode(shared.CheckResponse{Existing: []shared.Fingerprint{a}, Missing: []shared.Fingerprint{bfp}})
	}))
	defer server.Close()

	b := NewHTTPBackend(WithServerURL(server.URL))
	resp, err := b.CheckFingerprints(context.Background(), []shared.Fingerprint{a, bfp})
	require.NoError(t, err)
	assert.Equal(t, []shared.Fingerprint{a}, resp.Existing)
	assert.Equal(t, []shared.Fingerprint{bfp}, resp.Missing)
}

func TestHTTPBackendChangesAndCursor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case "GET":
			assert.Equal(t, "/sync/changes/my device", r.URL.Path)
			assert.Equal(t, "42", r.URL.Query().Get("cursor"))
			assert.Equal(t, "10", r.URL.Query().Get("limit"))
			json.NewEncoder(w).Encode(shared.ChangesResponse{Items: []shared.AssetRecord{{Id: "x", Seq: 43}}, NextCursor: "43"})
		case "PUT":
			assert.Equal(t, "/sync/cursor/my device", r.URL.Path)
			var update shared.CursorUpdate
			require.NoError(t, json.NewDecoder(r.Body).Decode(&update))
			assert.Equal(t, "c1", update.Cursor)
		}
	}))
	defer server.Close()

	b := NewHTTPBackend(WithServerURL(server.URL))
	resp, err := b.Changes(context.Background(), "my device", "42", 10)
	require.NoError(t, err)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "43", resp.NextCursor)
	require.NoError(t, b.PutCursor(context.Background(), "my device", "c1"))
}

func TestHTTPBackendIngestStreamsMultipart(t *testing.T) {
	content := bytes.Repeat([]byte("jpeg"), 100000)
	fp := shared.Fingerprint(sha256.Sum256(content))
	capturedAt := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/assets", r.URL.Path)
		mr, err := r.MultipartReader()
		require.NoError(t, err)

		var names []string
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			names = append(names, part.FormName())
			b, err := io.ReadAll(part)
			require.NoError(t, err)
			switch part.FormName() {
			case "fingerprint":
				assert.Equal(t, fp.String(), string(b))
			case "filename":
				assert.Equal(t, "IMG_1.jpg", string(b))
			case "captured_at":
				assert.Equal(t, "2024-05-06T07:08:09Z", string(b))
			case "file":
				assert.Equal(t, content, b)
			}
		}
		assert.Equal(t, []string{"fingerprint", "filename", "captured_at", "file"}, names)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(shared.IngestResponse{Asset: shared.AssetRecord{Id: "asset-1", Fingerprint: fp}})
	}))
	defer server.Close()

	b := NewHTTPBackend(WithServerURL(server.URL))
	resp, err := b.Ingest(context.Background(), IngestRequest{
		Fingerprint: fp,
		Filename:    "IMG_1.jpg",
		CapturedAt:  capturedAt,
		Size:        int64(len(content)),
		Body:        bytes.NewReader(content),
	})
	require.NoError(t, err)
	assert.Equal(t, "asset-1", resp.Asset.Id)
	assert.False(t, resp.IsDuplicate)
}

func TestHTTPBackendErrorClassification(t *testing.T) {
	status := http.StatusOK
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		http.Error(w, "nope", status)
	}))
	defer server.Close()
	b := NewHTTPBackend(WithServerURL(server.URL))
	ingest := func() error {
		_, err := b.Ingest(context.Background(), IngestRequest{Filename: "a.jpg", Body: strings.NewReader("data")})
		return err
	}

	status = http.StatusServiceUnavailable
	err := ingest()
	require.ErrorIs(t, err, data.ErrAmbiguousUploadOutcome)
	require.ErrorContains(t, err, "status_code=503")
	_, err = b.CheckFingerprints(context.Background(), nil)
	require.ErrorIs(t, err, data.ErrServerUnavailable)

	status = http.StatusUnsupportedMediaType
	err = ingest()
	require.ErrorIs(t, err, data.ErrNonRetriableUpload)
	require.NotErrorIs(t, err, data.ErrAmbiguousUploadOutcome)

	status = http.StatusNotFound
	_, err = b.Changes(context.Background(), "d", "", 0)
	require.ErrorContains(t, err, "status_code=404")
	require.NotErrorIs(t, err, data.ErrServerUnavailable)

	// Nothing is listening
	server.Close()
	err = ingest()
	require.ErrorIs(t, err, data.ErrAmbiguousUploadOutcome)
	require.ErrorIs(t, b.Ping(context.Background()), data.ErrServerUnavailable)
}

func TestHTTPBackendIngestShortBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := io.Copy(io.Discard, r.Body)
		if err != nil {
			return
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("{}"))
	}))
	defer server.Close()
	b := NewHTTPBackend(WithServerURL(server.URL))
	_, err := b.Ingest(context.Background(), IngestRequest{Filename: "a.jpg", Size: 100, Body: strings.NewReader("short")})
	require.Error(t, err)
}

// countingReader counts reads that are still in progress or happen after the fact.
type countingReader struct {
	r     io.Reader
	reads atomic.Int64
}

func (c *countingReader) Read(b []byte) (int, error) {
	c.reads.Add(1)
	return c.r.Read(b)
}

func TestHTTPBackendIngestStopsReadingBodyOnEarlyResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Answer without consuming the body
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()
	b := NewHTTPBackend(WithServerURL(server.URL))

	body := &countingReader{r: bytes.NewReader(make([]byte, 8<<20))}
	_, err := b.Ingest(context.Background(), IngestRequest{Filename: "big.mp4", Size: 8 << 20, Body: body})
	require.ErrorIs(t, err, data.ErrAmbiguousUploadOutcome)

	reads := body.reads.Load()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, reads, body.reads.Load(), "body was still being read after Ingest returned")
}
