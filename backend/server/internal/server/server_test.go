package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/pixiserve/pixisync/backend/server/internal/blobstore"
	"github.com/pixiserve/pixisync/backend/server/internal/database"
	"github.com/pixiserve/pixisync/shared"
	"github.com/pixiserve/pixisync/shared/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var DB *database.DB

const testDBDSN = "file::memory:?_journal_mode=WAL&cache=shared"

func TestMain(m *testing.M) {
	db, err := database.OpenSQLite(testDBDSN, &gorm.Config{})
	if err != nil {
		panic(fmt.Errorf("failed to connect to the DB: %w", err))
	}
	underlyingDb, err := db.DB.DB()
	if err != nil {
		panic(fmt.Errorf("failed to access underlying DB: %w", err))
	}
	underlyingDb.SetMaxOpenConns(1)
	db.Exec("PRAGMA journal_mode = WAL")
	err = db.AddDatabaseTables()
	if err != nil {
		panic(fmt.Errorf("failed to add database tables: %w", err))
	}

	DB = db

	os.Exit(m.Run())
}

type testServer struct {
	*Server
	handler   http.Handler
	blobRoot  string
	userId    string
	versionId string
}

func newTestServer(t *testing.T) *testServer {
	blobRoot := t.TempDir()
	blobs, err := blobstore.NewLocalStore(blobRoot)
	require.NoError(t, err)
	s := NewServer(DB, blobs, IsTestEnvironment(true), WithLogger(testutils.QuietLogger()), WithTempDir(t.TempDir()))
	return &testServer{Server: s, handler: s.Handler(), blobRoot: blobRoot, userId: testutils.RandomId(), versionId: "v1.0"}
}

func (ts *testServer) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	req.Header.Set(shared.UserIdHeader, ts.userId)
	req.Header.Set(shared.VersionHeader, ts.versionId)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func (ts *testServer) doJSON(t *testing.T, method, path string, v any) *httptest.ResponseRecorder {
	var body io.Reader
	if v != nil {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		body = bytes.NewReader(b)
	}
	return ts.do(t, method, path, body, "application/json")
}

func (ts *testServer) register(t *testing.T, deviceId string) shared.DeviceInfo {
	w := ts.doJSON(t, http.MethodPost, "/sync/devices", shared.RegisterDeviceRequest{
		DeviceId:   deviceId,
		DeviceName: "Test " + deviceId,
		DeviceType: shared.DeviceTypeAndroid,
		AppVersion: "1.0.0",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var info shared.DeviceInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	return info
}

type ingestPart struct {
	name, value string
	file        []byte
}

func multipartBody(t *testing.T, parts ...ingestPart) (*bytes.Buffer, string) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		if p.file != nil {
			fw, err := mw.CreateFormFile(p.name, "upload.bin")
			require.NoError(t, err)
			_, err = fw.Write(p.file)
			require.NoError(t, err)
		} else {
			require.NoError(t, mw.WriteField(p.name, p.value))
		}
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func fingerprintOf(b []byte) shared.Fingerprint {
	return shared.Fingerprint(sha256.Sum256(b))
}

func (ts *testServer) ingestWithDevice(t *testing.T, deviceId, filename string, content []byte) *httptest.ResponseRecorder {
	body, contentType := multipartBody(t,
		ingestPart{name: "fingerprint", value: fingerprintOf(content).String()},
		ingestPart{name: "filename", value: filename},
		ingestPart{name: "captured_at", value: "2024-06-01T10:00:00Z"},
		ingestPart{name: "file", file: content},
	)
	req := httptest.NewRequest(http.MethodPost, "/assets", body)
	req.Header.Set(shared.UserIdHeader, ts.userId)
	req.Header.Set("Content-Type", contentType)
	if deviceId != "" {
		req.Header.Set(shared.DeviceIdHeader, deviceId)
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func (ts *testServer) ingest(t *testing.T, filename string, content []byte) shared.IngestResponse {
	w := ts.ingestWithDevice(t, "", filename, content)
	require.Contains(t, []int{http.StatusOK, http.StatusCreated}, w.Code, w.Body.String())
	var resp shared.IngestResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestMissingUserHeader(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/sync/devices", nil)
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRegisterListUnregisterDevices(t *testing.T) {
	ts := newTestServer(t)

	phone := ts.register(t, "phone")
	require.True(t, phone.IsActive)
	require.Equal(t, shared.DeviceTypeAndroid, phone.DeviceType)
	ts.register(t, "tablet")
	// Re-registering is an upsert, not a second device
	ts.register(t, "phone")

	w := ts.doJSON(t, http.MethodGet, "/sync/devices", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var devices []shared.DeviceInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &devices))
	require.Len(t, devices, 2)

	// The device that synced most recently is listed first
	w = ts.doJSON(t, http.MethodPut, "/sync/cursor/tablet", shared.CursorUpdate{Cursor: "c1"})
	require.Equal(t, http.StatusOK, w.Code)
	w = ts.doJSON(t, http.MethodGet, "/sync/devices", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &devices))
	require.Equal(t, "tablet", devices[0].DeviceId)
	require.Equal(t, "c1", devices[0].SyncCursor)

	w = ts.doJSON(t, http.MethodDelete, "/sync/devices/phone", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = ts.doJSON(t, http.MethodDelete, "/sync/devices/nonexistent", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = ts.doJSON(t, http.MethodGet, "/sync/devices", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &devices))
	require.Len(t, devices, 1)
	require.Equal(t, "tablet", devices[0].DeviceId)
}

func TestRegisterDeviceValidation(t *testing.T) {
	ts := newTestServer(t)
	w := ts.doJSON(t, http.MethodPost, "/sync/devices", shared.RegisterDeviceRequest{DeviceId: "x", DeviceType: "toaster"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	w = ts.doJSON(t, http.MethodPost, "/sync/devices", shared.RegisterDeviceRequest{DeviceType: shared.DeviceTypeIOS})
	require.Equal(t, http.StatusBadRequest, w.Code)
	w = ts.do(t, http.MethodPost, "/sync/devices", strings.NewReader("{not json"), "application/json")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCheckPreservesRequestOrder(t *testing.T) {
	ts := newTestServer(t)
	e1 := testutils.FakeJpeg("e1")
	e2 := testutils.FakeJpeg("e2")
	ts.ingest(t, "e1.jpg", e1)
	ts.ingest(t, "e2.jpg", e2)

	m1 := fingerprintOf([]byte("m1"))
	m2 := fingerprintOf([]byte("m2"))
	req := shared.CheckRequest{Fingerprints: []shared.Fingerprint{m1, fingerprintOf(e2), m2, fingerprintOf(e1)}}
	w := ts.doJSON(t, http.MethodPost, "/sync/check", req)
	require.Equal(t, http.StatusOK, w.Code)
	var resp shared.CheckResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	if diff := deep.Equal(resp, shared.CheckResponse{
		Existing: []shared.Fingerprint{fingerprintOf(e2), fingerprintOf(e1)},
		Missing:  []shared.Fingerprint{m1, m2},
	}); diff != nil {
		t.Error(diff)
	}

	// Another user sees none of them
	other := newTestServer(t)
	w = other.doJSON(t, http.MethodPost, "/sync/check", req)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Empty(t, resp.Existing)
	require.Len(t, resp.Missing, 4)
}

func TestCheckRejectsBadRequests(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/sync/check", strings.NewReader(`{"fingerprints":["nothex"]}`), "application/json")
	require.Equal(t, http.StatusBadRequest, w.Code)

	tooMany := shared.CheckRequest{Fingerprints: make([]shared.Fingerprint, shared.MaxCheckBatchSize+1)}
	w = ts.doJSON(t, http.MethodPost, "/sync/check", tooMany)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.doJSON(t, http.MethodPost, "/sync/check", shared.CheckRequest{})
	require.Equal(t, http.StatusOK, w.Code)
}

func TestIngestIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "phone")
	content := testutils.FakeJpeg("idempotent")

	w := ts.ingestWithDevice(t, "phone", "IMG_0001.JPG", content)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var first shared.IngestResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	require.False(t, first.IsDuplicate)
	require.Equal(t, fingerprintOf(content), first.Asset.Fingerprint)
	require.Equal(t, "IMG_0001.JPG", first.Asset.Filename)
	require.Equal(t, shared.KindImage, first.Asset.Kind)
	require.Equal(t, "image/jpeg", first.Asset.MimeType)
	require.EqualValues(t, len(content), first.Asset.Size)
	require.NotNil(t, first.Asset.CapturedAt)
	require.Equal(t, time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC), first.Asset.CapturedAt.UTC())

	// Same bytes under a different name
	w = ts.ingestWithDevice(t, "phone", "copy.jpg", content)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var second shared.IngestResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	require.True(t, second.IsDuplicate)
	require.Equal(t, first.Asset.Id, second.Asset.Id)

	count, err := DB.CountAssetsForUser(context.Background(), ts.userId)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	stored, err := os.ReadFile(filepath.Join(ts.blobRoot, filepath.FromSlash(shared.StoragePath(fingerprintOf(content), ".jpg"))))
	require.NoError(t, err)
	require.Equal(t, content, stored)

	device, err := DB.DeviceForUser(context.Background(), ts.userId, "phone")
	require.NoError(t, err)
	require.EqualValues(t, 1, device.TotalUploaded)
	require.EqualValues(t, len(content), device.TotalBytesUploaded)
}

func TestIngestConcurrentUploadsOfSameContent(t *testing.T) {
	ts := newTestServer(t)
	content := testutils.FakeMp4("race")

	var wg sync.WaitGroup
	codes := make([]int, 8)
	ids := make([]string, 8)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := ts.ingestWithDevice(t, "", "race.mp4", content)
			codes[i] = w.Code
			var resp shared.IngestResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err == nil {
				ids[i] = resp.Asset.Id
			}
		}(i)
	}
	wg.Wait()

	created := 0
	for i, code := range codes {
		require.Contains(t, []int{http.StatusOK, http.StatusCreated}, code)
		if code == http.StatusCreated {
			created++
		}
		require.Equal(t, ids[0], ids[i])
	}
	require.Equal(t, 1, created)
}

func TestIngestRejectsBadUploads(t *testing.T) {
	ts := newTestServer(t)
	jpeg := testutils.FakeJpeg("bad")

	tests := []struct {
		name     string
		parts    []ingestPart
		wantCode int
	}{
		{
			name:     "fingerprint mismatch",
			parts:    []ingestPart{{name: "fingerprint", value: fingerprintOf([]byte("other")).String()}, {name: "file", file: jpeg}},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "not media",
			parts:    []ingestPart{{name: "fingerprint", value: fingerprintOf([]byte("plain text")).String()}, {name: "file", file: []byte("plain text")}},
			wantCode: http.StatusUnsupportedMediaType,
		},
		{
			name:     "missing fingerprint",
			parts:    []ingestPart{{name: "filename", value: "a.jpg"}, {name: "file", file: jpeg}},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "invalid fingerprint",
			parts:    []ingestPart{{name: "fingerprint", value: "abc"}, {name: "file", file: jpeg}},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "missing file",
			parts:    []ingestPart{{name: "fingerprint", value: fingerprintOf(jpeg).String()}},
			wantCode: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, contentType := multipartBody(t, tt.parts...)
			w := ts.do(t, http.MethodPost, "/assets", body, contentType)
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
		})
	}

	w := ts.do(t, http.MethodPost, "/assets", strings.NewReader("{}"), "application/json")
	require.Equal(t, http.StatusBadRequest, w.Code)

	count, err := DB.CountAssetsForUser(context.Background(), ts.userId)
	require.NoError(t, err)
	require.EqualValues(t, 0, count)
}

func TestIngestRejectsOversizedUploads(t *testing.T) {
	ts := newTestServer(t)
	ts.maxUploadBytes = 512
	content := append(testutils.FakeJpeg("big"), make([]byte, 2048)...)
	body, contentType := multipartBody(t,
		ingestPart{name: "fingerprint", value: fingerprintOf(content).String()},
		ingestPart{name: "file", file: content},
	)
	w := ts.do(t, http.MethodPost, "/assets", body, contentType)
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestChangesFeed(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "phone")
	var want []string
	for i := 0; i < 5; i++ {
		resp := ts.ingest(t, fmt.Sprintf("IMG_%d.jpg", i), testutils.FakeJpeg(fmt.Sprintf("feed-%d", i)))
		want = append(want, resp.Asset.Id)
	}

	var got []string
	cursor := ""
	pages := 0
	for {
		w := ts.doJSON(t, http.MethodGet, "/sync/changes/phone?limit=2&cursor="+cursor, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var page shared.ChangesResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
		pages++
		for _, item := range page.Items {
			got = append(got, item.Id)
		}
		cursor = page.NextCursor
		if !page.HasMore {
			break
		}
	}
	require.Equal(t, want, got)
	require.Equal(t, 3, pages)

	// Nothing new after the last cursor, and the cursor stays put
	w := ts.doJSON(t, http.MethodGet, "/sync/changes/phone?cursor="+cursor, nil)
	var page shared.ChangesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Empty(t, page.Items)
	require.False(t, page.HasMore)
	require.Equal(t, cursor, page.NextCursor)

	// New uploads show up after the cursor
	added := ts.ingest(t, "later.jpg", testutils.FakeJpeg("later"))
	w = ts.doJSON(t, http.MethodGet, "/sync/changes/phone?cursor="+cursor, nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Items, 1)
	require.Equal(t, added.Asset.Id, page.Items[0].Id)
}

func TestChangesFeedValidation(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "phone")
	ts.ingest(t, "a.jpg", testutils.FakeJpeg("validation-a"))
	ts.ingest(t, "b.jpg", testutils.FakeJpeg("validation-b"))

	w := ts.doJSON(t, http.MethodGet, "/sync/changes/unknown", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	w = ts.doJSON(t, http.MethodGet, "/sync/changes/phone?cursor=abc", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	w = ts.doJSON(t, http.MethodGet, "/sync/changes/phone?limit=abc", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	// Out of range limits are clamped
	w = ts.doJSON(t, http.MethodGet, "/sync/changes/phone?limit=0", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page shared.ChangesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Items, 1)
	require.True(t, page.HasMore)

	limit, err := parseChangesLimit("5000")
	require.NoError(t, err)
	require.Equal(t, shared.MaxChangesLimit, limit)
	limit, err = parseChangesLimit("")
	require.NoError(t, err)
	require.Equal(t, shared.DefaultChangesLimit, limit)
}

func TestCursorAndStatus(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "phone")
	ts.ingest(t, "a.jpg", testutils.FakeJpeg("status-a"))
	ts.ingest(t, "b.jpg", testutils.FakeJpeg("status-b"))

	w := ts.doJSON(t, http.MethodGet, "/sync/status/phone", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status shared.SyncStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	require.EqualValues(t, 2, status.TotalAssets)
	require.EqualValues(t, 2, status.AssetsSinceCursor)
	require.Nil(t, status.LastSyncAt)

	time.Sleep(10 * time.Millisecond)
	cursor := time.Now().UTC().Format(time.RFC3339Nano)
	time.Sleep(10 * time.Millisecond)
	w = ts.doJSON(t, http.MethodPut, "/sync/cursor/phone", shared.CursorUpdate{Cursor: cursor})
	require.Equal(t, http.StatusOK, w.Code)
	ts.ingest(t, "c.jpg", testutils.FakeJpeg("status-c"))

	w = ts.doJSON(t, http.MethodGet, "/sync/status/phone", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	require.Equal(t, cursor, status.SyncCursor)
	require.NotNil(t, status.LastSyncAt)
	require.EqualValues(t, 3, status.TotalAssets)
	require.EqualValues(t, 1, status.AssetsSinceCursor)

	w = ts.doJSON(t, http.MethodPut, "/sync/cursor/unknown", shared.CursorUpdate{Cursor: cursor})
	require.Equal(t, http.StatusNotFound, w.Code)
	w = ts.doJSON(t, http.MethodGet, "/sync/status/unknown", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestOpsEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "ops-device")

	w := ts.doJSON(t, http.MethodGet, "/healthcheck", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "OK", w.Body.String())

	w = ts.doJSON(t, http.MethodGet, "/internal/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "Num devices: ")
	require.Contains(t, w.Body.String(), "Blob store: local")

	w = ts.doJSON(t, http.MethodGet, "/internal/api/v1/device-stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "ops-device")
}

func TestWipeOnlyInTestEnvironment(t *testing.T) {
	blobs, err := blobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	prod := NewServer(DB, blobs, WithLogger(testutils.QuietLogger()))
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/wipe-db-entries", nil)
	prod.Handler().ServeHTTP(w, req)
	require.NotEqual(t, http.StatusOK, w.Code)
}

func TestUserCap(t *testing.T) {
	existing, err := DB.DistinctUsers(context.Background())
	require.NoError(t, err)
	blobs, err := blobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	s := NewServer(DB, blobs, IsTestEnvironment(true), WithLogger(testutils.QuietLogger()), WithMaxUsers(int(existing)+1))

	first := &testServer{Server: s, handler: s.Handler(), userId: testutils.RandomId(), versionId: "v1.0"}
	first.register(t, "phone")
	// Known users may add more devices
	first.register(t, "laptop")

	second := &testServer{Server: s, handler: s.Handler(), userId: testutils.RandomId(), versionId: "v1.0"}
	w := second.doJSON(t, http.MethodPost, "/sync/devices", shared.RegisterDeviceRequest{
		DeviceId:   "phone",
		DeviceType: shared.DeviceTypeAndroid,
	})
	require.Equal(t, http.StatusForbidden, w.Code)
}
