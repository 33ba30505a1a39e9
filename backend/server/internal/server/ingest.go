package server

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/minio/sha256-simd"
	"github.com/pixiserve/pixisync/backend/server/internal/database"
	"github.com/pixiserve/pixisync/shared"
)

const maxFieldBytes = 4096

type ingestRequest struct {
	fingerprint shared.Fingerprint
	filename    string
	capturedAt  *time.Time
}

// ingestHandler stores one original. The multipart body carries the "fingerprint", "filename" and
// optional "captured_at" fields followed by the "file" part. Ingest is idempotent on the
// fingerprint: re-sending an existing asset returns the stored record with is_duplicate=true.
func (s *Server) ingestHandler(w http.ResponseWriter, r *http.Request) {
	userId, ok := getUserId(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, fmt.Sprintf("expected a multipart body: %v", err), http.StatusBadRequest)
		return
	}

	var req ingestRequest
	var haveFingerprint bool
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			http.Error(w, "missing file part", http.StatusBadRequest)
			return
		}
		if err != nil {
			http.Error(w, fmt.Sprintf("malformed multipart body: %v", err), http.StatusBadRequest)
			return
		}
		switch part.FormName() {
		case "fingerprint":
			v, err := readField(part)
			if err == nil {
				req.fingerprint, err = shared.ParseFingerprint(v)
			}
			if err != nil {
				http.Error(w, fmt.Sprintf("invalid fingerprint: %v", err), http.StatusBadRequest)
				return
			}
			haveFingerprint = true
		case "filename":
			v, err := readField(part)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			req.filename = filepath.Base(v)
		case "captured_at":
			v, err := readField(part)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if t, err := dateparse.ParseAny(v); err == nil {
				t = t.UTC()
				req.capturedAt = &t
			} else {
				s.logger.Warnf("ingestHandler: ignoring unparseable captured_at=%#v", v)
			}
		case "file":
			if !haveFingerprint {
				http.Error(w, "the fingerprint field must precede the file part", http.StatusBadRequest)
				return
			}
			if req.filename == "" {
				req.filename = part.FileName()
			}
			s.ingestFile(w, r, userId, req, part)
			return
		default:
			// Unknown fields are ignored for forwards compatibility
			_, _ = io.Copy(io.Discard, part)
		}
	}
}

func readField(part *multipart.Part) (string, error) {
	b, err := io.ReadAll(io.LimitReader(part, maxFieldBytes+1))
	if err != nil {
		return "", fmt.Errorf("failed to read field %s: %w", part.FormName(), err)
	}
	if len(b) > maxFieldBytes {
		return "", fmt.Errorf("field %s is too long", part.FormName())
	}
	return strings.TrimSpace(string(b)), nil
}

func (s *Server) respondDuplicate(w http.ResponseWriter, asset *database.Asset) {
	s.incr("pixisync.ingest", "duplicate:true")
	writeJSON(w, http.StatusOK, shared.IngestResponse{Asset: asset.Record(), IsDuplicate: true})
}

func (s *Server) ingestFile(w http.ResponseWriter, r *http.Request, userId string, req ingestRequest, body io.Reader) {
	ctx := r.Context()
	checksum := req.fingerprint.String()

	existing, err := s.db.AssetByChecksum(ctx, userId, checksum)
	if err == nil {
		// Already stored. Drain so the client sees a clean response rather than a reset connection.
		_, _ = io.Copy(io.Discard, body)
		s.respondDuplicate(w, existing)
		return
	}
	if !errors.Is(err, database.ErrAssetNotFound) {
		checkGormError(err)
	}

	f, err := os.CreateTemp(s.tmpDir, "pixisync-ingest-*")
	if err != nil {
		panic(fmt.Errorf("failed to create staging file: %w", err))
	}
	defer os.Remove(f.Name())
	defer f.Close()

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hasher), body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			http.Error(w, fmt.Sprintf("upload exceeds the %d byte limit", maxBytesErr.Limit), http.StatusRequestEntityTooLarge)
			return
		}
		// The client went away or the connection broke mid-upload. Nothing was stored.
		s.logger.Warnf("ingestHandler: failed to receive upload for %s: %v", checksum, err)
		http.Error(w, "incomplete upload", http.StatusBadRequest)
		return
	}
	var actual shared.Fingerprint
	copy(actual[:], hasher.Sum(nil))
	if actual != req.fingerprint {
		http.Error(w, fmt.Sprintf("fingerprint mismatch: declared %s, received content hashes to %s", checksum, actual), http.StatusBadRequest)
		return
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		panic(err)
	}
	mtype, err := mimetype.DetectReader(f)
	if err != nil {
		panic(fmt.Errorf("failed to detect content type: %w", err))
	}
	kind, ok := mediaKind(mtype)
	if !ok {
		http.Error(w, fmt.Sprintf("unsupported content type %s", mtype.String()), http.StatusUnsupportedMediaType)
		return
	}
	ext := strings.ToLower(filepath.Ext(req.filename))
	if ext == "" {
		ext = mtype.Extension()
	}
	if req.filename == "" {
		req.filename = checksum + ext
	}

	key := shared.StoragePath(req.fingerprint, ext)
	stored, err := s.blobs.Exists(ctx, key)
	if err != nil {
		panic(fmt.Errorf("blobs.Exists: %w", err))
	}
	if !stored {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			panic(err)
		}
		if err := s.blobs.Put(ctx, key, f, size, mtype.String()); err != nil {
			panic(fmt.Errorf("blobs.Put: %w", err))
		}
	}

	asset := &database.Asset{
		Id:             uuid.Must(uuid.NewRandom()).String(),
		OwnerId:        userId,
		Checksum:       checksum,
		Filename:       req.filename,
		MimeType:       mtype.String(),
		Kind:           string(kind),
		Size:           size,
		CapturedAt:     req.capturedAt,
		StoragePath:    key,
		SourceDeviceId: r.Header.Get(shared.DeviceIdHeader),
		CreatedAt:      time.Now().UTC(),
	}
	err = s.db.CreateAsset(ctx, asset)
	if errors.Is(err, database.ErrDuplicateAsset) {
		// Lost a race with a concurrent upload of the same content
		existing, err := s.db.AssetByChecksum(ctx, userId, checksum)
		checkGormError(err)
		s.respondDuplicate(w, existing)
		return
	}
	checkGormError(err)

	if asset.SourceDeviceId != "" {
		s.handleNonCriticalError(s.db.RecordDeviceUpload(ctx, userId, asset.SourceDeviceId, size))
	}
	s.incr("pixisync.ingest", "duplicate:false")
	if s.statsd != nil {
		s.statsd.Count("pixisync.ingest_bytes", size, []string{"kind:" + string(kind)}, 1.0)
	}
	writeJSON(w, http.StatusCreated, shared.IngestResponse{Asset: asset.Record(), IsDuplicate: false})
}

func mediaKind(mtype *mimetype.MIME) (shared.MediaKind, bool) {
	for m := mtype; m != nil; m = m.Parent() {
		switch {
		case strings.HasPrefix(m.String(), "image/"):
			return shared.KindImage, true
		case strings.HasPrefix(m.String(), "video/"):
			return shared.KindVideo, true
		}
	}
	return "", false
}
