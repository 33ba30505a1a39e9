package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/araddon/dateparse"
	"github.com/pixiserve/pixisync/backend/server/internal/database"
	"github.com/pixiserve/pixisync/shared"
	"github.com/samber/lo"
)

func (s *Server) registerDeviceHandler(w http.ResponseWriter, r *http.Request) {
	userId, ok := getUserId(w, r)
	if !ok {
		return
	}
	var req shared.RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("failed to decode: %v", err), http.StatusBadRequest)
		return
	}
	if req.DeviceId == "" {
		http.Error(w, "device_id is required", http.StatusBadRequest)
		return
	}
	if !req.DeviceType.Valid() {
		http.Error(w, fmt.Sprintf("unknown device_type %#v", req.DeviceType), http.StatusBadRequest)
		return
	}
	if !s.admitsUser(r.Context(), userId) {
		http.Error(w, fmt.Sprintf("this server allows a max of %d users", s.maxUsers), http.StatusForbidden)
		return
	}

	device, err := s.db.RegisterDevice(r.Context(), &database.Device{
		UserId:           userId,
		DeviceId:         req.DeviceId,
		DeviceName:       req.DeviceName,
		DeviceType:       string(req.DeviceType),
		AppVersion:       req.AppVersion,
		RegistrationIp:   getRemoteAddr(r),
		RegistrationDate: time.Now().UTC(),
	})
	checkGormError(err)
	s.logger.WithField("user_id", userId).Infof("registerDeviceHandler: registered device_id=%s type=%s", device.DeviceId, device.DeviceType)
	s.incr("pixisync.register")

	writeJSON(w, http.StatusOK, device.Info())
}

func (s *Server) listDevicesHandler(w http.ResponseWriter, r *http.Request) {
	userId, ok := getUserId(w, r)
	if !ok {
		return
	}
	devices, err := s.db.DevicesForUser(r.Context(), userId)
	checkGormError(err)
	writeJSON(w, http.StatusOK, lo.Map(devices, func(d *database.Device, _ int) shared.DeviceInfo {
		return d.Info()
	}))
}

func (s *Server) unregisterDeviceHandler(w http.ResponseWriter, r *http.Request) {
	userId, ok := getUserId(w, r)
	if !ok {
		return
	}
	err := s.db.DeactivateDevice(r.Context(), userId, r.PathValue("device_id"))
	if errors.Is(err, database.ErrDeviceNotFound) {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}
	checkGormError(err)

	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusOK)
}

// checkHandler partitions the requested fingerprints into those the caller already has and those
// it still needs to upload. It holds no state between calls.
func (s *Server) checkHandler(w http.ResponseWriter, r *http.Request) {
	userId, ok := getUserId(w, r)
	if !ok {
		return
	}
	var req shared.CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("failed to decode: %v", err), http.StatusBadRequest)
		return
	}
	if len(req.Fingerprints) > shared.MaxCheckBatchSize {
		http.Error(w, fmt.Sprintf("at most %d fingerprints may be checked at once, got %d", shared.MaxCheckBatchSize, len(req.Fingerprints)), http.StatusBadRequest)
		return
	}

	checksums := lo.Map(req.Fingerprints, func(f shared.Fingerprint, _ int) string { return f.String() })
	existing, err := s.db.ExistingChecksums(r.Context(), userId, checksums)
	checkGormError(err)

	resp := shared.CheckResponse{
		Existing: lo.Filter(req.Fingerprints, func(f shared.Fingerprint, _ int) bool { return existing[f.String()] }),
		Missing:  lo.Filter(req.Fingerprints, func(f shared.Fingerprint, _ int) bool { return !existing[f.String()] }),
	}
	if s.statsd != nil {
		s.statsd.Count("pixisync.check", int64(len(req.Fingerprints)), []string{}, 1.0)
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseChangesLimit(raw string) (int, error) {
	if raw == "" {
		return shared.DefaultChangesLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid limit %#v", raw)
	}
	return min(max(limit, 1), shared.MaxChangesLimit), nil
}

// changesHandler serves the additive change feed. The cursor is the server issued sequence
// marker of the last item the device has seen. There are no delete events.
func (s *Server) changesHandler(w http.ResponseWriter, r *http.Request) {
	userId, ok := getUserId(w, r)
	if !ok {
		return
	}
	_, err := s.db.DeviceForUser(r.Context(), userId, r.PathValue("device_id"))
	if errors.Is(err, database.ErrDeviceNotFound) {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}
	checkGormError(err)

	var after int64
	cursor := r.URL.Query().Get("cursor")
	if cursor != "" {
		after, err = strconv.ParseInt(cursor, 10, 64)
		if err != nil || after < 0 {
			http.Error(w, fmt.Sprintf("invalid cursor %#v", cursor), http.StatusBadRequest)
			return
		}
	}
	limit, err := parseChangesLimit(r.URL.Query().Get("limit"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	assets, err := s.db.AssetsAfter(r.Context(), userId, after, limit)
	checkGormError(err)

	resp := shared.ChangesResponse{
		Items:      make([]shared.AssetRecord, 0, len(assets)),
		NextCursor: cursor,
		HasMore:    len(assets) == limit,
	}
	for _, a := range assets {
		resp.Items = append(resp.Items, a.Record())
	}
	if len(assets) > 0 {
		resp.NextCursor = strconv.FormatInt(assets[len(assets)-1].Seq, 10)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) putCursorHandler(w http.ResponseWriter, r *http.Request) {
	userId, ok := getUserId(w, r)
	if !ok {
		return
	}
	var req shared.CursorUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("failed to decode: %v", err), http.StatusBadRequest)
		return
	}
	err := s.db.UpdateDeviceCursor(r.Context(), userId, r.PathValue("device_id"), req.Cursor, time.Now())
	if errors.Is(err, database.ErrDeviceNotFound) {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}
	checkGormError(err)

	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	userId, ok := getUserId(w, r)
	if !ok {
		return
	}
	device, err := s.db.DeviceForUser(r.Context(), userId, r.PathValue("device_id"))
	if errors.Is(err, database.ErrDeviceNotFound) {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}
	checkGormError(err)

	total, err := s.db.CountAssetsForUser(r.Context(), userId)
	checkGormError(err)
	sinceCursor := total
	if device.SyncCursor != "" {
		// Cursors are opaque to the server. Timestamp cursors are counted against created_at.
		if t, err := dateparse.ParseAny(device.SyncCursor); err == nil {
			sinceCursor, err = s.db.CountAssetsCreatedSince(r.Context(), userId, t)
			checkGormError(err)
		}
	}

	writeJSON(w, http.StatusOK, shared.SyncStatus{
		DeviceId:          device.DeviceId,
		LastSyncAt:        device.LastSyncAt,
		SyncCursor:        device.SyncCursor,
		TotalAssets:       total,
		AssetsSinceCursor: sinceCursor,
	})
}
