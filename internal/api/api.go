// Package api exposes the learning feedback surface of a user's voice
// profile over HTTP: listing and reclassifying observed samples, manual
// retraining, snapshot rollback, freezing, and enrollment.
//
// Every route identifies the user by the X-User-ID header set by the
// upstream auth gateway. Responses are JSON; errors are {"error","code"}.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/MrWong99/vigil/internal/embedding"
	"github.com/MrWong99/vigil/internal/observe"
	"github.com/MrWong99/vigil/internal/recognition"
	"github.com/MrWong99/vigil/pkg/audio"
	"github.com/MrWong99/vigil/pkg/profile"
)

// UserHeader carries the authenticated user id.
const UserHeader = observe.UserHeader

const (
	defaultMaxUpload = 16 << 20
	defaultListLimit = 100
)

// Learning is the profile learning surface served by the API. Implemented by
// [recognition.Learner].
type Learning interface {
	Profile(ctx context.Context, userID string) (profile.Profile, error)
	Samples(ctx context.Context, userID string, f profile.SampleFilter) ([]profile.Sample, error)
	Reclassify(ctx context.Context, userID, sampleID string, toOwner bool) (recognition.ReclassifyResult, error)
	Retrain(ctx context.Context, userID, reason string) (recognition.RetrainResult, error)
	Snapshots(ctx context.Context, userID string) ([]profile.Snapshot, error)
	Rollback(ctx context.Context, userID, snapshotID string) (profile.Profile, error)
	SetFrozen(ctx context.Context, userID string, frozen bool) (profile.Profile, error)
	ClearNegatives(ctx context.Context, userID string) (int, error)
	AddVoiceSample(ctx context.Context, userID, displayName string, v profile.VoiceSample) (profile.VoiceSample, error)
	Enroll(ctx context.Context, userID string) (recognition.EnrollResult, error)
}

// Server serves the learning API.
type Server struct {
	learning  Learning
	spoolDir  string
	maxUpload int64
}

// Option configures a [Server].
type Option func(*Server)

// WithSpoolDir sets the directory uploaded enrollment recordings are stored
// in.
func WithSpoolDir(dir string) Option {
	return func(s *Server) { s.spoolDir = dir }
}

// WithMaxUpload caps the size of an uploaded recording in bytes.
func WithMaxUpload(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUpload = n
		}
	}
}

// New creates a Server backed by l.
func New(l Learning, opts ...Option) *Server {
	s := &Server{
		learning:  l,
		spoolDir:  filepath.Join(os.TempDir(), "vigil"),
		maxUpload: defaultMaxUpload,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register mounts the profile routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/profile", s.user(s.getProfile))
	mux.HandleFunc("GET /v1/profile/samples", s.user(s.listSamples))
	mux.HandleFunc("POST /v1/profile/samples/{id}/reclassify", s.user(s.reclassify))
	mux.HandleFunc("POST /v1/profile/retrain", s.user(s.retrain))
	mux.HandleFunc("GET /v1/profile/snapshots", s.user(s.listSnapshots))
	mux.HandleFunc("POST /v1/profile/snapshots/{id}/rollback", s.user(s.rollback))
	mux.HandleFunc("POST /v1/profile/freeze", s.user(s.freeze(true)))
	mux.HandleFunc("POST /v1/profile/unfreeze", s.user(s.freeze(false)))
	mux.HandleFunc("DELETE /v1/profile/negatives", s.user(s.clearNegatives))
	mux.HandleFunc("POST /v1/profile/voice-samples", s.user(s.uploadVoiceSample))
	mux.HandleFunc("POST /v1/profile/enroll", s.user(s.enroll))
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (s *Server) user(h userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(UserHeader)
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing "+UserHeader)
			return
		}
		h(w, r, userID)
	}
}

func (s *Server) getProfile(w http.ResponseWriter, r *http.Request, userID string) {
	p, err := s.learning.Profile(r.Context(), userID)
	if err != nil {
		writeFailure(w, "get profile", userID, err)
		return
	}
	writeJSON(w, http.StatusOK, profileView(p))
}

func (s *Server) listSamples(w http.ResponseWriter, r *http.Request, userID string) {
	q := r.URL.Query()
	f := profile.SampleFilter{Limit: defaultListLimit}
	if k := q.Get("kind"); k != "" {
		f.Kind = profile.SampleKind(k)
		if !f.Kind.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("unknown sample kind %q", k))
			return
		}
	}
	if c := q.Get("confirmed"); c != "" {
		b, err := strconv.ParseBool(c)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "confirmed must be a boolean")
			return
		}
		f.ConfirmedOnly = b
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	samples, err := s.learning.Samples(r.Context(), userID, f)
	if err != nil {
		writeFailure(w, "list samples", userID, err)
		return
	}
	out := make([]SampleView, 0, len(samples))
	for _, smp := range samples {
		out = append(out, sampleView(smp))
	}
	writeJSON(w, http.StatusOK, map[string]any{"samples": out})
}

type reclassifyRequest struct {
	IsOwner *bool `json:"is_owner"`
}

func (s *Server) reclassify(w http.ResponseWriter, r *http.Request, userID string) {
	var req reclassifyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.IsOwner == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "is_owner is required")
		return
	}

	res, err := s.learning.Reclassify(r.Context(), userID, r.PathValue("id"), *req.IsOwner)
	if err != nil {
		writeFailure(w, "reclassify", userID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sample":    sampleView(res.Sample),
		"profile":   profileView(res.Profile),
		"retrained": res.Retrained,
	})
}

func (s *Server) retrain(w http.ResponseWriter, r *http.Request, userID string) {
	res, err := s.learning.Retrain(r.Context(), userID, recognition.ReasonManual)
	if err != nil {
		writeFailure(w, "retrain", userID, err)
		return
	}
	body := map[string]any{"profile": profileView(res.Profile)}
	if res.Snapshot != nil {
		body["snapshot"] = snapshotView(*res.Snapshot)
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) listSnapshots(w http.ResponseWriter, r *http.Request, userID string) {
	snaps, err := s.learning.Snapshots(r.Context(), userID)
	if err != nil {
		writeFailure(w, "list snapshots", userID, err)
		return
	}
	out := make([]SnapshotView, 0, len(snaps))
	for _, sn := range snaps {
		out = append(out, snapshotView(sn))
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": out})
}

func (s *Server) rollback(w http.ResponseWriter, r *http.Request, userID string) {
	p, err := s.learning.Rollback(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeFailure(w, "rollback", userID, err)
		return
	}
	writeJSON(w, http.StatusOK, profileView(p))
}

func (s *Server) freeze(frozen bool) userHandler {
	return func(w http.ResponseWriter, r *http.Request, userID string) {
		p, err := s.learning.SetFrozen(r.Context(), userID, frozen)
		if err != nil {
			writeFailure(w, "set frozen", userID, err)
			return
		}
		writeJSON(w, http.StatusOK, profileView(p))
	}
}

func (s *Server) clearNegatives(w http.ResponseWriter, r *http.Request, userID string) {
	n, err := s.learning.ClearNegatives(r.Context(), userID)
	if err != nil {
		writeFailure(w, "clear negatives", userID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

// uploadVoiceSample accepts a 16-bit mono WAV body. The optional phrase and
// display_name query parameters describe the recording and the profile.
func (s *Server) uploadVoiceSample(w http.ResponseWriter, r *http.Request, userID string) {
	pcm, rate, err := s.readWAV(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_audio", err.Error())
		return
	}
	if len(pcm) == 0 || rate <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_audio", "recording is empty")
		return
	}

	path, err := audio.Spool(s.spoolDir, pcm, rate)
	if err != nil {
		writeFailure(w, "spool voice sample", userID, err)
		return
	}

	q := r.URL.Query()
	v, err := s.learning.AddVoiceSample(r.Context(), userID, q.Get("display_name"), profile.VoiceSample{
		AudioPath: path,
		Duration:  pcmDuration(len(pcm), rate),
		Phrase:    q.Get("phrase"),
	})
	if err != nil {
		_ = os.Remove(path)
		writeFailure(w, "add voice sample", userID, err)
		return
	}
	writeJSON(w, http.StatusCreated, voiceSampleView(v))
}

// readWAV stages the request body in a temporary file so the decoder can
// seek through it.
func (s *Server) readWAV(r *http.Request) ([]byte, int, error) {
	if err := os.MkdirAll(s.spoolDir, 0o750); err != nil {
		return nil, 0, err
	}
	tmp, err := os.CreateTemp(s.spoolDir, "upload-*.wav")
	if err != nil {
		return nil, 0, err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, io.LimitReader(r.Body, s.maxUpload+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read body: %w", err)
	}
	if n > s.maxUpload {
		return nil, 0, fmt.Errorf("recording exceeds %d bytes", s.maxUpload)
	}
	return audio.ReadWAV(tmp.Name())
}

func (s *Server) enroll(w http.ResponseWriter, r *http.Request, userID string) {
	res, err := s.learning.Enroll(r.Context(), userID)
	if err != nil {
		writeFailure(w, "enroll", userID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"profile":   profileView(res.Profile),
		"extracted": res.Extracted,
		"failed":    res.Failed,
	})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func pcmDuration(n, rate int) time.Duration {
	return time.Duration(n/audio.BytesPerSample) * time.Second / time.Duration(rate)
}

// statusOf maps learner errors to an HTTP status and error code.
func statusOf(err error) (int, string) {
	var ie *embedding.InferenceError
	switch {
	case errors.Is(err, recognition.ErrProfileNotFound):
		return http.StatusNotFound, "profile_not_found"
	case errors.Is(err, recognition.ErrSampleNotFound):
		return http.StatusNotFound, "sample_not_found"
	case errors.Is(err, recognition.ErrSnapshotNotFound):
		return http.StatusNotFound, "snapshot_not_found"
	case errors.Is(err, recognition.ErrRetrainingConflict):
		return http.StatusConflict, "retraining_conflict"
	case errors.Is(err, recognition.ErrProfileFrozen):
		return http.StatusConflict, "profile_frozen"
	case errors.Is(err, recognition.ErrNoTrainingData):
		return http.StatusUnprocessableEntity, "no_training_data"
	case errors.Is(err, recognition.ErrNoVoiceSamples):
		return http.StatusUnprocessableEntity, "no_voice_samples"
	case errors.Is(err, embedding.ErrDimensionMismatch), errors.Is(err, embedding.ErrModelMismatch):
		return http.StatusConflict, "data_integrity"
	case errors.As(err, &ie):
		if ie.Kind == embedding.KindTimeout {
			return http.StatusGatewayTimeout, ie.Kind.String()
		}
		return http.StatusBadGateway, ie.Kind.String()
	case errors.Is(err, embedding.ErrBatchFailed):
		return http.StatusBadGateway, "inference_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeFailure(w http.ResponseWriter, op, userID string, err error) {
	status, code := statusOf(err)
	if status >= http.StatusInternalServerError {
		slog.Error("api: request failed", "op", op, "user_id", userID, "err", err)
	} else {
		slog.Debug("api: request rejected", "op", op, "user_id", userID, "code", code, "err", err)
	}
	writeError(w, status, code, err.Error())
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: encode response", "err", err)
	}
}
