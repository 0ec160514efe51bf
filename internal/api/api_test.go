package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/vigil/internal/api"
	"github.com/MrWong99/vigil/internal/embedding"
	"github.com/MrWong99/vigil/internal/recognition"
	"github.com/MrWong99/vigil/pkg/audio"
	"github.com/MrWong99/vigil/pkg/profile"
)

// fakeLearning records the arguments it was called with and returns err for
// every call when set.
type fakeLearning struct {
	err error

	filter   profile.SampleFilter
	sampleID string
	toOwner  bool
	reason   string
	snapID   string
	frozen   *bool
	voice    profile.VoiceSample
	name     string
}

var testProfile = profile.Profile{
	ID:        "p1",
	UserID:    "alice",
	Centroid:  []float32{1, 0, 0},
	ModelID:   "ecapa",
	Threshold: 0.72,
	Enrolled:  true,
	Version:   3,
}

func (f *fakeLearning) Profile(context.Context, string) (profile.Profile, error) {
	return testProfile, f.err
}

func (f *fakeLearning) Samples(_ context.Context, _ string, filter profile.SampleFilter) ([]profile.Sample, error) {
	f.filter = filter
	return []profile.Sample{
		{ID: "s1", Kind: profile.KindAdaptive, Similarity: 0.9, Embedding: []float32{1, 2}, AudioPath: "a.wav"},
		{ID: "s2", Kind: profile.KindNegative, Similarity: 0.3},
	}, f.err
}

func (f *fakeLearning) Reclassify(_ context.Context, _ string, sampleID string, toOwner bool) (recognition.ReclassifyResult, error) {
	f.sampleID, f.toOwner = sampleID, toOwner
	return recognition.ReclassifyResult{
		Sample:    profile.Sample{ID: sampleID, Kind: profile.KindAdaptive, Confirmed: true},
		Profile:   testProfile,
		Retrained: true,
	}, f.err
}

func (f *fakeLearning) Retrain(_ context.Context, _ string, reason string) (recognition.RetrainResult, error) {
	f.reason = reason
	return recognition.RetrainResult{Profile: testProfile, Snapshot: &profile.Snapshot{ID: "snap1", Reason: reason}}, f.err
}

func (f *fakeLearning) Snapshots(context.Context, string) ([]profile.Snapshot, error) {
	return []profile.Snapshot{{ID: "snap1", Reason: recognition.ReasonManual}}, f.err
}

func (f *fakeLearning) Rollback(_ context.Context, _ string, snapshotID string) (profile.Profile, error) {
	f.snapID = snapshotID
	return testProfile, f.err
}

func (f *fakeLearning) SetFrozen(_ context.Context, _ string, frozen bool) (profile.Profile, error) {
	f.frozen = &frozen
	p := testProfile
	p.Frozen = frozen
	return p, f.err
}

func (f *fakeLearning) ClearNegatives(context.Context, string) (int, error) {
	return 4, f.err
}

func (f *fakeLearning) AddVoiceSample(_ context.Context, _ string, displayName string, v profile.VoiceSample) (profile.VoiceSample, error) {
	f.voice, f.name = v, displayName
	v.ID = "v1"
	v.Status = profile.StatusPending
	return v, f.err
}

func (f *fakeLearning) Enroll(context.Context, string) (recognition.EnrollResult, error) {
	return recognition.EnrollResult{Profile: testProfile, Extracted: 3, Failed: 1}, f.err
}

func newServer(t *testing.T, l api.Learning) (*httptest.Server, string) {
	t.Helper()
	dir := t.TempDir()
	mux := http.NewServeMux()
	api.New(l, api.WithSpoolDir(dir)).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, dir
}

func do(t *testing.T, srv *httptest.Server, method, path, user string, body []byte) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if user != "" {
		req.Header.Set(api.UserHeader, user)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s %s: %v", method, path, err)
	}
	return resp, out
}

func TestRoutes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		method string
		path   string
		body   string
		check  func(t *testing.T, f *fakeLearning, out map[string]any)
	}{
		{
			method: http.MethodGet, path: "/v1/profile",
			check: func(t *testing.T, _ *fakeLearning, out map[string]any) {
				if out["dimensions"] != float64(3) || out["threshold"] != 0.72 {
					t.Errorf("profile = %v", out)
				}
				if _, ok := out["centroid"]; ok {
					t.Error("profile view leaks the centroid")
				}
			},
		},
		{
			method: http.MethodGet, path: "/v1/profile/samples?kind=negative&confirmed=true&limit=5",
			check: func(t *testing.T, f *fakeLearning, out map[string]any) {
				want := profile.SampleFilter{Kind: profile.KindNegative, ConfirmedOnly: true, Limit: 5}
				if f.filter != want {
					t.Errorf("filter = %+v, want %+v", f.filter, want)
				}
				samples := out["samples"].([]any)
				if len(samples) != 2 {
					t.Fatalf("samples = %d, want 2", len(samples))
				}
				first := samples[0].(map[string]any)
				if first["has_audio"] != true {
					t.Errorf("first sample = %v", first)
				}
				if _, ok := first["embedding"]; ok {
					t.Error("sample view leaks the embedding")
				}
			},
		},
		{
			method: http.MethodPost, path: "/v1/profile/samples/s9/reclassify", body: `{"is_owner":true}`,
			check: func(t *testing.T, f *fakeLearning, out map[string]any) {
				if f.sampleID != "s9" || !f.toOwner {
					t.Errorf("reclassify(%q, %v)", f.sampleID, f.toOwner)
				}
				if out["retrained"] != true {
					t.Errorf("retrained = %v", out["retrained"])
				}
			},
		},
		{
			method: http.MethodPost, path: "/v1/profile/retrain",
			check: func(t *testing.T, f *fakeLearning, out map[string]any) {
				if f.reason != recognition.ReasonManual {
					t.Errorf("reason = %q", f.reason)
				}
				if out["snapshot"] == nil {
					t.Error("missing snapshot")
				}
			},
		},
		{
			method: http.MethodGet, path: "/v1/profile/snapshots",
			check: func(t *testing.T, _ *fakeLearning, out map[string]any) {
				if n := len(out["snapshots"].([]any)); n != 1 {
					t.Errorf("snapshots = %d, want 1", n)
				}
			},
		},
		{
			method: http.MethodPost, path: "/v1/profile/snapshots/snap7/rollback",
			check: func(t *testing.T, f *fakeLearning, _ map[string]any) {
				if f.snapID != "snap7" {
					t.Errorf("snapshot id = %q", f.snapID)
				}
			},
		},
		{
			method: http.MethodPost, path: "/v1/profile/freeze",
			check: func(t *testing.T, f *fakeLearning, out map[string]any) {
				if f.frozen == nil || !*f.frozen || out["frozen"] != true {
					t.Errorf("frozen = %v, out = %v", f.frozen, out["frozen"])
				}
			},
		},
		{
			method: http.MethodPost, path: "/v1/profile/unfreeze",
			check: func(t *testing.T, f *fakeLearning, _ map[string]any) {
				if f.frozen == nil || *f.frozen {
					t.Errorf("frozen = %v", f.frozen)
				}
			},
		},
		{
			method: http.MethodDelete, path: "/v1/profile/negatives",
			check: func(t *testing.T, _ *fakeLearning, out map[string]any) {
				if out["deleted"] != float64(4) {
					t.Errorf("deleted = %v", out["deleted"])
				}
			},
		},
		{
			method: http.MethodPost, path: "/v1/profile/enroll",
			check: func(t *testing.T, _ *fakeLearning, out map[string]any) {
				if out["extracted"] != float64(3) || out["failed"] != float64(1) {
					t.Errorf("enroll = %v", out)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			t.Parallel()
			f := &fakeLearning{}
			srv, _ := newServer(t, f)
			resp, out := do(t, srv, tt.method, tt.path, "alice", []byte(tt.body))
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, body = %v", resp.StatusCode, out)
			}
			tt.check(t, f, out)
		})
	}
}

func TestMissingUser(t *testing.T) {
	t.Parallel()

	srv, _ := newServer(t, &fakeLearning{})
	resp, out := do(t, srv, http.MethodGet, "/v1/profile", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if out["code"] != "unauthorized" {
		t.Errorf("code = %v", out["code"])
	}
}

func TestBadRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{name: "unknown kind", method: http.MethodGet, path: "/v1/profile/samples?kind=maybe"},
		{name: "bad confirmed", method: http.MethodGet, path: "/v1/profile/samples?confirmed=perhaps"},
		{name: "negative limit", method: http.MethodGet, path: "/v1/profile/samples?limit=-1"},
		{name: "reclassify without body", method: http.MethodPost, path: "/v1/profile/samples/s1/reclassify"},
		{name: "reclassify missing field", method: http.MethodPost, path: "/v1/profile/samples/s1/reclassify", body: `{}`},
		{name: "reclassify unknown field", method: http.MethodPost, path: "/v1/profile/samples/s1/reclassify", body: `{"is_owner":true,"x":1}`},
		{name: "upload not wav", method: http.MethodPost, path: "/v1/profile/voice-samples", body: "hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv, _ := newServer(t, &fakeLearning{})
			resp, out := do(t, srv, tt.method, tt.path, "alice", []byte(tt.body))
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (body %v)", resp.StatusCode, out)
			}
		})
	}
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err    error
		status int
		code   string
	}{
		{recognition.ErrProfileNotFound, http.StatusNotFound, "profile_not_found"},
		{fmt.Errorf("wrapped: %w", recognition.ErrSampleNotFound), http.StatusNotFound, "sample_not_found"},
		{recognition.ErrSnapshotNotFound, http.StatusNotFound, "snapshot_not_found"},
		{recognition.ErrRetrainingConflict, http.StatusConflict, "retraining_conflict"},
		{recognition.ErrProfileFrozen, http.StatusConflict, "profile_frozen"},
		{recognition.ErrNoTrainingData, http.StatusUnprocessableEntity, "no_training_data"},
		{recognition.ErrNoVoiceSamples, http.StatusUnprocessableEntity, "no_voice_samples"},
		{embedding.ErrModelMismatch, http.StatusConflict, "data_integrity"},
		{&embedding.InferenceError{Kind: embedding.KindUnavailable, Op: "extract", Err: errors.New("down")}, http.StatusBadGateway, "inference_unavailable"},
		{&embedding.InferenceError{Kind: embedding.KindTimeout, Op: "extract", Err: context.DeadlineExceeded}, http.StatusGatewayTimeout, "inference_timeout"},
		{embedding.ErrBatchFailed, http.StatusBadGateway, "inference_unavailable"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			t.Parallel()
			srv, _ := newServer(t, &fakeLearning{err: tt.err})
			resp, out := do(t, srv, http.MethodPost, "/v1/profile/retrain", "alice", nil)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if out["code"] != tt.code {
				t.Errorf("code = %v, want %s", out["code"], tt.code)
			}
		})
	}
}

func wavBytes(t *testing.T, samples, rate int) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.wav")
	if err := audio.WriteWAV(path, make([]byte, samples*audio.BytesPerSample), rate); err != nil {
		t.Fatalf("WriteWAV: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	return data
}

func TestUploadVoiceSample(t *testing.T) {
	t.Parallel()

	f := &fakeLearning{}
	srv, dir := newServer(t, f)

	resp, out := do(t, srv, http.MethodPost, "/v1/profile/voice-samples?phrase=open+sesame&display_name=Alice", "alice", wavBytes(t, 24000, 16000))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, out)
	}
	if out["status"] != string(profile.StatusPending) || out["duration_ms"] != float64(1500) {
		t.Errorf("voice sample = %v", out)
	}
	if f.name != "Alice" || f.voice.Phrase != "open sesame" {
		t.Errorf("name = %q, phrase = %q", f.name, f.voice.Phrase)
	}
	if f.voice.Duration != 1500*time.Millisecond {
		t.Errorf("duration = %v, want 1.5s", f.voice.Duration)
	}
	if !strings.HasPrefix(f.voice.AudioPath, dir) {
		t.Errorf("audio path %q not inside spool dir %q", f.voice.AudioPath, dir)
	}
	pcm, rate, err := audio.ReadWAV(f.voice.AudioPath)
	if err != nil {
		t.Fatalf("ReadWAV(spooled): %v", err)
	}
	if rate != 16000 || len(pcm) != 24000*audio.BytesPerSample {
		t.Errorf("spooled rate = %d, bytes = %d", rate, len(pcm))
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("spool dir holds %d files, want only the spooled recording", len(entries))
	}
}

func TestUploadVoiceSample_RejectedRemovesFile(t *testing.T) {
	t.Parallel()

	f := &fakeLearning{err: errors.New("store down")}
	srv, dir := newServer(t, f)

	resp, _ := do(t, srv, http.MethodPost, "/v1/profile/voice-samples", "alice", wavBytes(t, 1600, 16000))
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("spool dir holds %d files after a failed upload", len(entries))
	}
}

func TestWithLearner_ProfileNotFound(t *testing.T) {
	t.Parallel()

	l, err := recognition.NewLearner(profile.NewMemStore(), embedding.NewCentroidCache(4, 0), recognition.DefaultConfig())
	if err != nil {
		t.Fatalf("NewLearner: %v", err)
	}
	srv, _ := newServer(t, l)

	resp, out := do(t, srv, http.MethodGet, "/v1/profile", "nobody", nil)
	if resp.StatusCode != http.StatusNotFound || out["code"] != "profile_not_found" {
		t.Errorf("status = %d, body = %v", resp.StatusCode, out)
	}
}
