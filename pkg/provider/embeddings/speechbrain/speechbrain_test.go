package speechbrain_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/vigil/pkg/provider/embeddings"
	"github.com/MrWong99/vigil/pkg/provider/embeddings/speechbrain"
)

func vec(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// newServer starts a test server emulating the embedding service. Paths
// under /missing/ are answered with 404 like a missing audio file.
func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /extract-embedding", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			AudioPath          string `json:"audio_path"`
			ApplyPreprocessing bool   `json:"apply_preprocessing"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if req.AudioPath == "/missing/a.wav" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "Audio file not found: " + req.AudioPath})
			return
		}
		if req.AudioPath == "/short/a.wav" {
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "embedding": vec(10, 0.1), "model": speechbrain.DefaultModel})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":               true,
			"embedding":             vec(192, 0.5),
			"dimension":             192,
			"model":                 speechbrain.DefaultModel,
			"preprocessing_applied": req.ApplyPreprocessing,
		})
	})
	mux.HandleFunc("POST /batch-extract-embeddings", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			AudioPaths []string `json:"audio_paths"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		var embs, errs []map[string]any
		for i, p := range req.AudioPaths {
			if p == "/missing/a.wav" {
				errs = append(errs, map[string]any{"index": i, "audio_path": p, "error": "File not found"})
				continue
			}
			embs = append(embs, map[string]any{"index": i, "audio_path": p, "embedding": vec(192, float32(i)), "success": true})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":      true,
			"total":        len(req.AudioPaths),
			"processed":    len(embs),
			"errors_count": len(errs),
			"embeddings":   embs,
			"errors":       errs,
			"model":        speechbrain.DefaultModel,
		})
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "healthy", "model_loaded": true})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestNew_Defaults(t *testing.T) {
	p, err := speechbrain.New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.ModelID() != speechbrain.DefaultModel {
		t.Errorf("ModelID() = %q, want %q", p.ModelID(), speechbrain.DefaultModel)
	}
	if p.Dimensions() != 192 {
		t.Errorf("Dimensions() = %d, want 192", p.Dimensions())
	}
}

func TestNew_RejectsBadScheme(t *testing.T) {
	if _, err := speechbrain.New("ftp://example.com"); err == nil {
		t.Fatal("expected error for non-http base URL")
	}
}

func TestExtract(t *testing.T) {
	srv := newServer(t)
	p, err := speechbrain.New(srv.URL+"/", speechbrain.WithPreprocessing(true))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	emb, err := p.Extract(context.Background(), "/spool/a.wav")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(emb.Values) != 192 || emb.Values[0] != 0.5 {
		t.Errorf("Values: len=%d first=%v", len(emb.Values), emb.Values[0])
	}
	if emb.Model != speechbrain.DefaultModel {
		t.Errorf("Model = %q, want %q", emb.Model, speechbrain.DefaultModel)
	}
}

func TestExtract_NotFoundIsRejected(t *testing.T) {
	srv := newServer(t)
	p, _ := speechbrain.New(srv.URL)
	_, err := p.Extract(context.Background(), "/missing/a.wav")
	if !errors.Is(err, embeddings.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
}

func TestExtract_WrongDimensionIsMalformed(t *testing.T) {
	srv := newServer(t)
	p, _ := speechbrain.New(srv.URL)
	_, err := p.Extract(context.Background(), "/short/a.wav")
	if !errors.Is(err, embeddings.ErrMalformedResponse) {
		t.Fatalf("err = %v, want ErrMalformedResponse", err)
	}
}

func TestExtract_MalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}))
	defer srv.Close()
	p, _ := speechbrain.New(srv.URL)
	if _, err := p.Extract(context.Background(), "/a.wav"); !errors.Is(err, embeddings.ErrMalformedResponse) {
		t.Fatalf("err = %v, want ErrMalformedResponse", err)
	}
}

func TestExtract_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"cuda oom"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()
	p, _ := speechbrain.New(srv.URL)
	_, err := p.Extract(context.Background(), "/a.wav")
	if err == nil {
		t.Fatal("expected error for 500")
	}
	if errors.Is(err, embeddings.ErrRejected) || errors.Is(err, embeddings.ErrMalformedResponse) {
		t.Errorf("5xx must not be classified as rejected or malformed: %v", err)
	}
}

func TestExtract_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()
	p, _ := speechbrain.New(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Extract(ctx, "/a.wav")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestExtractBatch_PartialSuccess(t *testing.T) {
	srv := newServer(t)
	p, _ := speechbrain.New(srv.URL)
	items, err := p.ExtractBatch(context.Background(), []string{"/a.wav", "/missing/a.wav", "/c.wav"})
	if err != nil {
		t.Fatalf("ExtractBatch: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("len(items) = %d, want 3", len(items))
	}
	if items[0].Err != nil || items[2].Err != nil {
		t.Errorf("unexpected item errors: %v, %v", items[0].Err, items[2].Err)
	}
	if !errors.Is(items[1].Err, embeddings.ErrRejected) {
		t.Errorf("items[1].Err = %v, want ErrRejected", items[1].Err)
	}
	if items[2].Embedding.Values[0] != 2 {
		t.Errorf("items[2] not matched by index: first value %v", items[2].Embedding.Values[0])
	}
}

func TestExtractBatch_Empty(t *testing.T) {
	p, _ := speechbrain.New("http://127.0.0.1:1")
	items, err := p.ExtractBatch(context.Background(), nil)
	if err != nil || items != nil {
		t.Errorf("ExtractBatch(nil) = %v, %v; want nil, nil", items, err)
	}
}

func TestPing(t *testing.T) {
	srv := newServer(t)
	p, _ := speechbrain.New(srv.URL)
	if err := p.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}

	initializing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "initializing", "model_loaded": false})
	}))
	defer initializing.Close()
	p2, _ := speechbrain.New(initializing.URL)
	if err := p2.Ping(context.Background()); err == nil {
		t.Error("Ping must fail while the model is loading")
	}
}
