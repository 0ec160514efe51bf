package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/vigil/internal/api"
	"github.com/MrWong99/vigil/internal/app"
	"github.com/MrWong99/vigil/internal/config"
	"github.com/MrWong99/vigil/internal/listen"
	"github.com/MrWong99/vigil/pkg/profile"
	"github.com/MrWong99/vigil/pkg/provider/embeddings/mock"
	vadmock "github.com/MrWong99/vigil/pkg/provider/vad/mock"
)

// testConfig returns a defaulted config that keeps profiles in memory.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{ListenAddr: "127.0.0.1:0", LogLevel: config.LogInfo},
		Inference: config.InferenceConfig{
			Embeddings: config.ProviderEntry{Name: "mock"},
		},
		Storage: config.StorageConfig{SpoolDir: t.TempDir()},
	}
	cfg.ApplyDefaults()
	return cfg
}

func testProviders(pingErr error) *app.Providers {
	return &app.Providers{
		Embeddings: app.NamedEmbeddings{
			Name:     "mock",
			Provider: &mock.Provider{DimensionsValue: 3, ModelIDValue: "ecapa", PingErr: pingErr},
		},
	}
}

func newTestApp(t *testing.T, cfg *config.Config, providers *app.Providers, opts ...app.Option) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), cfg, providers, opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func get(t *testing.T, url, user string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if user != "" {
		req.Header.Set(api.UserHeader, user)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestNew_RequiresEmbeddings(t *testing.T) {
	t.Parallel()

	if _, err := app.New(context.Background(), testConfig(t), &app.Providers{}); err == nil {
		t.Fatal("expected error without an embeddings provider")
	}
	if _, err := app.New(context.Background(), testConfig(t), nil); err == nil {
		t.Fatal("expected error with nil providers")
	}
}

func TestApp_Routes(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t), testProviders(nil), app.WithStore(profile.NewMemStore()))
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	tests := []struct {
		path string
		user string
		want int
	}{
		{path: "/healthz", want: http.StatusOK},
		{path: "/readyz", want: http.StatusOK},
		{path: "/v1/profile", user: "alice", want: http.StatusNotFound},
		{path: "/v1/profile", want: http.StatusUnauthorized},
		{path: "/v1/profile/snapshots", user: "alice", want: http.StatusNotFound},
		{path: "/v1/listen", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		if got := get(t, srv.URL+tt.path, tt.user); got != tt.want {
			t.Errorf("GET %s (user %q) = %d, want %d", tt.path, tt.user, got, tt.want)
		}
	}
}

func TestApp_ListenThroughMiddleware(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t), testProviders(nil))
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := http.Header{}
	h.Set(api.UserHeader, "alice")
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/listen", &websocket.DialOptions{HTTPHeader: h})
	if err != nil {
		t.Fatalf("dial /v1/listen: %v", err)
	}
	defer conn.CloseNow()

	read := func() string {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		return env.Type
	}

	if typ := read(); typ != string(listen.EventSessionStarted) {
		t.Fatalf("first message = %q, want session_started", typ)
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if typ := read(); typ != "pong" {
		t.Errorf("reply to ping = %q, want pong", typ)
	}
	if a.Manager().Len() != 1 {
		t.Errorf("open sessions = %d, want 1", a.Manager().Len())
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func TestApp_ReadyzFailsWhenBackendDown(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t), testProviders(errors.New("connection refused")))
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	if got := get(t, srv.URL+"/readyz", ""); got != http.StatusServiceUnavailable {
		t.Errorf("/readyz = %d, want 503", got)
	}
	if got := get(t, srv.URL+"/healthz", ""); got != http.StatusOK {
		t.Errorf("/healthz = %d, want 200", got)
	}
}

func TestApp_Reload(t *testing.T) {
	t.Parallel()

	var level slog.LevelVar
	old := testConfig(t)
	a := newTestApp(t, old, testProviders(nil), app.WithLevelVar(&level))

	updated := *old
	updated.Server.LogLevel = config.LogDebug
	updated.Listening.SampleRate = 48000
	updated.Learning.MaxAdaptiveSamples = 50
	a.Reload(old, &updated)

	if level.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", level.Level())
	}
	if got := a.Learner().Config().MaxAdaptiveSamples; got != 50 {
		t.Errorf("MaxAdaptiveSamples = %d, want 50", got)
	}

	s, err := a.Manager().Open(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ev := <-s.Events()
	info, ok := ev.Data.(listen.SessionInfo)
	if !ok || info.SampleRate != 48000 {
		t.Errorf("session_started = %#v, want sample rate 48000", ev.Data)
	}
}

func TestApp_ReloadRejectsInvalidLearning(t *testing.T) {
	t.Parallel()

	old := testConfig(t)
	a := newTestApp(t, old, testProviders(nil))

	updated := *old
	updated.Learning.MinThreshold = 0.99
	updated.Learning.MaxThreshold = 0.1
	a.Reload(old, &updated)

	if got := a.Learner().Config().MaxThreshold; got != old.Learning.MaxThreshold {
		t.Errorf("MaxThreshold = %v, want unchanged %v", got, old.Learning.MaxThreshold)
	}
}

func TestApp_NeuralVADSessions(t *testing.T) {
	t.Parallel()

	eng := &vadmock.Engine{}
	providers := testProviders(nil)
	providers.VAD = eng
	a := newTestApp(t, testConfig(t), providers)

	if _, err := a.Manager().Open(context.Background(), "alice"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(eng.NewSessionCalls) != 1 {
		t.Fatalf("NewSession calls = %d, want 1", len(eng.NewSessionCalls))
	}
	if cfg := eng.NewSessionCalls[0].Cfg; cfg.SampleRate != 16000 || cfg.FrameSizeMs != 100 {
		t.Errorf("model session config = %+v", cfg)
	}
}

func TestApp_NeuralVADSessionFailure(t *testing.T) {
	t.Parallel()

	providers := testProviders(nil)
	providers.VAD = &vadmock.Engine{NewSessionErr: errors.New("model missing")}
	a := newTestApp(t, testConfig(t), providers)

	if _, err := a.Manager().Open(context.Background(), "alice"); err == nil {
		t.Fatal("expected Open to fail when the model session cannot be created")
	}
	if a.Manager().Len() != 0 {
		t.Errorf("Len = %d, want 0", a.Manager().Len())
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	a := newTestApp(t, testConfig(t), testProviders(nil), app.WithListener(ln))

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Run(ctx)
	}()

	url := "http://" + ln.Addr().String() + "/healthz"
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("/healthz = %d", resp.StatusCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not come up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}
