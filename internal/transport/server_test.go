package transport_test

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/vigil/internal/embedding"
	"github.com/MrWong99/vigil/internal/listen"
	"github.com/MrWong99/vigil/internal/recognition"
	"github.com/MrWong99/vigil/internal/transport"
	"github.com/MrWong99/vigil/internal/vad"
	"github.com/MrWong99/vigil/pkg/profile"
)

// ── Fakes ─────────────────────────────────────────────────────────────────────

// unenrolled has no profile, so every utterance ends in profile_not_found.
type unenrolled struct{}

func (unenrolled) Reference(context.Context, string) (embedding.Reference, error) {
	return embedding.Reference{}, recognition.ErrProfileNotFound
}

func (unenrolled) Classify(context.Context, embedding.Vector, embedding.Reference) (recognition.Classification, error) {
	return recognition.Classification{}, errors.New("unexpected classify")
}

func (unenrolled) Observe(context.Context, string, embedding.Vector, recognition.Classification, string) (*profile.Sample, error) {
	return nil, nil
}

type noExtractor struct{}

func (noExtractor) ExtractAndCompare(context.Context, embedding.Clip, embedding.Vector) (embedding.Comparison, error) {
	return embedding.Comparison{}, errors.New("unexpected extract")
}

type fakeSessions struct {
	mu       sync.Mutex
	openErr  error
	settings profile.Settings
	released []string
	patches  []listen.SettingsPatch
	sessions map[string]*listen.Session
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		settings: profile.Settings{Sensitivity: 0.5, SilenceMs: 1500, MinConfidence: 0.7, SampleRate: 16000, AutoDelete: true},
		sessions: make(map[string]*listen.Session),
	}
}

func (f *fakeSessions) Open(ctx context.Context, userID string) (*listen.Session, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	st := f.settings
	st.UserID = userID
	s, err := listen.New(listen.Config{UserID: userID, Settings: st}, unenrolled{}, noExtractor{},
		func(c vad.Config) (vad.Detector, error) { return vad.NewDetector(c, nil) })
	if err != nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.sessions[userID] = s
	f.mu.Unlock()
	return s, nil
}

func (f *fakeSessions) Release(s *listen.Session) {
	s.Stop()
	f.mu.Lock()
	f.released = append(f.released, s.UserID())
	f.mu.Unlock()
}

func (f *fakeSessions) UpdateConfig(_ context.Context, userID string, p listen.SettingsPatch) (profile.Settings, error) {
	f.mu.Lock()
	f.patches = append(f.patches, p)
	s := f.sessions[userID]
	f.mu.Unlock()

	st := p.Apply(f.settings)
	if st.Sensitivity > 1 {
		return profile.Settings{}, errors.New("sensitivity out of range")
	}
	return st, s.UpdateConfig(st)
}

func (f *fakeSessions) releasedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.released)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

type envelope struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

func startServer(t *testing.T, sessions transport.Sessions, opts ...transport.Option) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	transport.New(sessions, opts...).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	h := http.Header{}
	h.Set(transport.UserHeader, userID)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/listen", &websocket.DialOptions{HTTPHeader: h})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return env
}

// readUntil reads envelopes until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) envelope {
	t.Helper()
	for range 50 {
		if env := readEnvelope(t, conn); env.Type == typ {
			return env
		}
	}
	t.Fatalf("no %s envelope received", typ)
	return envelope{}
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func errorCode(t *testing.T, env envelope) string {
	t.Helper()
	var info listen.ErrorInfo
	if err := json.Unmarshal(env.Data, &info); err != nil {
		t.Fatalf("error payload: %v", err)
	}
	return info.Code
}

// pcm renders 100 ms frames at 16 kHz with the given amplitudes.
func pcm(amps ...float64) []byte {
	var buf []byte
	for _, amp := range amps {
		v := int16(amp * 32767)
		for i := range 1600 {
			s := v
			if i%2 == 1 {
				s = -v
			}
			buf = binary.LittleEndian.AppendUint16(buf, uint16(s))
		}
	}
	return buf
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestServeListen_MissingUser(t *testing.T) {
	t.Parallel()
	srv := startServer(t, newFakeSessions())

	resp, err := http.Get(srv.URL + "/v1/listen")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestServeListen_PingAndStop(t *testing.T) {
	t.Parallel()
	sessions := newFakeSessions()
	srv := startServer(t, sessions)
	conn := dial(t, srv, "alice")

	started := readEnvelope(t, conn)
	if started.Type != string(listen.EventSessionStarted) {
		t.Fatalf("first envelope = %q, want session_started", started.Type)
	}
	var info listen.SessionInfo
	if err := json.Unmarshal(started.Data, &info); err != nil {
		t.Fatalf("session info: %v", err)
	}
	if info.UserID != "alice" || info.Enrolled {
		t.Errorf("session info = %+v", info)
	}
	if started.Timestamp.IsZero() {
		t.Error("envelope timestamp is zero")
	}

	send(t, conn, map[string]string{"type": "ping"})
	if env := readEnvelope(t, conn); env.Type != "pong" {
		t.Errorf("reply to ping = %q, want pong", env.Type)
	}

	send(t, conn, map[string]string{"type": "stop"})
	readUntil(t, conn, string(listen.EventSessionStopped))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("close status = %v, want normal closure", err)
	}
	if n := sessions.releasedCount(); n != 1 {
		t.Errorf("released = %d, want 1", n)
	}
}

func TestServeListen_InvalidMessages(t *testing.T) {
	t.Parallel()
	srv := startServer(t, newFakeSessions())
	conn := dial(t, srv, "bob")
	readUntil(t, conn, string(listen.EventSessionStarted))

	tests := []struct {
		name string
		msg  string
		code string
	}{
		{"not json", "{oops", transport.CodeInvalidMessage},
		{"unknown type", `{"type":"dance"}`, transport.CodeInvalidMessage},
		{"audio not base64", `{"type":"audio_chunk","data":"***"}`, transport.CodeInvalidMessage},
		{"config not object", `{"type":"config_update","data":"loud"}`, listen.CodeInvalidConfig},
	}
	for _, tt := range tests {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := conn.Write(ctx, websocket.MessageText, []byte(tt.msg))
		cancel()
		if err != nil {
			t.Fatalf("%s: write: %v", tt.name, err)
		}
		env := readUntil(t, conn, string(listen.EventError))
		if code := errorCode(t, env); code != tt.code {
			t.Errorf("%s: code = %q, want %q", tt.name, code, tt.code)
		}
	}
}

func TestServeListen_ConfigUpdate(t *testing.T) {
	t.Parallel()
	sessions := newFakeSessions()
	srv := startServer(t, sessions)
	conn := dial(t, srv, "carol")
	readUntil(t, conn, string(listen.EventSessionStarted))

	send(t, conn, map[string]any{"type": "config_update", "data": map[string]any{"sensitivity": 0.8}})
	env := readUntil(t, conn, string(listen.EventConfigUpdated))
	var info listen.ConfigInfo
	if err := json.Unmarshal(env.Data, &info); err != nil {
		t.Fatalf("config info: %v", err)
	}
	if info.Sensitivity != 0.8 || info.SilenceMs != 1500 {
		t.Errorf("config_updated = %+v", info)
	}

	send(t, conn, map[string]any{"type": "config_update", "data": map[string]any{"sensitivity": 3}})
	if code := errorCode(t, readUntil(t, conn, string(listen.EventError))); code != listen.CodeInvalidConfig {
		t.Errorf("code = %q, want %q", code, listen.CodeInvalidConfig)
	}
}

func TestServeListen_AudioProducesEvents(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name string
		send func(t *testing.T, conn *websocket.Conn, data []byte)
	}{
		{
			name: "binary",
			send: func(t *testing.T, conn *websocket.Conn, data []byte) {
				ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer cancel()
				if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
					t.Fatalf("write: %v", err)
				}
			},
		},
		{
			name: "audio_chunk",
			send: func(t *testing.T, conn *websocket.Conn, data []byte) {
				send(t, conn, map[string]any{
					"type":       "audio_chunk",
					"data":       base64.StdEncoding.EncodeToString(data),
					"timestamp":  0,
					"sampleRate": 16000,
				})
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := startServer(t, newFakeSessions())
			conn := dial(t, srv, "dave")
			readUntil(t, conn, string(listen.EventSessionStarted))

			speech := make([]float64, 0, 19)
			for range 3 {
				speech = append(speech, 0.2)
			}
			for range 16 {
				speech = append(speech, 0)
			}
			tc.send(t, conn, pcm(speech...))

			vadEnv := readUntil(t, conn, string(listen.EventVADStatus))
			var st listen.VADStatus
			if err := json.Unmarshal(vadEnv.Data, &st); err != nil {
				t.Fatalf("vad status: %v", err)
			}
			if !st.Speaking {
				t.Errorf("first vad_status speaking = false")
			}
			if code := errorCode(t, readUntil(t, conn, string(listen.EventError))); code != listen.CodeProfileNotFound {
				t.Errorf("code = %q, want %q", code, listen.CodeProfileNotFound)
			}
		})
	}
}

func TestServeListen_OpenFailure(t *testing.T) {
	t.Parallel()
	sessions := newFakeSessions()
	sessions.openErr = errors.New("shutting down")
	srv := startServer(t, sessions)
	conn := dial(t, srv, "erin")

	env := readEnvelope(t, conn)
	if code := errorCode(t, env); code != "session_unavailable" {
		t.Errorf("code = %q, want session_unavailable", code)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusTryAgainLater {
		t.Errorf("close status = %v, want try again later", err)
	}
}

func TestServeListen_ClientDisconnectReleases(t *testing.T) {
	t.Parallel()
	sessions := newFakeSessions()
	srv := startServer(t, sessions)
	conn := dial(t, srv, "frank")
	readUntil(t, conn, string(listen.EventSessionStarted))

	conn.CloseNow()

	deadline := time.Now().Add(5 * time.Second)
	for sessions.releasedCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("session not released after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
