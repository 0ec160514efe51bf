// Package transport exposes listening sessions over WebSocket.
//
// A client connects to GET /v1/listen with its user id in the X-User-ID
// header (set by the upstream auth gateway). Each connection owns one
// listening session; a second connection for the same user replaces the
// first.
//
// Inbound messages are either binary PCM16 mono frames at the session rate
// or JSON text messages:
//
//	{"type":"audio_chunk","data":"<base64 PCM16>","timestamp":1200,"sampleRate":48000}
//	{"type":"config_update","data":{"sensitivity":0.7,"silence_ms":1200}}
//	{"type":"resume"}
//	{"type":"ping"}
//	{"type":"stop"}
//
// Outbound messages are JSON envelopes {type, timestamp, data} carrying the
// session events plus "pong" replies.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/vigil/internal/listen"
	"github.com/MrWong99/vigil/internal/observe"
	"github.com/MrWong99/vigil/pkg/audio"
	"github.com/MrWong99/vigil/pkg/profile"
)

// UserHeader carries the authenticated user id.
const UserHeader = observe.UserHeader

// CodeInvalidMessage is the error code for inbound messages that cannot be
// decoded.
const CodeInvalidMessage = "invalid_message"

const (
	defaultPingInterval = 20 * time.Second
	defaultReadLimit    = 1 << 20
	writeTimeout        = 5 * time.Second
)

// Sessions opens and releases listening sessions. Implemented by
// [app.Manager].
type Sessions interface {
	Open(ctx context.Context, userID string) (*listen.Session, error)
	Release(s *listen.Session)
	UpdateConfig(ctx context.Context, userID string, patch listen.SettingsPatch) (profile.Settings, error)
}

// Server serves the listening WebSocket endpoint.
type Server struct {
	sessions       Sessions
	pingInterval   time.Duration
	readLimit      int64
	originPatterns []string
}

// Option configures a [Server].
type Option func(*Server)

// WithPingInterval sets the keep-alive ping interval. Zero disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) { s.pingInterval = d }
}

// WithReadLimit caps the size of one inbound message in bytes.
func WithReadLimit(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.readLimit = n
		}
	}
}

// WithOriginPatterns allows cross-origin browser connections from hosts
// matching the given patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.originPatterns = patterns }
}

// New creates a Server backed by sessions.
func New(sessions Sessions, opts ...Option) *Server {
	s := &Server{
		sessions:     sessions,
		pingInterval: defaultPingInterval,
		readLimit:    defaultReadLimit,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds the /v1/listen route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/listen", s.ServeListen)
}

// ServeListen upgrades the request and runs one listening session until the
// client stops it, the connection drops or the session ends.
func (s *Server) ServeListen(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(UserHeader)
	if userID == "" {
		http.Error(w, "missing "+UserHeader, http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		slog.Warn("transport: websocket accept failed", "user_id", userID, "err", err)
		return
	}
	defer ws.CloseNow()
	ws.SetReadLimit(s.readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &conn{ws: ws, userID: userID}

	sess, err := s.sessions.Open(ctx, userID)
	if err != nil {
		slog.Error("transport: open session failed", "user_id", userID, "err", err)
		c.write(listen.Event{
			Type:      listen.EventError,
			Timestamp: time.Now(),
			Data:      listen.ErrorInfo{Code: "session_unavailable", Message: err.Error()},
		})
		_ = ws.Close(websocket.StatusTryAgainLater, "session unavailable")
		return
	}
	c.sess = sess

	var wg sync.WaitGroup
	wg.Go(c.forwardEvents)
	if s.pingInterval > 0 {
		wg.Go(func() { c.keepAlive(ctx, s.pingInterval) })
	}

	c.readLoop(ctx, s.sessions)

	cancel()
	s.sessions.Release(sess)
	wg.Wait()
	slog.Debug("transport: connection closed", "user_id", userID, "session_id", sess.ID())
}

// conn is one client connection. Writes may come from several goroutines;
// the websocket connection serialises them.
type conn struct {
	ws     *websocket.Conn
	userID string
	sess   *listen.Session
}

// envelope is the outbound wire format.
type envelope struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// message is the inbound JSON wire format.
type message struct {
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  int64           `json:"timestamp,omitempty"`
	SampleRate int             `json:"sampleRate,omitempty"`
}

// forwardEvents writes session events until the session closes its event
// channel, then closes the connection.
func (c *conn) forwardEvents() {
	for ev := range c.sess.Events() {
		c.write(ev)
	}
	_ = c.ws.Close(websocket.StatusNormalClosure, "session ended")
}

func (c *conn) keepAlive(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, interval)
			err := c.ws.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					slog.Debug("transport: ping failed", "user_id", c.userID, "err", err)
					_ = c.ws.Close(websocket.StatusGoingAway, "ping timeout")
				}
				return
			}
		}
	}
}

// readLoop handles inbound messages until the connection fails or the
// client sends stop.
func (c *conn) readLoop(ctx context.Context, sessions Sessions) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				slog.Debug("transport: read ended", "user_id", c.userID, "err", err)
			}
			return
		}

		if typ == websocket.MessageBinary {
			if err := c.sess.Push(ctx, audio.Chunk{Data: data}); err != nil {
				return
			}
			continue
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.writeError(CodeInvalidMessage, "message is not valid JSON")
			continue
		}
		if stop := c.handle(ctx, sessions, msg); stop {
			return
		}
	}
}

// handle processes one JSON message and reports whether the session should
// end.
func (c *conn) handle(ctx context.Context, sessions Sessions, msg message) bool {
	switch msg.Type {
	case "audio_chunk":
		var pcm []byte
		if err := json.Unmarshal(msg.Data, &pcm); err != nil {
			c.writeError(CodeInvalidMessage, "audio_chunk data must be base64 PCM16")
			return false
		}
		ch := audio.Chunk{
			Data:       pcm,
			SampleRate: msg.SampleRate,
			Timestamp:  time.Duration(msg.Timestamp) * time.Millisecond,
		}
		return c.sess.Push(ctx, ch) != nil

	case "config_update":
		var patch listen.SettingsPatch
		if err := json.Unmarshal(msg.Data, &patch); err != nil {
			c.writeError(listen.CodeInvalidConfig, "config_update data must be a settings object")
			return false
		}
		if _, err := sessions.UpdateConfig(ctx, c.userID, patch); err != nil {
			c.writeError(listen.CodeInvalidConfig, err.Error())
		}
		return false

	case "resume":
		return c.sess.Resume(ctx) != nil

	case "ping":
		c.writeEnvelope(envelope{Type: "pong", Timestamp: time.Now()})
		return false

	case "stop":
		return true

	default:
		c.writeError(CodeInvalidMessage, fmt.Sprintf("unknown message type %q", msg.Type))
		return false
	}
}

func (c *conn) write(ev listen.Event) {
	c.writeEnvelope(envelope{Type: string(ev.Type), Timestamp: ev.Timestamp, Data: ev.Data})
}

func (c *conn) writeError(code, msg string) {
	c.write(listen.Event{
		Type:      listen.EventError,
		Timestamp: time.Now(),
		Data:      listen.ErrorInfo{Code: code, Message: msg},
	})
}

// writeEnvelope marshals env and writes it as a text message. Failures are
// logged; the read loop notices a broken connection on its own.
func (c *conn) writeEnvelope(env envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		slog.Warn("transport: marshal event", "user_id", c.userID, "type", env.Type, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil && !isClosed(err) {
		slog.Debug("transport: write failed", "user_id", c.userID, "type", env.Type, "err", err)
	}
}

func isClosed(err error) bool {
	return websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed)
}
