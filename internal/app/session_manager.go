package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/vigil/internal/config"
	"github.com/MrWong99/vigil/internal/listen"
	"github.com/MrWong99/vigil/internal/observe"
	"github.com/MrWong99/vigil/internal/vad"
	"github.com/MrWong99/vigil/pkg/audio"
	"github.com/MrWong99/vigil/pkg/profile"
)

var (
	// ErrNoSession is returned when the user has no live session.
	ErrNoSession = errors.New("app: no active session")

	// ErrManagerClosed is returned by Open after Shutdown.
	ErrManagerClosed = errors.New("app: session manager shut down")

	// ErrInvalidSettings wraps settings that fail validation.
	ErrInvalidSettings = errors.New("app: invalid settings")
)

// SettingsStore persists per-user listening settings. Implemented by
// [profile.Store].
type SettingsStore interface {
	GetSettings(ctx context.Context, userID string) (profile.Settings, error)
	SaveSettings(ctx context.Context, s profile.Settings) (profile.Settings, error)
}

// ManagerConfig holds all dependencies for a [Manager].
type ManagerConfig struct {
	Recognizer listen.Recognizer
	Extractor  listen.Extractor
	Detectors  listen.DetectorFactory
	Settings   SettingsStore

	// Listening supplies defaults for users without saved settings and the
	// detector tuning of new sessions.
	Listening config.ListeningConfig

	// SpoolDir receives retained utterance audio.
	SpoolDir string

	// Handler, when set, receives confirmed owner utterances.
	Handler listen.UtteranceHandler

	Metrics *observe.Metrics
}

// Manager owns the live listening sessions, at most one per user. A new
// connection for a user stops and drains the previous session before its
// own session starts. All exported methods are safe for concurrent use.
type Manager struct {
	rec      listen.Recognizer
	ext      listen.Extractor
	dets     listen.DetectorFactory
	store    SettingsStore
	spoolDir string
	handler  listen.UtteranceHandler
	metrics  *observe.Metrics

	listening atomic.Pointer[config.ListeningConfig]

	mu       sync.Mutex
	sessions map[string]*listen.Session
	locks    map[string]*userLock
	closed   bool
}

// userLock serialises Open, Stop and UpdateConfig for one user.
type userLock struct {
	mu   sync.Mutex
	refs int
}

// NewManager creates a Manager with the given dependencies.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Recognizer == nil || cfg.Extractor == nil || cfg.Detectors == nil || cfg.Settings == nil {
		return nil, errors.New("app: manager requires recognizer, extractor, detector factory and settings store")
	}
	m := &Manager{
		rec:      cfg.Recognizer,
		ext:      cfg.Extractor,
		dets:     cfg.Detectors,
		store:    cfg.Settings,
		spoolDir: cfg.SpoolDir,
		handler:  cfg.Handler,
		metrics:  cfg.Metrics,
		sessions: make(map[string]*listen.Session),
		locks:    make(map[string]*userLock),
	}
	l := cfg.Listening
	m.listening.Store(&l)
	return m, nil
}

// SetListening replaces the listening defaults. Running sessions keep their
// configuration; new sessions and users without saved settings pick up l.
func (m *Manager) SetListening(l config.ListeningConfig) {
	m.listening.Store(&l)
}

// Open starts a listening session for userID, replacing any session the user
// already has. The session stops when ctx is cancelled.
func (m *Manager) Open(ctx context.Context, userID string) (*listen.Session, error) {
	if userID == "" {
		return nil, errors.New("app: user id is required")
	}
	unlock := m.lockUser(userID)
	defer unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	old := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()

	if old != nil {
		slog.Info("session manager: replacing session", "user_id", userID, "session_id", old.ID())
		old.Stop()
	}

	settings, err := m.settings(ctx, userID)
	if err != nil {
		return nil, err
	}

	l := m.listening.Load()
	opts := []listen.Option{listen.WithMetrics(m.metrics)}
	if m.handler != nil {
		opts = append(opts, listen.WithHandler(m.handler))
	}
	sess, err := listen.New(listen.Config{
		UserID:       userID,
		Settings:     settings,
		Detector:     detectorConfig(*l),
		MaxUtterance: l.MaxUtterance,
		MaxFailures:  l.MaxFailures,
		SpoolDir:     m.spoolDir,
		QueueSize:    l.QueueSize,
	}, m.rec, m.ext, m.dets, opts...)
	if err != nil {
		return nil, fmt.Errorf("app: open session: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		sess.Stop()
		return nil, ErrManagerClosed
	}
	m.sessions[userID] = sess
	m.mu.Unlock()

	if err := sess.Start(ctx); err != nil {
		m.forget(userID, sess)
		sess.Stop()
		return nil, fmt.Errorf("app: start session: %w", err)
	}
	return sess, nil
}

// Route pushes a chunk to the user's live session.
func (m *Manager) Route(ctx context.Context, userID string, ch audio.Chunk) error {
	sess := m.Session(userID)
	if sess == nil {
		return ErrNoSession
	}
	return sess.Push(ctx, ch)
}

// Resume asks the user's session to leave the degraded state.
func (m *Manager) Resume(ctx context.Context, userID string) error {
	sess := m.Session(userID)
	if sess == nil {
		return ErrNoSession
	}
	return sess.Resume(ctx)
}

// Session returns the user's live session or nil.
func (m *Manager) Session(userID string) *listen.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[userID]
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Stop stops and removes the user's session.
func (m *Manager) Stop(userID string) error {
	unlock := m.lockUser(userID)
	defer unlock()

	m.mu.Lock()
	sess := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()

	if sess == nil {
		return ErrNoSession
	}
	sess.Stop()
	return nil
}

// Release stops sess and removes it if it is still the user's current
// session. A connection calls Release when it closes so that it never tears
// down a session opened by a newer connection.
func (m *Manager) Release(sess *listen.Session) {
	m.forget(sess.UserID(), sess)
	sess.Stop()
}

// UpdateConfig applies patch to the user's settings, persists the result and
// hands it to the live session, if any. Invalid settings are rejected with
// [ErrInvalidSettings] and nothing is stored.
func (m *Manager) UpdateConfig(ctx context.Context, userID string, patch listen.SettingsPatch) (profile.Settings, error) {
	unlock := m.lockUser(userID)
	defer unlock()

	current, err := m.settings(ctx, userID)
	if err != nil {
		return profile.Settings{}, err
	}
	next := patch.Apply(current)
	if err := listen.ValidateSettings(detectorConfig(*m.listening.Load()), next); err != nil {
		return profile.Settings{}, fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}

	saved, err := m.store.SaveSettings(ctx, next)
	if err != nil {
		return profile.Settings{}, fmt.Errorf("app: save settings: %w", err)
	}

	if sess := m.Session(userID); sess != nil {
		if err := sess.UpdateConfig(saved); err != nil && !errors.Is(err, listen.ErrStopped) {
			return saved, fmt.Errorf("app: apply settings: %w", err)
		}
	}
	slog.Info("session manager: settings updated", "user_id", userID,
		"sensitivity", saved.Sensitivity, "silence_ms", saved.SilenceMs, "min_confidence", saved.MinConfidence)
	return saved, nil
}

// Shutdown stops every session and refuses new ones. It returns the context
// error if ctx expires before all sessions have drained.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*listen.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	clear(m.sessions)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Go(s.Stop)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("session manager: all sessions stopped", "count", len(sessions))
		return nil
	case <-ctx.Done():
		slog.Warn("session manager: shutdown deadline exceeded", "sessions", len(sessions))
		return ctx.Err()
	}
}

// settings returns the stored settings of userID or the listening defaults.
func (m *Manager) settings(ctx context.Context, userID string) (profile.Settings, error) {
	st, err := m.store.GetSettings(ctx, userID)
	switch {
	case err == nil:
		return st, nil
	case errors.Is(err, profile.ErrNotFound):
		return defaultSettings(userID, *m.listening.Load()), nil
	default:
		return profile.Settings{}, fmt.Errorf("app: load settings: %w", err)
	}
}

func (m *Manager) forget(userID string, sess *listen.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[userID] == sess {
		delete(m.sessions, userID)
	}
}

// lockUser acquires the per-user lock and returns its release function.
// Lock entries are reference counted and dropped when unused.
func (m *Manager) lockUser(userID string) func() {
	m.mu.Lock()
	l, ok := m.locks[userID]
	if !ok {
		l = &userLock{}
		m.locks[userID] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, userID)
		}
		m.mu.Unlock()
	}
}

// defaultSettings derives a user's settings from the listening defaults.
func defaultSettings(userID string, l config.ListeningConfig) profile.Settings {
	return profile.Settings{
		UserID:        userID,
		Sensitivity:   l.Sensitivity,
		SilenceMs:     l.SilenceMs,
		MinConfidence: l.MinConfidence,
		SampleRate:    l.SampleRate,
		AutoDelete:    !l.RetainAudio,
	}
}

// detectorConfig converts the listening section into base detector tuning.
func detectorConfig(l config.ListeningConfig) vad.Config {
	return vad.Config{
		Format:          audio.Format{SampleRate: l.SampleRate, FrameMs: l.FrameMs},
		Sensitivity:     l.Sensitivity,
		SilenceDuration: msDuration(l.SilenceMs),
		EnergyFloor:     l.EnergyFloor,
		BaseThreshold:   l.BaseThreshold,
		MinSpeechFrames: l.MinSpeechFrames,
		ModelTimeout:    l.ModelTimeout,
	}
}
