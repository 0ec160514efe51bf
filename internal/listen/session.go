// Package listen runs one continuous-listening session per connected user.
//
// A [Session] receives PCM16 chunks in arrival order, re-frames them for the
// voice activity detector, accumulates utterances, and classifies each
// finished utterance against the user's voice profile. Confirmed utterances
// are handed to an ordered [UtteranceHandler]. Everything the session wants
// the client to see is published on the [Session.Events] channel.
//
// Lifecycle:
//
//	Idle → Listening → SpeechAccumulating → Classifying
//	     → SpeakerConfirmed | SpeakerRejected → Listening
//
// Three consecutive inference failures move the session to Degraded, where
// audio is ignored until [Session.Resume]. [Session.Stop] ends the session
// from any state.
package listen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/vigil/internal/embedding"
	"github.com/MrWong99/vigil/internal/observe"
	"github.com/MrWong99/vigil/internal/recognition"
	"github.com/MrWong99/vigil/internal/vad"
	"github.com/MrWong99/vigil/pkg/audio"
	"github.com/MrWong99/vigil/pkg/profile"
)

// ErrStopped is returned by [Session.Push] and friends once the session has
// been stopped.
var ErrStopped = errors.New("listen: session stopped")

// stopEmitTimeout bounds how long Stop waits for the consumer to take the
// final session_stopped event.
const stopEmitTimeout = 2 * time.Second

// Recognizer resolves the user's reference and records classified
// utterances. Implemented by [recognition.Learner].
type Recognizer interface {
	Reference(ctx context.Context, userID string) (embedding.Reference, error)
	Classify(ctx context.Context, emb embedding.Vector, ref embedding.Reference) (recognition.Classification, error)
	Observe(ctx context.Context, userID string, emb embedding.Vector, cls recognition.Classification, audioPath string) (*profile.Sample, error)
}

// Extractor embeds an utterance and compares it with a reference. Implemented
// by [embedding.Engine].
type Extractor interface {
	ExtractAndCompare(ctx context.Context, clip embedding.Clip, ref embedding.Vector) (embedding.Comparison, error)
}

// DetectorFactory builds the per-session voice activity detector.
type DetectorFactory func(cfg vad.Config) (vad.Detector, error)

// Utterance is a confirmed owner utterance handed to an [UtteranceHandler].
type Utterance struct {
	SessionID  string
	UserID     string
	PCM        []byte
	SampleRate int
	StartFrame int
	EndFrame   int
	Duration   time.Duration
	AudioPath  string
	SampleID   string
	Result     recognition.Classification
}

// UtteranceHandler consumes confirmed utterances in the order they were
// spoken. Returned events are published on the session's event channel.
type UtteranceHandler interface {
	HandleUtterance(ctx context.Context, u Utterance) ([]Event, error)
}

// HandlerFunc adapts a function to [UtteranceHandler].
type HandlerFunc func(ctx context.Context, u Utterance) ([]Event, error)

// HandleUtterance implements [UtteranceHandler].
func (f HandlerFunc) HandleUtterance(ctx context.Context, u Utterance) ([]Event, error) {
	return f(ctx, u)
}

// Config holds everything a session needs besides its collaborators.
type Config struct {
	UserID string

	// Settings are the user's listening preferences.
	Settings profile.Settings

	// Detector is the base detector tuning. Its sample rate, sensitivity and
	// silence duration are overridden by Settings.
	Detector vad.Config

	// MaxUtterance force-ends utterances that run longer. Zero means 30 s.
	MaxUtterance time.Duration

	// MaxFailures is the number of consecutive inference failures that
	// degrade the session. Zero means 3.
	MaxFailures int

	// SpoolDir receives retained utterance WAVs when Settings.AutoDelete is
	// off. Empty means the OS temp dir.
	SpoolDir string

	// QueueSize is the inbound chunk buffer. Zero means 64.
	QueueSize int

	// EventBuffer is the outbound event buffer. Zero means 64.
	EventBuffer int
}

func (c *Config) defaults() {
	if c.MaxUtterance <= 0 {
		c.MaxUtterance = 30 * time.Second
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
	if c.SpoolDir == "" {
		c.SpoolDir = os.TempDir()
	}
	if c.Detector.Format.FrameMs == 0 {
		c.Detector = vad.DefaultConfig()
	}
}

// DetectorConfig merges the user's settings into the base tuning.
func DetectorConfig(base vad.Config, s profile.Settings) vad.Config {
	cfg := base
	if s.SampleRate > 0 {
		cfg.Format.SampleRate = s.SampleRate
	}
	cfg.Sensitivity = s.Sensitivity
	if s.SilenceMs > 0 {
		cfg.SilenceDuration = time.Duration(s.SilenceMs) * time.Millisecond
	}
	return cfg
}

// ValidateSettings reports whether s yields a usable detector configuration.
func ValidateSettings(base vad.Config, s profile.Settings) error {
	if s.MinConfidence < 0 || s.MinConfidence > 1 {
		return fmt.Errorf("listen: min confidence %v out of range [0, 1]", s.MinConfidence)
	}
	return DetectorConfig(base, s).Validate()
}

// Option configures a [Session].
type Option func(*Session)

// WithHandler sets the consumer of confirmed utterances.
func WithHandler(h UtteranceHandler) Option {
	return func(s *Session) { s.handler = h }
}

// WithMetrics records session gauges and error counters on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

type input struct {
	chunk     audio.Chunk
	resume    bool
	configure bool
}

// Session is one user's listening session. All exported methods are safe for
// concurrent use; chunk processing happens on a single goroutine.
type Session struct {
	id      string
	cfg     Config
	rec     Recognizer
	ext     Extractor
	handler UtteranceHandler
	metrics *observe.Metrics

	in       chan input
	events   chan Event
	handoff  chan Utterance
	pending  atomic.Pointer[profile.Settings]
	state    atomic.Int32
	done     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once

	// Owned by the run goroutine.
	settings   profile.Settings
	det        vad.Detector
	conv       *audio.Converter
	framer     *audio.Framer
	format     audio.Format
	preroll    [][]byte
	buf        []byte
	trailing   int
	failures   int
	utterances int
}

// New creates an idle session. Call [Session.Start] to begin listening.
func New(cfg Config, rec Recognizer, ext Extractor, newDet DetectorFactory, opts ...Option) (*Session, error) {
	if cfg.UserID == "" {
		return nil, errors.New("listen: user id is required")
	}
	if rec == nil || ext == nil || newDet == nil {
		return nil, errors.New("listen: recognizer, extractor and detector factory are required")
	}
	cfg.defaults()
	if err := ValidateSettings(cfg.Detector, cfg.Settings); err != nil {
		return nil, err
	}

	detCfg := DetectorConfig(cfg.Detector, cfg.Settings)
	det, err := newDet(detCfg)
	if err != nil {
		return nil, fmt.Errorf("listen: create detector: %w", err)
	}

	s := &Session{
		id:       uuid.NewString(),
		cfg:      cfg,
		rec:      rec,
		ext:      ext,
		in:       make(chan input, cfg.QueueSize),
		events:   make(chan Event, cfg.EventBuffer),
		handoff:  make(chan Utterance, cfg.QueueSize),
		done:     make(chan struct{}),
		settings: cfg.Settings,
		det:      det,
		format:   detCfg.Format,
		conv:     &audio.Converter{TargetRate: detCfg.Format.SampleRate},
		framer:   audio.NewFramer(detCfg.Format.FrameBytes()),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// UserID returns the owning user.
func (s *Session) UserID() string { return s.cfg.UserID }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Events returns the outbound event channel. It is closed after the
// session_stopped event.
func (s *Session) Events() <-chan Event { return s.events }

// Start moves the session to Listening and launches its goroutines. The
// session runs until ctx is cancelled or Stop is called.
func (s *Session) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		return errors.New("listen: session already started")
	}
	select {
	case <-s.done:
		return ErrStopped
	default:
	}
	s.started = true

	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	enrolled := true
	if _, err := s.rec.Reference(ctx, s.cfg.UserID); err != nil {
		enrolled = false
		if !errors.Is(err, recognition.ErrProfileNotFound) {
			slog.Warn("listen: load reference failed", "user_id", s.cfg.UserID, "err", err)
		}
	}

	s.setState(StateListening)
	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(ctx, 1)
	}
	s.emit(EventSessionStarted, SessionInfo{
		SessionID:  s.id,
		UserID:     s.cfg.UserID,
		SampleRate: s.format.SampleRate,
		FrameMs:    s.format.FrameMs,
		Enrolled:   enrolled,
	})

	s.wg.Go(s.run)
	// run closes handoff on exit, which ends the worker.
	s.wg.Go(s.work)

	// Parent cancellation stops the session like an explicit Stop.
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.done:
		}
	}()

	slog.Info("listen: session started", "user_id", s.cfg.UserID, "session_id", s.id, "enrolled", enrolled)
	return nil
}

// Push enqueues a chunk for processing. It blocks while the inbound buffer
// is full and returns [ErrStopped] once the session has stopped.
func (s *Session) Push(ctx context.Context, ch audio.Chunk) error {
	return s.enqueue(ctx, input{chunk: ch})
}

// Resume leaves the Degraded state. It is applied in order with pushed
// chunks and is a no-op in any other state.
func (s *Session) Resume(ctx context.Context) error {
	return s.enqueue(ctx, input{resume: true})
}

func (s *Session) enqueue(ctx context.Context, in input) error {
	select {
	case <-s.done:
		return ErrStopped
	default:
	}
	select {
	case s.in <- in:
		return nil
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdateConfig validates st and schedules it. It is applied in order with
// pushed chunks; when the inbound buffer is full it is applied before the
// next chunk instead.
func (s *Session) UpdateConfig(st profile.Settings) error {
	select {
	case <-s.done:
		return ErrStopped
	default:
	}
	if err := ValidateSettings(s.cfg.Detector, st); err != nil {
		return err
	}
	s.pending.Store(&st)
	select {
	case s.in <- input{configure: true}:
	default:
	}
	return nil
}

// Stop ends the session: in-flight inference is cancelled, buffered audio
// dropped, session_stopped emitted and the event channel closed. Stop blocks
// until every session goroutine has exited and is safe to call repeatedly.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)

		s.startMu.Lock()
		started := s.started
		s.startMu.Unlock()

		if !started {
			s.setState(StateStopped)
			_ = s.det.Close()
			close(s.events)
			return
		}

		s.cancel()
		s.wg.Wait()
		s.setState(StateStopped)

		ev := Event{
			Type:      EventSessionStopped,
			Timestamp: time.Now(),
			Data:      StoppedInfo{SessionID: s.id, Utterances: s.utterances},
		}
		select {
		case s.events <- ev:
		case <-time.After(stopEmitTimeout):
			slog.Warn("listen: session_stopped not delivered", "user_id", s.cfg.UserID, "session_id", s.id)
		}
		close(s.events)

		if s.metrics != nil {
			s.metrics.ActiveSessions.Add(context.Background(), -1)
		}
		slog.Info("listen: session stopped", "user_id", s.cfg.UserID, "session_id", s.id, "utterances", s.utterances)
	})
}

// run is the single chunk-processing goroutine.
func (s *Session) run() {
	defer close(s.handoff)
	defer func() {
		if err := s.det.Close(); err != nil {
			slog.Warn("listen: close detector", "user_id", s.cfg.UserID, "err", err)
		}
		s.preroll = nil
		s.buf = nil
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		case in := <-s.in:
			switch {
			case in.resume:
				s.resume()
			case in.configure:
				s.applyPending()
			default:
				s.handleChunk(s.ctx, in.chunk)
			}
		}
	}
}

func (s *Session) resume() {
	if s.State() != StateDegraded {
		return
	}
	s.failures = 0
	s.det.Reset()
	s.framer.Reset()
	s.setState(StateListening)
	s.emit(EventSessionResumed, nil)
	slog.Info("listen: session resumed", "user_id", s.cfg.UserID, "session_id", s.id)
}

func (s *Session) handleChunk(ctx context.Context, ch audio.Chunk) {
	s.applyPending()
	if s.State() == StateDegraded {
		return
	}

	pcm, err := s.conv.Convert(ch)
	if err != nil {
		slog.Warn("listen: dropping chunk", "user_id", s.cfg.UserID, "bytes", len(ch.Data), "err", err)
		return
	}
	for _, frame := range s.framer.Push(pcm) {
		if ctx.Err() != nil {
			return
		}
		s.handleFrame(ctx, frame)
		if s.State() == StateDegraded {
			s.framer.Reset()
			return
		}
	}
}

func (s *Session) applyPending() {
	st := s.pending.Swap(nil)
	if st == nil {
		return
	}
	cfg := DetectorConfig(s.cfg.Detector, *st)
	if cfg.Format.SampleRate != s.format.SampleRate {
		// Buffered audio is at the old rate and cannot be joined with new
		// frames.
		s.det.Reset()
		s.framer.Reset()
		s.framer.Resize(cfg.Format.FrameBytes())
		s.conv = &audio.Converter{TargetRate: cfg.Format.SampleRate}
		s.discardUtterance()
		if s.State() == StateSpeechAccumulating {
			s.setState(StateListening)
		}
	}
	s.det.UpdateConfig(cfg)
	s.format = cfg.Format
	s.settings = *st

	info := Info(*st)
	info.SampleRate = cfg.Format.SampleRate
	s.emit(EventConfigUpdated, info)
	slog.Debug("listen: config applied", "user_id", s.cfg.UserID, "sensitivity", st.Sensitivity, "silence_ms", st.SilenceMs)
}

func (s *Session) handleFrame(ctx context.Context, frame []byte) {
	res, err := s.det.Analyze(ctx, frame)
	if err != nil {
		slog.Warn("listen: frame rejected", "user_id", s.cfg.UserID, "err", err)
		return
	}

	switch s.State() {
	case StateListening:
		if s.det.IsSpeaking() {
			s.buf = s.buf[:0]
			for _, f := range s.preroll {
				s.buf = append(s.buf, f...)
			}
			s.buf = append(s.buf, frame...)
			s.preroll = s.preroll[:0]
			s.trailing = 0
			s.setState(StateSpeechAccumulating)
			s.emit(EventVADStatus, s.vadStatus(res, true, false))
			return
		}
		if res.IsSpeech {
			s.preroll = append(s.preroll, frame)
		} else {
			s.preroll = s.preroll[:0]
		}

	case StateSpeechAccumulating:
		s.buf = append(s.buf, frame...)
		if res.IsSpeech {
			s.trailing = 0
		} else {
			s.trailing++
		}
		forced := false
		if !s.det.HasSpeechEnded() && s.format.Duration(len(s.buf)) >= s.cfg.MaxUtterance {
			s.det.ForceEnd()
			forced = true
		}
		if s.det.HasSpeechEnded() {
			s.emit(EventVADStatus, s.vadStatus(res, false, forced))
			s.finishUtterance(ctx)
		}
	}
}

func (s *Session) vadStatus(res vad.Result, speaking, forced bool) VADStatus {
	return VADStatus{
		Speaking:    speaking,
		Frame:       s.det.Frames() - 1,
		StartFrame:  s.det.SpeechStartFrame(),
		EnergyLevel: res.EnergyLevel,
		VADScore:    res.VADScore,
		Confidence:  res.Confidence,
		Forced:      forced,
	}
}

func (s *Session) discardUtterance() {
	s.preroll = s.preroll[:0]
	s.buf = s.buf[:0]
	s.trailing = 0
}

// finishUtterance trims trailing silence from the buffer, classifies it and
// returns the session to Listening.
func (s *Session) finishUtterance(ctx context.Context) {
	fb := s.format.FrameBytes()
	n := len(s.buf) - s.trailing*fb
	if n <= 0 {
		n = len(s.buf)
	}
	pcm := make([]byte, n)
	copy(pcm, s.buf[:n])
	start := s.det.SpeechStartFrame()
	utt := Utterance{
		SessionID:  s.id,
		UserID:     s.cfg.UserID,
		PCM:        pcm,
		SampleRate: s.format.SampleRate,
		StartFrame: start,
		EndFrame:   start + n/fb - 1,
		Duration:   s.format.Duration(n),
	}
	s.discardUtterance()
	s.utterances++

	s.setState(StateClassifying)
	s.classify(ctx, utt)
	if st := s.State(); st != StateDegraded && ctx.Err() == nil {
		s.setState(StateListening)
	}
}

func (s *Session) classify(ctx context.Context, utt Utterance) {
	ctx, span := observe.StartSessionSpan(ctx, "listen.classify", s.cfg.UserID, s.id)
	defer span.End()
	span.SetAttributes(attribute.Int64("vigil.utterance.duration_ms", utt.Duration.Milliseconds()))

	ref, err := s.rec.Reference(ctx, s.cfg.UserID)
	switch {
	case ctx.Err() != nil:
		return
	case errors.Is(err, recognition.ErrProfileNotFound):
		s.emitError(ctx, CodeProfileNotFound, "no enrolled voice profile")
		return
	case err != nil:
		s.emitError(ctx, CodeReferenceUnavailable, err.Error())
		return
	}

	clip := embedding.Clip{PCM: utt.PCM, SampleRate: utt.SampleRate}
	if !s.settings.AutoDelete {
		path, err := audio.Spool(s.cfg.SpoolDir, utt.PCM, utt.SampleRate)
		if err != nil {
			s.emitError(ctx, CodeSpoolFailed, err.Error())
			return
		}
		clip = embedding.Clip{Path: path}
		utt.AudioPath = path
	}
	keepFile := false
	defer func() {
		if utt.AudioPath != "" && !keepFile {
			if err := os.Remove(utt.AudioPath); err != nil {
				slog.Warn("listen: remove spooled utterance", "path", utt.AudioPath, "err", err)
			}
		}
	}()

	cmp, err := s.ext.ExtractAndCompare(ctx, clip, ref.Centroid)
	if err != nil {
		s.inferenceFailed(ctx, err)
		return
	}
	s.failures = 0

	cls, err := s.rec.Classify(ctx, cmp.Embedding, ref)
	if err != nil {
		s.emitError(ctx, CodeDataIntegrity, err.Error())
		return
	}
	utt.Result = cls
	span.SetAttributes(
		observe.AttrProfileID.String(ref.ProfileID),
		observe.AttrIsOwner.Bool(cls.IsOwner),
		observe.AttrSimilarity.Float64(cls.Similarity),
	)

	smp, err := s.rec.Observe(ctx, s.cfg.UserID, cmp.Embedding, cls, utt.AudioPath)
	switch {
	case err != nil:
		slog.Warn("listen: record sample failed", "user_id", s.cfg.UserID, "err", err)
	case smp != nil:
		utt.SampleID = smp.ID
		keepFile = true
	}

	if cls.IsOwner {
		s.setState(StateSpeakerConfirmed)
	} else {
		s.setState(StateSpeakerRejected)
	}
	s.emit(EventSpeakerStatus, SpeakerStatus{
		IsOwner:    cls.IsOwner,
		Similarity: cls.Similarity,
		Confidence: cls.Confidence,
		Threshold:  cls.Threshold,
		SampleID:   utt.SampleID,
		DurationMs: utt.Duration.Milliseconds(),
	})
	slog.Debug("listen: utterance classified",
		"user_id", s.cfg.UserID,
		"owner", cls.IsOwner,
		"similarity", cls.Similarity,
		"duration", utt.Duration,
	)

	if cls.IsOwner && s.handler != nil {
		select {
		case s.handoff <- utt:
		case <-ctx.Done():
		}
	}
}

func (s *Session) inferenceFailed(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	if errors.Is(err, embedding.ErrDimensionMismatch) || errors.Is(err, embedding.ErrModelMismatch) {
		s.emitError(ctx, CodeDataIntegrity, err.Error())
		return
	}
	if errors.Is(err, embedding.ErrSpoolFailed) || errors.Is(err, embedding.ErrEmptyInput) {
		s.emitError(ctx, CodeSpoolFailed, err.Error())
		return
	}

	code := embedding.KindUnavailable.String()
	var ie *embedding.InferenceError
	if errors.As(err, &ie) {
		code = ie.Kind.String()
	}
	s.failures++
	s.emitError(ctx, code, err.Error())
	slog.Warn("listen: inference failed", "user_id", s.cfg.UserID, "failures", s.failures, "err", err)

	if s.failures >= s.cfg.MaxFailures {
		s.setState(StateDegraded)
		s.det.Reset()
		s.discardUtterance()
		s.emitError(ctx, CodeSessionDegraded,
			fmt.Sprintf("%d consecutive inference failures; send resume to continue", s.failures))
		slog.Error("listen: session degraded", "user_id", s.cfg.UserID, "session_id", s.id)
	}
}

// work delivers confirmed utterances to the handler in order.
func (s *Session) work() {
	for utt := range s.handoff {
		if s.ctx.Err() != nil {
			continue
		}
		evs, err := s.handler.HandleUtterance(s.ctx, utt)
		if err != nil {
			if s.ctx.Err() == nil {
				s.emitError(s.ctx, CodeHandlerFailed, err.Error())
			}
			continue
		}
		for _, ev := range evs {
			if ev.Timestamp.IsZero() {
				ev.Timestamp = time.Now()
			}
			s.send(ev)
		}
	}
}

func (s *Session) emitError(ctx context.Context, code, msg string) {
	if s.metrics != nil {
		s.metrics.RecordSessionError(ctx, code)
	}
	s.emit(EventError, ErrorInfo{Code: code, Message: msg})
}

func (s *Session) emit(t EventType, data any) {
	s.send(Event{Type: t, Timestamp: time.Now(), Data: data})
}

// send blocks until the consumer takes ev or the session is cancelled.
func (s *Session) send(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}
