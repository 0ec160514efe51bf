package vad_test

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/vigil/internal/vad"
	"github.com/MrWong99/vigil/pkg/audio"
	"github.com/MrWong99/vigil/pkg/provider/vad/mock"
)

// frame returns one default-sized frame with every sample at amplitude amp
// (normalised), alternating sign so RMS equals amp.
func frame(t *testing.T, amp float64) []byte {
	t.Helper()
	f := vad.DefaultConfig().Format
	buf := make([]byte, f.FrameBytes())
	v := int16(amp * 32767)
	for i := 0; i < f.FrameSamples(); i++ {
		s := v
		if i%2 == 1 {
			s = -v
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func newEnergyDetector(t *testing.T) vad.Detector {
	t.Helper()
	d, err := vad.NewDetector(vad.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	return d
}

func TestEffectiveThreshold(t *testing.T) {
	t.Parallel()
	cfg := vad.DefaultConfig()
	if got := cfg.EffectiveThreshold(); math.Abs(got-0.75) > 1e-9 {
		t.Errorf("EffectiveThreshold = %v, want 0.75", got)
	}
	cfg.Sensitivity = 1
	if got := cfg.EffectiveThreshold(); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("EffectiveThreshold(sens=1) = %v, want 0.5", got)
	}
}

func TestAnalyze_PreFilterSkipsModel(t *testing.T) {
	t.Parallel()
	model := &mock.Session{Default: 0.99}
	d, err := vad.NewDetector(vad.DefaultConfig(), model)
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}

	res, err := d.Analyze(context.Background(), frame(t, 0.005))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.IsSpeech {
		t.Error("IsSpeech = true for frame below energy floor")
	}
	if res.VADScore != 0 {
		t.Errorf("VADScore = %v, want 0", res.VADScore)
	}
	if res.Confidence != 1 {
		t.Errorf("Confidence = %v, want 1", res.Confidence)
	}
	if n := model.Calls(); n != 0 {
		t.Errorf("model consulted %d times, want 0", n)
	}
}

func TestAnalyze_EnergyProxy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		amp        float64
		wantSpeech bool
		wantScore  float64
	}{
		{"loud", 0.2, true, 1},
		{"just above floor", 0.015, false, 0.5},
		{"silence", 0, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newEnergyDetector(t)
			res, err := d.Analyze(context.Background(), frame(t, tt.amp))
			if err != nil {
				t.Fatalf("Analyze: %v", err)
			}
			if res.IsSpeech != tt.wantSpeech {
				t.Errorf("IsSpeech = %v, want %v", res.IsSpeech, tt.wantSpeech)
			}
			if math.Abs(res.VADScore-tt.wantScore) > 0.01 {
				t.Errorf("VADScore = %v, want ~%v", res.VADScore, tt.wantScore)
			}
		})
	}
}

func TestAnalyze_NeuralScore(t *testing.T) {
	t.Parallel()
	model := &mock.Session{Scores: []float64{0.9, 0.3}}
	d, err := vad.NewDetector(vad.DefaultConfig(), model)
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	ctx := context.Background()

	res, _ := d.Analyze(ctx, frame(t, 0.2))
	if !res.IsSpeech || res.VADScore != 0.9 || res.Confidence != 0.9 {
		t.Errorf("first frame = %+v, want speech with score 0.9", res)
	}
	res, _ = d.Analyze(ctx, frame(t, 0.2))
	if res.IsSpeech || res.VADScore != 0.3 || math.Abs(res.Confidence-0.7) > 1e-9 {
		t.Errorf("second frame = %+v, want non-speech with confidence 0.7", res)
	}
}

func TestAnalyze_ModelErrorFallsBackToProxy(t *testing.T) {
	t.Parallel()
	model := &mock.Session{ScoreErr: errors.New("onnx exploded")}
	d, err := vad.NewDetector(vad.DefaultConfig(), model)
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	res, err := d.Analyze(context.Background(), frame(t, 0.2))
	if err != nil {
		t.Fatalf("Analyze must not fail on model error: %v", err)
	}
	if !res.IsSpeech || res.VADScore != 1 {
		t.Errorf("result = %+v, want proxy speech score 1", res)
	}
}

func TestAnalyze_MalformedFrame(t *testing.T) {
	t.Parallel()
	d := newEnergyDetector(t)
	for _, n := range []int{3199, 1600} {
		if _, err := d.Analyze(context.Background(), make([]byte, n)); !errors.Is(err, audio.ErrMalformedFrame) {
			t.Errorf("len %d: err = %v, want ErrMalformedFrame", n, err)
		}
	}
	if d.Frames() != 0 {
		t.Errorf("Frames = %d, malformed frames must not advance state", d.Frames())
	}
}

// TestHysteresis_Scenario feeds 14 silent, 4 speech and 16 silent frames.
// Frame numbers in assertions are 1-based.
func TestHysteresis_Scenario(t *testing.T) {
	t.Parallel()
	d := newEnergyDetector(t)
	ctx := context.Background()

	var script []float64
	for range 14 {
		script = append(script, 0)
	}
	for range 4 {
		script = append(script, 0.2)
	}
	for range 16 {
		script = append(script, 0)
	}

	confirmedAt, endedAt, edges := 0, 0, 0
	for i, amp := range script {
		n := i + 1
		wasSpeaking := d.IsSpeaking()
		if _, err := d.Analyze(ctx, frame(t, amp)); err != nil {
			t.Fatalf("frame %d: %v", n, err)
		}
		if !wasSpeaking && d.IsSpeaking() {
			confirmedAt = n
		}
		if d.HasSpeechEnded() {
			edges++
			endedAt = n
		}
	}

	if confirmedAt != 17 {
		t.Errorf("speech confirmed at frame %d, want 17", confirmedAt)
	}
	if got := d.SpeechStartFrame() + 1; got != 15 {
		t.Errorf("speech start frame = %d, want 15", got)
	}
	if endedAt != 34 {
		t.Errorf("speech ended at frame %d, want 34", endedAt)
	}
	if edges != 1 {
		t.Errorf("HasSpeechEnded true on %d frames, want exactly 1", edges)
	}
}

func TestHysteresis_ShortBurstNotConfirmed(t *testing.T) {
	t.Parallel()
	d := newEnergyDetector(t)
	ctx := context.Background()
	for _, amp := range []float64{0.2, 0.2, 0, 0.2, 0.2, 0} {
		_, _ = d.Analyze(ctx, frame(t, amp))
		if d.IsSpeaking() {
			t.Fatal("two-frame bursts must not confirm speech")
		}
	}
}

func TestHysteresis_SpeechResetsSilenceRun(t *testing.T) {
	t.Parallel()
	d := newEnergyDetector(t)
	ctx := context.Background()
	for range 3 {
		_, _ = d.Analyze(ctx, frame(t, 0.2))
	}
	for range 10 {
		_, _ = d.Analyze(ctx, frame(t, 0))
	}
	_, _ = d.Analyze(ctx, frame(t, 0.2))
	for range 15 {
		_, _ = d.Analyze(ctx, frame(t, 0))
		if d.HasSpeechEnded() {
			t.Fatal("speech ended before a full silence run after resumed speech")
		}
	}
	_, _ = d.Analyze(ctx, frame(t, 0))
	if !d.HasSpeechEnded() {
		t.Error("expected speech end on the 16th silent frame")
	}
}

func TestUpdateConfig_KeepsCounters(t *testing.T) {
	t.Parallel()
	d := newEnergyDetector(t)
	ctx := context.Background()
	for range 3 {
		_, _ = d.Analyze(ctx, frame(t, 0.2))
	}
	cfg := d.Config()
	cfg.SilenceDuration = 500 * time.Millisecond
	d.UpdateConfig(cfg)
	if !d.IsSpeaking() {
		t.Fatal("UpdateConfig must not reset the speaking state")
	}
	for i := range 6 {
		_, _ = d.Analyze(ctx, frame(t, 0))
		if d.HasSpeechEnded() {
			if i+1 != 6 {
				t.Errorf("ended on silent frame %d, want 6", i+1)
			}
			return
		}
	}
	t.Error("speech did not end with the shorter silence duration")
}

func TestReset_ClearsStateAndModel(t *testing.T) {
	t.Parallel()
	model := &mock.Session{Default: 0.9}
	d, err := vad.NewDetector(vad.DefaultConfig(), model)
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	for range 3 {
		_, _ = d.Analyze(context.Background(), frame(t, 0.2))
	}
	d.Reset()
	if d.IsSpeaking() || d.Frames() != 0 || d.SpeechStartFrame() != -1 {
		t.Errorf("state after Reset: speaking=%v frames=%d start=%d", d.IsSpeaking(), d.Frames(), d.SpeechStartFrame())
	}
	if model.ResetCallCount != 1 {
		t.Errorf("model ResetCallCount = %d, want 1", model.ResetCallCount)
	}
	if d.Config().Sensitivity != 0.5 {
		t.Error("Reset must keep configuration")
	}
}

func TestForceEnd(t *testing.T) {
	t.Parallel()
	d := newEnergyDetector(t)
	for range 3 {
		_, _ = d.Analyze(context.Background(), frame(t, 0.2))
	}
	d.ForceEnd()
	if d.IsSpeaking() || !d.HasSpeechEnded() {
		t.Errorf("after ForceEnd: speaking=%v ended=%v", d.IsSpeaking(), d.HasSpeechEnded())
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	cfg := vad.DefaultConfig()
	cfg.Sensitivity = 2
	cfg.MinSpeechFrames = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := vad.NewDetector(cfg, nil); err == nil {
		t.Fatal("NewDetector accepted invalid config")
	}

	for _, rate := range []int{1, 96000} {
		cfg := vad.DefaultConfig()
		cfg.Format.SampleRate = rate
		if err := cfg.Validate(); !errors.Is(err, audio.ErrMalformedFrame) {
			t.Errorf("rate %d: err = %v, want ErrMalformedFrame", rate, err)
		}
	}
}
