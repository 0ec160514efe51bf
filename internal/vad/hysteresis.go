package vad

// tracker holds the hysteresis state shared by all detectors.
//
// Silence is timed from the onset of the first silent frame of a run to the
// onset of the current frame, so with 100 ms frames and 1500 ms silence the
// end edge fires on the 16th consecutive silent frame.
type tracker struct {
	cfg Config

	frame       int // index of the next frame
	speechRun   int
	silenceRun  int
	speaking    bool
	ended       bool
	runStart    int
	speechStart int
}

func newTracker(cfg Config) tracker {
	return tracker{cfg: cfg, speechStart: -1}
}

func (t *tracker) advance(isSpeech bool) {
	idx := t.frame
	t.frame++
	t.ended = false

	if isSpeech {
		if t.speechRun == 0 {
			t.runStart = idx
		}
		t.speechRun++
		t.silenceRun = 0
		if !t.speaking && t.speechRun >= t.cfg.MinSpeechFrames {
			t.speaking = true
			t.speechStart = t.runStart
		}
		return
	}

	t.speechRun = 0
	if !t.speaking {
		return
	}
	t.silenceRun++
	elapsed := (t.silenceRun - 1) * t.cfg.Format.FrameMs
	if int64(elapsed) >= t.cfg.SilenceDuration.Milliseconds() {
		t.speaking = false
		t.ended = true
		t.silenceRun = 0
	}
}

func (t *tracker) IsSpeaking() bool      { return t.speaking }
func (t *tracker) HasSpeechEnded() bool  { return t.ended }
func (t *tracker) SpeechStartFrame() int { return t.speechStart }
func (t *tracker) Frames() int           { return t.frame }
func (t *tracker) Config() Config        { return t.cfg }

// SilenceFrames returns the length of the current silence run inside an
// active utterance.
func (t *tracker) SilenceFrames() int { return t.silenceRun }

func (t *tracker) Reset() {
	cfg := t.cfg
	*t = newTracker(cfg)
}

// ForceEnd closes an active utterance as if the silence run had completed.
// The next HasSpeechEnded call reports true.
func (t *tracker) ForceEnd() {
	if !t.speaking {
		return
	}
	t.speaking = false
	t.ended = true
	t.speechRun = 0
	t.silenceRun = 0
}

// UpdateConfig swaps the tuning. Invalid configurations are ignored; callers
// validate before applying.
func (t *tracker) UpdateConfig(cfg Config) {
	if cfg.Validate() != nil {
		return
	}
	t.cfg = cfg
}
