package listen

import (
	"time"
)

// State is the position of a [Session] in its lifecycle.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateSpeechAccumulating
	StateClassifying
	StateSpeakerConfirmed
	StateSpeakerRejected
	StateDegraded
	StateStopped
)

// String returns the snake_case name of s.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateSpeechAccumulating:
		return "speech_accumulating"
	case StateClassifying:
		return "classifying"
	case StateSpeakerConfirmed:
		return "speaker_confirmed"
	case StateSpeakerRejected:
		return "speaker_rejected"
	case StateDegraded:
		return "degraded"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// EventType names an outbound session event.
type EventType string

const (
	EventSessionStarted EventType = "session_started"
	EventSessionStopped EventType = "session_stopped"
	EventSessionResumed EventType = "session_resumed"
	EventConfigUpdated  EventType = "config_updated"
	EventVADStatus      EventType = "vad_status"
	EventSpeakerStatus  EventType = "speaker_status"
	EventError          EventType = "error"

	// Emitted by utterance handlers.
	EventTranscript      EventType = "transcript"
	EventCommandDetected EventType = "command_detected"
	EventMemoryStored    EventType = "memory_stored"
)

// Error codes carried by [EventError].
const (
	CodeProfileNotFound      = "profile_not_found"
	CodeReferenceUnavailable = "reference_unavailable"
	CodeDataIntegrity        = "data_integrity"
	CodeSessionDegraded      = "session_degraded"
	CodeSpoolFailed          = "spool_failed"
	CodeHandlerFailed        = "handler_failed"
	CodeInvalidConfig        = "invalid_config"
)

// Event is one outbound message of a session. Data is one of the payload
// types below or, for handler events, whatever the handler supplies.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      any
}

// SessionInfo is the payload of [EventSessionStarted].
type SessionInfo struct {
	SessionID  string `json:"session_id"`
	UserID     string `json:"user_id"`
	SampleRate int    `json:"sample_rate"`
	FrameMs    int    `json:"frame_ms"`
	Enrolled   bool   `json:"enrolled"`
}

// StoppedInfo is the payload of [EventSessionStopped].
type StoppedInfo struct {
	SessionID  string `json:"session_id"`
	Utterances int    `json:"utterances"`
}

// VADStatus is the payload of [EventVADStatus], emitted when an utterance is
// confirmed and when it ends.
type VADStatus struct {
	Speaking    bool    `json:"speaking"`
	Frame       int     `json:"frame"`
	StartFrame  int     `json:"start_frame"`
	EnergyLevel float64 `json:"energy_level"`
	VADScore    float64 `json:"vad_score"`
	Confidence  float64 `json:"confidence"`
	Forced      bool    `json:"forced,omitempty"`
}

// SpeakerStatus is the payload of [EventSpeakerStatus].
type SpeakerStatus struct {
	IsOwner    bool    `json:"is_owner"`
	Similarity float64 `json:"similarity"`
	Confidence float64 `json:"confidence"`
	Threshold  float64 `json:"threshold"`
	SampleID   string  `json:"sample_id,omitempty"`
	DurationMs int64   `json:"duration_ms"`
}

// ErrorInfo is the payload of [EventError]. It never carries audio or
// embedding values.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ConfigInfo is the payload of [EventConfigUpdated].
type ConfigInfo struct {
	Sensitivity   float64 `json:"sensitivity"`
	SilenceMs     int     `json:"silence_ms"`
	MinConfidence float64 `json:"min_confidence"`
	SampleRate    int     `json:"sample_rate"`
	AutoDelete    bool    `json:"auto_delete"`
}
