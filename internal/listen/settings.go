package listen

import (
	"github.com/MrWong99/vigil/pkg/profile"
)

// SettingsPatch is a partial update of a user's listening settings. Nil
// fields keep their current value.
type SettingsPatch struct {
	Sensitivity   *float64 `json:"sensitivity,omitempty"`
	SilenceMs     *int     `json:"silence_ms,omitempty"`
	MinConfidence *float64 `json:"min_confidence,omitempty"`
	SampleRate    *int     `json:"sample_rate,omitempty"`
	AutoDelete    *bool    `json:"auto_delete,omitempty"`
}

// Empty reports whether p changes nothing.
func (p SettingsPatch) Empty() bool {
	return p.Sensitivity == nil && p.SilenceMs == nil && p.MinConfidence == nil &&
		p.SampleRate == nil && p.AutoDelete == nil
}

// Apply returns s with the set fields of p overlaid.
func (p SettingsPatch) Apply(s profile.Settings) profile.Settings {
	if p.Sensitivity != nil {
		s.Sensitivity = *p.Sensitivity
	}
	if p.SilenceMs != nil {
		s.SilenceMs = *p.SilenceMs
	}
	if p.MinConfidence != nil {
		s.MinConfidence = *p.MinConfidence
	}
	if p.SampleRate != nil {
		s.SampleRate = *p.SampleRate
	}
	if p.AutoDelete != nil {
		s.AutoDelete = *p.AutoDelete
	}
	return s
}

// Info converts s to the config_updated payload.
func Info(s profile.Settings) ConfigInfo {
	return ConfigInfo{
		Sensitivity:   s.Sensitivity,
		SilenceMs:     s.SilenceMs,
		MinConfidence: s.MinConfidence,
		SampleRate:    s.SampleRate,
		AutoDelete:    s.AutoDelete,
	}
}
