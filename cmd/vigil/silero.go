//go:build silero

package main

import (
	"github.com/MrWong99/vigil/internal/config"
	"github.com/MrWong99/vigil/pkg/provider/vad"
	"github.com/MrWong99/vigil/pkg/provider/vad/silero"
)

func init() {
	extraRegistrations = append(extraRegistrations, func(reg *config.Registry) {
		reg.RegisterVAD("silero", func(entry config.ProviderEntry) (vad.Engine, error) {
			modelPath := entry.Model
			if modelPath == "" {
				modelPath = optString(entry.Options, "model_path")
			}
			var opts []silero.Option
			if t, ok := optFloat(entry.Options, "threshold"); ok {
				opts = append(opts, silero.WithThreshold(float32(t)))
			}
			return silero.New(modelPath, opts...)
		})
	})
}
