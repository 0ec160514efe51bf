package recognition

import (
	"math"
	"testing"

	"github.com/MrWong99/vigil/internal/embedding"
)

func v2(x, y float32) embedding.Vector { return embedding.NewVector([]float32{x, y}, "m") }

func TestDeriveThreshold(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	centroid := v2(1, 0)

	tests := []struct {
		name      string
		training  []embedding.Vector
		negatives []embedding.Vector
		previous  float64
		want      float64
	}{
		{
			name:     "single vector keeps previous",
			training: []embedding.Vector{v2(1, 0)},
			previous: 0.71,
			want:     0.71,
		},
		{
			name:     "tight cluster clamps to max",
			training: []embedding.Vector{v2(1, 0), v2(1, 0)},
			previous: 0.7,
			want:     cfg.MaxThreshold,
		},
		{
			name:     "wide cluster clamps to min",
			training: []embedding.Vector{v2(1, 0), v2(0, 1)},
			previous: 0.7,
			want:     cfg.MinThreshold,
		},
		{
			name:      "negative raises threshold up to training mean",
			training:  []embedding.Vector{v2(1, 0), v2(0, 1)},
			negatives: []embedding.Vector{v2(0.6, 0.8)},
			previous:  0.7,
			want:      0.5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := deriveThreshold(cfg, centroid, tt.training, tt.negatives, tt.previous)
			if math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("deriveThreshold = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeriveThreshold_NegativeMargin(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MinThreshold = 0
	centroid := v2(1, 0)
	// Similarities 1.0 and 0.8: mean 0.9, std 0.1, base 0.7.
	training := []embedding.Vector{v2(1, 0), v2(0.8, 0.6)}
	negatives := []embedding.Vector{v2(0.8, 0.6)}

	got := deriveThreshold(cfg, centroid, training, negatives, 0.5)
	want := 0.8 + cfg.ThresholdMargin
	if math.Abs(got-want) > 1e-6 {
		t.Errorf("deriveThreshold = %v, want %v", got, want)
	}
}
