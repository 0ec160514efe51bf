package audio_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/vigil/pkg/audio"
)

func TestSpool_ReadBack(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "spool")
	pcm := samplesToBytes([]int16{0, 1200, -1200, 32767, -32768})

	path, err := audio.Spool(dir, pcm, 16000)
	if err != nil {
		t.Fatalf("Spool: %v", err)
	}
	if !strings.HasPrefix(path, dir) || filepath.Ext(path) != ".wav" {
		t.Errorf("path = %q, want .wav inside %q", path, dir)
	}

	got, rate, err := audio.ReadWAV(path)
	if err != nil {
		t.Fatalf("ReadWAV: %v", err)
	}
	if rate != 16000 {
		t.Errorf("rate = %d, want 16000", rate)
	}
	if string(got) != string(pcm) {
		t.Errorf("pcm mismatch: got %v, want %v", bytesToSamples(got), bytesToSamples(pcm))
	}
}

func TestWriteWAV_OddBytes(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "x.wav")
	if err := audio.WriteWAV(path, []byte{1}, 16000); err == nil {
		t.Fatal("expected error for odd byte count")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("file should not be created, stat err = %v", err)
	}
}
