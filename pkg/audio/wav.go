package audio

import (
	"fmt"
	"os"
	"path/filepath"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
)

// WriteWAV writes PCM16 mono as a 16-bit WAV file at path.
func WriteWAV(path string, pcm []byte, sampleRate int) (err error) {
	if err := ValidateChunk(pcm); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audio: create wav: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("audio: close wav: %w", cerr)
		}
	}()

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{SampleRate: sampleRate, NumChannels: 1},
		SourceBitDepth: 16,
		Data:           Ints(pcm),
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("audio: encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("audio: finalize wav: %w", err)
	}
	return nil
}

// ReadWAV decodes a 16-bit mono WAV file and returns its PCM16 data and
// sample rate.
func ReadWAV(path string) ([]byte, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("audio: open wav: %w", err)
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return nil, 0, fmt.Errorf("audio: %s: not a valid wav file", path)
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("audio: decode wav: %w", err)
	}
	if buf.Format != nil && buf.Format.NumChannels != 1 {
		return nil, 0, fmt.Errorf("audio: %s: want mono, got %d channels", path, buf.Format.NumChannels)
	}
	pcm := make([]byte, len(buf.Data)*BytesPerSample)
	for i, s := range buf.Data {
		v := uint16(int16(s))
		pcm[i*2] = byte(v)
		pcm[i*2+1] = byte(v >> 8)
	}
	return pcm, int(d.SampleRate), nil
}

// Spool writes pcm as a uniquely named WAV file inside dir and returns its
// path. The directory is created if missing. Callers own the file and remove
// it when done.
func Spool(dir string, pcm []byte, sampleRate int) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("audio: spool dir: %w", err)
	}
	path := filepath.Join(dir, "utt-"+uuid.NewString()+".wav")
	if err := WriteWAV(path, pcm, sampleRate); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}
