package audio

// Framer cuts an arbitrary byte stream into fixed-size frames, carrying the
// remainder over to the next call. The zero value is not usable; use
// [NewFramer].
type Framer struct {
	size int
	buf  []byte
}

// NewFramer returns a Framer that emits frames of exactly size bytes.
func NewFramer(size int) *Framer {
	return &Framer{size: size, buf: make([]byte, 0, size*2)}
}

// Push appends data and returns every complete frame now available. Returned
// frames are freshly allocated and safe to retain.
func (f *Framer) Push(data []byte) [][]byte {
	f.buf = append(f.buf, data...)
	var frames [][]byte
	for len(f.buf) >= f.size {
		frame := make([]byte, f.size)
		copy(frame, f.buf[:f.size])
		frames = append(frames, frame)
		f.buf = f.buf[f.size:]
	}
	// Compact so the backing array does not grow without bound.
	if len(f.buf) > 0 {
		rest := make([]byte, len(f.buf), f.size*2)
		copy(rest, f.buf)
		f.buf = rest
	} else {
		f.buf = f.buf[:0]
	}
	return frames
}

// Pending returns the number of buffered bytes that do not yet form a frame.
func (f *Framer) Pending() int { return len(f.buf) }

// Resize changes the frame size. Buffered bytes are kept.
func (f *Framer) Resize(size int) { f.size = size }

// Reset drops any buffered remainder.
func (f *Framer) Reset() { f.buf = f.buf[:0] }
