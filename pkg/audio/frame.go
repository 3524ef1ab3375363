package audio

import "github.com/voicewire/voicewire/pkg/types"

// Framer splits an arbitrary μ-law byte stream into fixed-size frames for
// carrier egress. Short tails are retained until the next Push completes
// them, so no audio is dropped at chunk boundaries. Not safe for concurrent
// use; the single outbound writer owns it.
type Framer struct {
	size int
	buf  []byte
	seq  uint64
}

// NewFramer creates a Framer emitting frames of size bytes. A size of zero
// selects the standard 20 ms frame (types.FrameBytes).
func NewFramer(size int) *Framer {
	if size <= 0 {
		size = types.FrameBytes
	}
	return &Framer{size: size}
}

// Push appends b to the accumulator and returns all complete frames, in
// order, with monotonically increasing sequence numbers.
func (f *Framer) Push(b []byte) []types.AudioFrame {
	f.buf = append(f.buf, b...)
	var frames []types.AudioFrame
	for len(f.buf) >= f.size {
		frame := make([]byte, f.size)
		copy(frame, f.buf[:f.size])
		f.buf = f.buf[f.size:]
		frames = append(frames, types.AudioFrame{Data: frame, Seq: f.seq})
		f.seq++
	}
	return frames
}

// Flush pads any retained tail with μ-law silence (0xFF) to a full frame and
// returns it. Returns a zero-value slice when nothing is buffered.
func (f *Framer) Flush() []types.AudioFrame {
	if len(f.buf) == 0 {
		return nil
	}
	frame := make([]byte, f.size)
	copy(frame, f.buf)
	for i := len(f.buf); i < f.size; i++ {
		frame[i] = 0xFF // μ-law positive zero
	}
	f.buf = f.buf[:0]
	out := []types.AudioFrame{{Data: frame, Seq: f.seq}}
	f.seq++
	return out
}
