package audio

import "fmt"

// Resampler converts 16-bit mono PCM between sample rates using linear
// interpolation. It is stateful: the last input sample and the fractional
// read position survive across calls, so chunk boundaries do not introduce
// artifacts. Create one per stream direction; not safe for concurrent use.
type Resampler struct {
	inRate  int
	outRate int

	// last is the final sample of the previous chunk, used to interpolate
	// across the boundary. hasLast is false until the first chunk arrives.
	last    int16
	hasLast bool

	// pos is the fractional read position carried into the next chunk,
	// relative to the virtual sample preceding it.
	pos float64
}

// NewResampler creates a Resampler from inRate Hz to outRate Hz. Both rates
// must be positive.
func NewResampler(inRate, outRate int) (*Resampler, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, fmt.Errorf("audio: invalid resample rates %d→%d", inRate, outRate)
	}
	return &Resampler{inRate: inRate, outRate: outRate}, nil
}

// Resample converts one chunk of 16-bit little-endian mono PCM. Returns an
// error if the input length is odd. When the rates are equal the input is
// returned unchanged.
func (r *Resampler) Resample(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("audio: odd PCM length %d", len(pcm))
	}
	if r.inRate == r.outRate {
		return pcm, nil
	}

	n := len(pcm) / 2
	if n == 0 {
		return nil, nil
	}

	// Build the working window: previous chunk's tail sample, then this chunk.
	samples := make([]int16, 0, n+1)
	if r.hasLast {
		samples = append(samples, r.last)
	}
	for i := 0; i < n; i++ {
		samples = append(samples, int16(pcm[i*2])|int16(pcm[i*2+1])<<8)
	}

	ratio := float64(r.inRate) / float64(r.outRate)
	var out []byte
	pos := r.pos
	for {
		idx := int(pos)
		if idx+1 >= len(samples) {
			break
		}
		frac := pos - float64(idx)
		s0 := float64(samples[idx])
		s1 := float64(samples[idx+1])
		v := int16(s0*(1-frac) + s1*frac)
		out = append(out, byte(v), byte(v>>8))
		pos += ratio
	}

	// Carry the tail sample and the residual fractional position.
	r.last = samples[len(samples)-1]
	r.hasLast = true
	r.pos = pos - float64(len(samples)-1)
	if r.pos < 0 {
		r.pos = 0
	}
	return out, nil
}

// Reset discards carried state, e.g. after a vendor reconnect where the
// stream restarts from silence.
func (r *Resampler) Reset() {
	r.last = 0
	r.hasLast = false
	r.pos = 0
}
