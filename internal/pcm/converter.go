package pcm

import (
	"errors"
	"fmt"
)

// Converter errors.
var (
	ErrUnsupportedFormat = errors.New("unsupported sample format")
	ErrMalformedBuffer   = errors.New("buffer length is not a multiple of the frame size")
)

// Converter transforms a native PCM stream into the canonical format.
// It is stateful: the resampler carries its phase and input tail across
// calls, so per-buffer output concatenates into continuous audio. A
// Converter belongs to a single capture session and is not safe for
// concurrent use.
type Converter struct {
	src     Format
	quality Quality
	res     *resampler // nil when no rate change is needed
}

// NewConverter validates the native format and builds a conversion
// pipeline to the canonical format.
func NewConverter(src Format, quality Quality) (*Converter, error) {
	switch src.Layout {
	case Int16LE, Int24LE, Int24In32LE, Int32LE, Float32LE:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, src.Layout)
	}
	if src.Rate <= 0 {
		return nil, fmt.Errorf("%w: rate %d", ErrUnsupportedFormat, src.Rate)
	}
	if src.Channels < 1 || src.Channels > 8 {
		return nil, fmt.Errorf("%w: %d channels", ErrUnsupportedFormat, src.Channels)
	}
	c := &Converter{src: src, quality: quality}
	if src.Rate != CanonicalRate {
		c.res = newResampler(src.Rate, CanonicalRate, quality.taps())
	}
	return c, nil
}

// Source returns the native format this converter was built for.
func (c *Converter) Source() Format { return c.src }

// Reset drops all carried resampler state, returning the converter to its
// freshly built condition.
func (c *Converter) Reset() {
	if c.res != nil {
		c.res.reset()
	}
}

// Convert transforms one native buffer and returns canonical
// float32-LE interleaved stereo bytes. The returned length is always a
// multiple of the canonical frame stride; it may be zero when the input
// is too short to produce a full output frame (the remainder is carried).
func (c *Converter) Convert(buf []byte) ([]byte, error) {
	if len(buf)%c.src.FrameBytes() != 0 {
		return nil, fmt.Errorf("%w: %d bytes, frame size %d", ErrMalformedBuffer, len(buf), c.src.FrameBytes())
	}
	if len(buf) == 0 {
		return nil, nil
	}
	// Already canonical: hand the bytes through untouched.
	if c.src == Canonical {
		return buf, nil
	}

	samples := decodeFloat32(buf, c.src.Layout)
	samples = toStereo(samples, c.src.Channels)

	if c.res != nil {
		frames := len(samples) / 2
		left := make([]float32, frames)
		right := make([]float32, frames)
		for i := 0; i < frames; i++ {
			left[i] = samples[i*2]
			right[i] = samples[i*2+1]
		}
		outL, outR := c.res.process(left, right)
		samples = make([]float32, len(outL)*2)
		for i := range outL {
			samples[i*2] = outL[i]
			samples[i*2+1] = outR[i]
		}
	}
	return encodeFloat32(samples), nil
}
