// Package pcm converts native PCM buffers into the engine's canonical
// format: 48 kHz, 2 channels, float32 little-endian, interleaved,
// normalized to [-1.0, +1.0].
package pcm

import "fmt"

// SampleLayout identifies how a single sample is encoded on the wire.
type SampleLayout int

//goland:noinspection ALL
const (
	Int16LE     SampleLayout = iota // signed 16-bit little-endian
	Int24LE                         // signed 24-bit packed, 3 bytes per sample
	Int24In32LE                     // signed 24-bit in the upper bits of a 32-bit container
	Int32LE                         // signed 32-bit little-endian
	Float32LE                       // IEEE-754 binary32 little-endian
)

// BytesPerSample returns the wire size of one sample.
func (l SampleLayout) BytesPerSample() int {
	switch l {
	case Int16LE:
		return 2
	case Int24LE:
		return 3
	case Int24In32LE, Int32LE, Float32LE:
		return 4
	}
	return 0
}

func (l SampleLayout) String() string {
	switch l {
	case Int16LE:
		return "s16le"
	case Int24LE:
		return "s24le"
	case Int24In32LE:
		return "s24in32le"
	case Int32LE:
		return "s32le"
	case Float32LE:
		return "f32le"
	}
	return fmt.Sprintf("layout(%d)", int(l))
}

// Format describes a PCM stream as delivered by a capture adapter.
type Format struct {
	Rate     int // sample rate in Hz
	Channels int // interleaved channel count
	Layout   SampleLayout
}

// FrameBytes returns the byte stride of one interleaved frame.
func (f Format) FrameBytes() int {
	return f.Channels * f.Layout.BytesPerSample()
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%s", f.Rate, f.Channels, f.Layout)
}

// Canonical output format constants. Every converter emits this format
// and every consumer can rely on it.
const (
	CanonicalRate       = 48000
	CanonicalChannels   = 2
	CanonicalFrameBytes = CanonicalChannels * 4
)

// Canonical is the fixed output format of the conversion pipeline.
var Canonical = Format{Rate: CanonicalRate, Channels: CanonicalChannels, Layout: Float32LE}
