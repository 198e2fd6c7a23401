package pcm

import (
	"encoding/binary"
	"math"
)

// The encode path is the inverse of decode: float32 samples back to an
// integer wire layout. The canonical pipeline never uses it (its output is
// float32); it serves integer downconversion, and the round-trip property
// tests lean on it. Every sample is clipped to [-1, 1] here; inside the
// float pipeline only decode (the most negative integer code) and the
// multichannel downmix clip.

// EncodeInt16 packs samples as signed 16-bit little-endian.
func EncodeInt16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int16(math.Round(float64(clampUnit(s)) * int16Scale))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// EncodeInt24 packs samples as signed 24-bit little-endian, 3 bytes each.
func EncodeInt24(samples []float32) []byte {
	out := make([]byte, len(samples)*3)
	for i, s := range samples {
		v := int32(math.Round(float64(clampUnit(s)) * int24Scale))
		out[i*3] = byte(v)
		out[i*3+1] = byte(v >> 8)
		out[i*3+2] = byte(v >> 16)
	}
	return out
}

// EncodeInt32 packs samples as signed 32-bit little-endian.
func EncodeInt32(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		v := int32(math.Round(float64(clampUnit(s)) * int32Scale))
		binary.LittleEndian.PutUint32(out[i*4:], uint32(v))
	}
	return out
}

// encodeFloat32 packs samples as IEEE-754 binary32 little-endian. No
// clipping: the float pipeline carries over-range values through.
func encodeFloat32(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}
