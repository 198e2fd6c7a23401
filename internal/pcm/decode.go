package pcm

import (
	"encoding/binary"
	"math"
)

// Positive full-scale values per integer layout. Decoding divides by the
// positive maximum so that +max maps to exactly +1.0; the extra negative
// code of two's complement is clipped to -1.0.
const (
	int16Scale = 32767
	int24Scale = 8388607
	int32Scale = 2147483647
)

// decodeFloat32 expands a native buffer into interleaved float32 samples
// at the source rate and channel count. The buffer length must be a
// multiple of the sample size; Convert validates that before calling.
func decodeFloat32(buf []byte, layout SampleLayout) []float32 {
	switch layout {
	case Int16LE:
		out := make([]float32, len(buf)/2)
		for i := range out {
			v := int16(binary.LittleEndian.Uint16(buf[i*2:]))
			out[i] = clampUnit(float32(v) / int16Scale)
		}
		return out
	case Int24LE:
		out := make([]float32, len(buf)/3)
		for i := range out {
			v := int32(uint32(buf[i*3]) | uint32(buf[i*3+1])<<8 | uint32(buf[i*3+2])<<16)
			if v&0x800000 != 0 {
				v -= 0x1000000
			}
			out[i] = clampUnit(float32(v) / int24Scale)
		}
		return out
	case Int24In32LE:
		out := make([]float32, len(buf)/4)
		for i := range out {
			// Upper 24 bits carry the sample; the arithmetic shift keeps the sign.
			v := int32(binary.LittleEndian.Uint32(buf[i*4:])) >> 8
			out[i] = clampUnit(float32(v) / int24Scale)
		}
		return out
	case Int32LE:
		out := make([]float32, len(buf)/4)
		for i := range out {
			v := int32(binary.LittleEndian.Uint32(buf[i*4:]))
			out[i] = clampUnit(float32(float64(v) / int32Scale))
		}
		return out
	case Float32LE:
		out := make([]float32, len(buf)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		}
		return out
	}
	return nil
}

// clampUnit clips to [-1, 1]. Only the most negative integer code ever
// exceeds the range on decode.
func clampUnit(v float32) float32 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
