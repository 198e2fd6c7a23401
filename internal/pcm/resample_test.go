package pcm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestQualityTaps(t *testing.T) {
	assert.Equal(t, 64, Best.taps())
	assert.Equal(t, 32, Medium.taps())
	assert.Equal(t, 16, Fast.taps())
}

// Total output frame count tracks in_frames * out_rate / in_rate within
// one frame, regardless of how the input is chunked.
func TestResamplerOutputCount(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		inRate := rapid.SampledFrom([]int{8000, 22050, 44100, 96000, 192000}).Draw(t, "inRate")
		r := newResampler(inRate, CanonicalRate, 16)

		totalIn := 0
		totalOut := 0
		chunks := rapid.IntRange(1, 8).Draw(t, "chunks")
		for i := 0; i < chunks; i++ {
			n := rapid.IntRange(1, 1024).Draw(t, "n")
			outL, outR := r.process(make([]float32, n), make([]float32, n))
			if len(outL) != len(outR) {
				t.Fatalf("channel lengths diverged: %d vs %d", len(outL), len(outR))
			}
			totalIn += n
			totalOut += len(outL)
		}

		want := float64(totalIn) * CanonicalRate / float64(inRate)
		if math.Abs(float64(totalOut)-want) > 1 {
			t.Fatalf("%d frames in -> %d out, want %.2f +/- 1", totalIn, totalOut, want)
		}
	})
}

// A DC signal passes through the filter at unity gain once the zero
// history has flushed.
func TestResamplerDCGain(t *testing.T) {
	r := newResampler(44100, 48000, 64)
	in := make([]float32, 8192)
	for i := range in {
		in[i] = 0.5
	}
	outL, _ := r.process(in, in)
	require.NotEmpty(t, outL)
	for i := 256; i < len(outL); i++ {
		assert.InDelta(t, 0.5, outL[i], 1e-3, "sample %d", i)
	}
}

func TestResamplerReset(t *testing.T) {
	r := newResampler(44100, 48000, 32)

	in := make([]float32, 1000)
	for i := range in {
		in[i] = float32(math.Sin(float64(i) / 7))
	}
	first, _ := r.process(in, in)

	r.reset()
	second, _ := r.process(in, in)

	require.Equal(t, len(first), len(second))
	assert.Equal(t, first, second, "reset must restore the initial state")
}
