package pcm

// toStereo maps interleaved samples with the given channel count onto two
// channels. Mono is duplicated, stereo passes through, wider layouts fold
// pairwise with equal gain: odd-numbered channels (1st, 3rd, ...) sum into
// the left output, even-numbered into the right, each divided by its
// channel count, then clipped.
func toStereo(samples []float32, channels int) []float32 {
	switch channels {
	case 1:
		out := make([]float32, len(samples)*2)
		for i, s := range samples {
			out[i*2] = s
			out[i*2+1] = s
		}
		return out
	case 2:
		return samples
	}

	frames := len(samples) / channels
	leftCount := float32((channels + 1) / 2)
	rightCount := float32(channels / 2)
	out := make([]float32, frames*2)
	for f := 0; f < frames; f++ {
		var l, r float32
		for ch := 0; ch < channels; ch++ {
			if ch%2 == 0 {
				l += samples[f*channels+ch]
			} else {
				r += samples[f*channels+ch]
			}
		}
		out[f*2] = clampUnit(l / leftCount)
		out[f*2+1] = clampUnit(r / rightCount)
	}
	return out
}
