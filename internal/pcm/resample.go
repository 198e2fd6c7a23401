package pcm

import "math"

// Quality selects the sinc filter length of the resampler. Longer filters
// reject aliasing better at higher CPU cost.
type Quality int

//goland:noinspection ALL
const (
	Best   Quality = iota // 64 taps
	Medium                // 32 taps
	Fast                  // 16 taps
)

func (q Quality) taps() int {
	switch q {
	case Medium:
		return 32
	case Fast:
		return 16
	default:
		return 64
	}
}

func (q Quality) String() string {
	switch q {
	case Medium:
		return "medium"
	case Fast:
		return "fast"
	default:
		return "best"
	}
}

// resampler converts a stereo float32 stream from inRate to outRate with a
// windowed-sinc FIR, Hamming windowed, evaluated at the exact fractional
// phase of every output sample.
//
// The filter is causal: each output is computed from the `taps` most recent
// input samples, so a call never needs samples from the next buffer. The
// last taps-1 inputs per channel are retained as the prefix of the next
// call, which makes chunked processing bit-equal to processing the
// concatenated stream (after the zero-padded prefix of the very first
// call). The fractional read position is carried across calls so the
// output frame count per call is floor((frames + phase) * outRate/inRate)
// with the remainder preserved.
type resampler struct {
	inRate, outRate int
	taps            int
	step            float64 // input samples advanced per output sample
	cutoff          float64 // normalized cutoff, relative to the input rate
	pos             int64   // position of the next output in the next input block, in 1/outRate input samples, in [0, inRate)
	history         [2][]float32
}

func newResampler(inRate, outRate, taps int) *resampler {
	r := &resampler{
		inRate:  inRate,
		outRate: outRate,
		taps:    taps,
		step:    float64(inRate) / float64(outRate),
	}
	r.cutoff = 0.5
	if outRate < inRate {
		// Downsampling: band-limit to the output Nyquist.
		r.cutoff = 0.5 * float64(outRate) / float64(inRate)
	}
	r.history[0] = make([]float32, taps-1)
	r.history[1] = make([]float32, taps-1)
	return r
}

// reset clears the retained tail and the phase accumulator.
func (r *resampler) reset() {
	for ch := range r.history {
		for i := range r.history[ch] {
			r.history[ch][i] = 0
		}
	}
	r.pos = 0
}

// kernel evaluates the windowed sinc at a continuous offset from the
// filter center, in input-sample units.
func (r *resampler) kernel(t float64) float64 {
	half := float64(r.taps) / 2
	if t <= -half || t >= half {
		return 0
	}
	win := 0.54 + 0.46*math.Cos(math.Pi*t/half)
	if t == 0 {
		return 2 * r.cutoff * win
	}
	return math.Sin(2*math.Pi*r.cutoff*t) / (math.Pi * t) * win
}

// process resamples one stereo block given as two channel planes of equal
// length. Returns two output planes; both may be empty when the input is
// shorter than one output step.
func (r *resampler) process(left, right []float32) ([]float32, []float32) {
	n := len(left)
	if n == 0 {
		return nil, nil
	}
	hist := r.taps - 1
	combined := [2][]float32{
		append(append(make([]float32, 0, hist+n), r.history[0]...), left...),
		append(append(make([]float32, 0, hist+n), r.history[1]...), right...),
	}

	// Outputs at input positions pos, pos+step, ... while they fall inside
	// this block. Positions are exact integers in 1/outRate input samples.
	span := int64(n) * int64(r.outRate)
	outCount := 0
	if span > r.pos {
		outCount = int((span - r.pos + int64(r.inRate) - 1) / int64(r.inRate))
	}
	outL := make([]float32, outCount)
	outR := make([]float32, outCount)

	// Group delay of the linear-phase FIR, in input samples. The window of
	// every output ends at its (delayed) center position, so only past
	// samples are touched.
	delay := float64(r.taps-1) / 2
	for k := 0; k < outCount; k++ {
		at := r.pos + int64(k)*int64(r.inRate)
		i0 := hist + int(at/int64(r.outRate))
		frac := float64(at%int64(r.outRate)) / float64(r.outRate)
		var accL, accR, wsum float64
		for j := 0; j < r.taps; j++ {
			i := i0 - j
			w := r.kernel(frac + float64(j) - delay)
			accL += float64(combined[0][i]) * w
			accR += float64(combined[1][i]) * w
			wsum += w
		}
		if wsum != 0 {
			accL /= wsum
			accR /= wsum
		}
		outL[k] = float32(accL)
		outR[k] = float32(accR)
	}

	r.pos += int64(outCount)*int64(r.inRate) - span
	copy(r.history[0], combined[0][n:])
	copy(r.history[1], combined[1][n:])
	return outL, outR
}
