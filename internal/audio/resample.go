package audio

import (
	"fmt"
	"math"
)

// filterTaps is the length of the anti-aliasing FIR kernel.
const filterTaps = 31

// Converter turns host frames into samples at the recognizer's rate. The
// filter kernel is built once and reused for every frame.
type Converter struct {
	decode  func([]byte) []float32
	inRate  int
	outRate int
	filter  fir
}

// NewConverter returns a converter from in to mono samples at outRate.
func NewConverter(in Format, outRate int) (*Converter, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if outRate <= 0 {
		return nil, fmt.Errorf("invalid output rate: %d", outRate)
	}
	c := &Converter{decode: decoders[in.Codec], inRate: in.SampleRate, outRate: outRate}
	if in.SampleRate != outRate {
		cutoff := float64(min(in.SampleRate, outRate)) / 2
		c.filter = newLowPass(cutoff, float64(max(in.SampleRate, outRate)), filterTaps)
	}
	return c, nil
}

// Samples decodes frame and resamples it to the output rate.
func (c *Converter) Samples(frame []byte) []float32 {
	samples := c.decode(frame)
	switch {
	case c.inRate == c.outRate || len(samples) == 0:
		return samples
	case c.inRate > c.outRate:
		// remove content above the new Nyquist before dropping samples
		return interpolate(c.filter.apply(samples), c.inRate, c.outRate)
	default:
		// smooth the interpolation images
		return c.filter.apply(interpolate(samples, c.inRate, c.outRate))
	}
}

// Convert returns frame as 16-bit linear PCM at the output rate.
func (c *Converter) Convert(frame []byte) []byte {
	return EncodePCM16(c.Samples(frame))
}

// interpolate linearly resamples samples from srcRate to dstRate.
func interpolate(samples []float32, srcRate, dstRate int) []float32 {
	ratio := float64(srcRate) / float64(dstRate)
	out := make([]float32, int(float64(len(samples))/ratio))
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
	}
	return out
}

// fir is a windowed-sinc low-pass kernel.
type fir []float32

// newLowPass builds a Blackman-windowed sinc kernel normalized to unity gain
// at DC.
func newLowPass(cutoff, sampleRate float64, taps int) fir {
	fc := cutoff / sampleRate
	half := taps / 2
	kernel := make(fir, taps)
	var sum float64
	for i := range taps {
		n := float64(i - half)
		sinc := 1.0
		if n != 0 {
			x := 2 * math.Pi * fc * n
			sinc = math.Sin(x) / x
		}
		w := 0.42 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(taps-1)) +
			0.08*math.Cos(4*math.Pi*float64(i)/float64(taps-1))
		kernel[i] = float32(sinc * w)
		sum += sinc * w
	}
	for i := range kernel {
		kernel[i] = float32(float64(kernel[i]) / sum)
	}
	return kernel
}

// apply convolves samples with the kernel. Taps that fall outside the frame
// are skipped.
func (f fir) apply(samples []float32) []float32 {
	half := len(f) / 2
	out := make([]float32, len(samples))
	for i := range samples {
		var acc float32
		for j := max(0, half-i); j < min(len(f), len(samples)-i+half); j++ {
			acc += samples[i+j-half] * f[j]
		}
		out[i] = acc
	}
	return out
}
