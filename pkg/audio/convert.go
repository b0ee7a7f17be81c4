package audio

import (
	"fmt"
	"math"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "48000Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Resampler converts mono samples from srcRate to dstRate. Implementations
// must be pure: no state may be kept between calls.
type Resampler func(samples []float32, srcRate, dstRate int) []float32

// Energy returns the L2 norm (Euclidean magnitude) of samples. Silence
// detection compares this value against a configured threshold, so it grows
// with both amplitude and buffer length.
func Energy(samples []float32) float64 {
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum)
}

// Flatten concatenates the interleaved samples of frames in order. The result
// is a fresh slice; the frames are not modified.
func Flatten(frames []Frame) []float32 {
	n := 0
	for _, f := range frames {
		n += len(f.Samples)
	}
	out := make([]float32, 0, n)
	for _, f := range frames {
		out = append(out, f.Samples...)
	}
	return out
}

// DownmixMono averages all channels per sample frame. If channels is 1 or
// less, samples is returned unchanged. A trailing partial frame is dropped.
func DownmixMono(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	mono := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += samples[i*channels+ch]
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}

// LinearResample resamples mono float32 audio from srcRate to dstRate using
// linear interpolation. If the rates match (or either is invalid) the input
// is returned unchanged. It satisfies [Resampler].
func LinearResample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	dstSamples := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]float32, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// Int16ToFloat32 converts 16-bit samples to float32 normalised to [-1.0, 1.0].
func Int16ToFloat32(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// Float32ToInt16 converts normalised float32 samples to 16-bit, clamping
// values outside [-1.0, 1.0].
func Float32ToInt16(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, s := range in {
		v := float64(s) * 32767.0
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i] = int16(math.Round(v))
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
