package audio

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// ErrResample is returned when a buffer cannot be resampled. Callers fall
// back to the unconverted audio.
var ErrResample = errors.New("audio: resample failed")

// MaxUpsampleRatio bounds toRate/fromRate. Output length, spectrum and FFT
// plan all grow with the ratio, so a client claiming a rate of a few Hz would
// otherwise turn one frame into gigabytes.
const MaxUpsampleRatio = 16

// planFunc returns an FFT plan for sequences of length n.
type planFunc func(n int) *fourier.FFT

func newPlan(n int) *fourier.FFT { return fourier.NewFFT(n) }

// Resample converts mono samples from fromRate to toRate using band-limited
// FFT resampling: the spectrum of the input is truncated or zero-padded to
// the output length and transformed back.
//
// The output holds round(len(samples)·toRate/fromRate) samples, each rounded
// and saturated to the int16 range. Equal rates return samples unchanged.
// Upsampling by more than [MaxUpsampleRatio] fails with [ErrResample].
func Resample(samples []int16, fromRate, toRate int) ([]int16, error) {
	return resample(samples, fromRate, toRate, newPlan)
}

func resample(samples []int16, fromRate, toRate int, plan planFunc) ([]int16, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("%w: invalid rates %d -> %d", ErrResample, fromRate, toRate)
	}
	if fromRate == toRate {
		return samples, nil
	}
	if int64(toRate) > int64(fromRate)*MaxUpsampleRatio {
		return nil, fmt.Errorf("%w: ratio %d -> %d exceeds %dx", ErrResample, fromRate, toRate, MaxUpsampleRatio)
	}
	n := len(samples)
	if n == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrResample)
	}
	m := int(math.Round(float64(n) * float64(toRate) / float64(fromRate)))
	if m <= 0 {
		return nil, fmt.Errorf("%w: %d samples at %d Hz yield no output at %d Hz", ErrResample, n, fromRate, toRate)
	}

	x := make([]float64, n)
	for i, s := range samples {
		x[i] = float64(s)
	}
	coef := plan(n).Coefficients(nil, x)

	// Copy the shared positive-frequency band, Nyquist included when present.
	y := make([]complex128, m/2+1)
	k := min(n, m)
	copy(y[:k/2+1], coef[:k/2+1])

	// An even-length band has its Nyquist bin folded from both halves of the
	// spectrum; split or join it so energy is preserved.
	if k%2 == 0 {
		switch {
		case m < n:
			y[k/2] *= 2
		case m > n:
			y[k/2] *= 0.5
		}
	}

	seq := plan(m).Sequence(nil, y)
	scale := 1 / float64(n)
	out := make([]int16, m)
	for i, v := range seq {
		v *= scale
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: non-finite sample at %d", ErrResample, i)
		}
		out[i] = clampInt16(v)
	}
	return out, nil
}

// ResampleMono16 resamples PCM16LE bytes from fromRate to toRate.
//
// On failure it returns the original pcm alongside the error so that callers
// can keep the audio flowing unconverted.
func ResampleMono16(pcm []byte, fromRate, toRate int) ([]byte, error) {
	return resampleBytes(pcm, fromRate, toRate, newPlan)
}

func resampleBytes(pcm []byte, fromRate, toRate int, plan planFunc) ([]byte, error) {
	if fromRate == toRate && fromRate > 0 {
		return pcm, nil
	}
	out, err := resample(BytesToInt16(pcm), fromRate, toRate, plan)
	if err != nil {
		return pcm, err
	}
	return Int16ToBytes(out), nil
}
