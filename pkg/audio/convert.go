package audio

import (
	"log/slog"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// maxCachedPlans bounds the per-converter FFT plan cache. Clients normally
// send frames of one or two distinct sizes.
const maxCachedPlans = 16

// FormatConverter normalises client audio to a fixed target sample rate.
//
// Rate mismatches are logged once per converter and resample failures are
// logged once as well; every later occurrence is silent. A converter caches
// FFT plans by length and is not safe for concurrent use. Create one per
// connection.
type FormatConverter struct {
	// TargetRate is the engine's sample rate in Hz.
	TargetRate int

	// OnFallback, when non-nil, is called each time a chunk is passed
	// through unconverted after a resample failure.
	OnFallback func(err error)

	warnMismatch sync.Once
	warnFallback sync.Once
	plans        map[int]*fourier.FFT
}

// Convert returns c resampled to TargetRate. The boolean reports whether the
// result is at TargetRate; on a resample failure c is returned unchanged and
// the boolean is false.
func (fc *FormatConverter) Convert(c Chunk) (Chunk, bool) {
	if c.SampleRate == fc.TargetRate {
		return c, true
	}

	fc.warnMismatch.Do(func() {
		slog.Info("audio: resampling client audio",
			"from_hz", c.SampleRate,
			"to_hz", fc.TargetRate,
		)
	})

	out, err := resampleBytes(c.Data, c.SampleRate, fc.TargetRate, fc.plan)
	if err != nil {
		fc.warnFallback.Do(func() {
			slog.Warn("audio: resample failed, forwarding unconverted audio",
				"from_hz", c.SampleRate,
				"to_hz", fc.TargetRate,
				"err", err,
			)
		})
		if fc.OnFallback != nil {
			fc.OnFallback(err)
		}
		return c, false
	}
	return Chunk{Data: out, SampleRate: fc.TargetRate}, true
}

func (fc *FormatConverter) plan(n int) *fourier.FFT {
	if p, ok := fc.plans[n]; ok {
		return p
	}
	p := fourier.NewFFT(n)
	if fc.plans == nil || len(fc.plans) >= maxCachedPlans {
		fc.plans = make(map[int]*fourier.FFT)
	}
	fc.plans[n] = p
	return p
}
