package detector

import (
	"sync/atomic"
)

// SamplerConfig configures access sampling.
//
// Sampling trades detection rate for overhead: with Rate=10 only one access
// in ten is checked and recorded. A race is still found with high
// probability when the racing pair recurs.
//
// Usage:
//
//	// Default: every access is checked.
//	SamplerConfig{}
//
//	// Check 1 in 10 accesses.
//	SamplerConfig{Enabled: true, Rate: 10}
type SamplerConfig struct {
	// Enabled turns sampling on. When false every access is checked.
	Enabled bool

	// Rate is the sampling period: one access in Rate is checked.
	// 0 and 1 both mean every access.
	Rate uint64
}

// RateConfig returns the configuration that checks one access in rate.
func RateConfig(rate uint64) SamplerConfig {
	return SamplerConfig{Enabled: rate > 1, Rate: rate}
}

// Sampler selects which accesses are checked.
//
// An atomic counter is incremented on every access and the access is
// checked when the counter is a multiple of the rate. Concurrent threads
// interleave on the counter, which spreads samples across them without an
// RNG.
//
// Thread Safety: All methods are safe for concurrent calls.
type Sampler struct {
	config SamplerConfig

	// tracePos counts sampled-mode accesses.
	tracePos atomic.Uint64

	sampled atomic.Uint64
	skipped atomic.Uint64
}

// SamplerStats tracks sampling decisions.
type SamplerStats struct {
	TotalAccesses   uint64
	SampledAccesses uint64
	SkippedAccesses uint64
}

// NewSampler creates a sampler. A rate of 0 is normalized to 1.
func NewSampler(config SamplerConfig) *Sampler {
	if config.Rate == 0 {
		config.Rate = 1
	}
	return &Sampler{config: config}
}

// ShouldSample reports whether the current access should be checked.
//
// Hot path: a single predictable branch when sampling is off.
//
//go:nosplit
func (s *Sampler) ShouldSample() bool {
	if !s.IsEnabled() {
		s.sampled.Add(1)
		return true
	}
	if s.tracePos.Add(1)%s.config.Rate == 0 {
		s.sampled.Add(1)
		return true
	}
	s.skipped.Add(1)
	return false
}

// Stats returns a copy of the sampling statistics.
func (s *Sampler) Stats() SamplerStats {
	sampled, skipped := s.sampled.Load(), s.skipped.Load()
	return SamplerStats{
		TotalAccesses:   sampled + skipped,
		SampledAccesses: sampled,
		SkippedAccesses: skipped,
	}
}

// Config returns the sampling configuration.
func (s *Sampler) Config() SamplerConfig {
	return s.config
}

// IsEnabled reports whether accesses are actually being skipped.
func (s *Sampler) IsEnabled() bool {
	return s.config.Enabled && s.config.Rate > 1
}

// EffectiveRate returns the rate in force, 1 when sampling is off.
func (s *Sampler) EffectiveRate() uint64 {
	if !s.IsEnabled() {
		return 1
	}
	return s.config.Rate
}

// ExpectedDetectionRate returns the probability that a race recurring over
// accessesPerRace accesses is sampled at least once:
//
//	P(detect) = 1 - (1 - 1/R)^N
func (s *Sampler) ExpectedDetectionRate(accessesPerRace int) float64 {
	if !s.IsEnabled() || accessesPerRace <= 0 {
		return 1.0
	}
	miss := 1.0
	p := 1.0 - 1.0/float64(s.config.Rate)
	for i := 0; i < accessesPerRace; i++ {
		miss *= p
	}
	return 1.0 - miss
}
