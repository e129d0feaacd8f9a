package audit

import "math/rand"

// SamplingConfig controls access log sampling rates.
type SamplingConfig struct {
	Rate      float64 // successful request sampling rate (0.0-1.0)
	ErrorRate float64 // failed or blocked request sampling rate (0.0-1.0)
}

// ShouldLog decides whether a request is logged. Failed requests use
// ErrorRate, everything else uses Rate.
func (s SamplingConfig) ShouldLog(failed bool) bool {
	rate := s.Rate
	if failed {
		rate = s.ErrorRate
	}
	return rate >= 1.0 || rand.Float64() < rate
}
