package workflow

import (
	"math"
	"math/rand"
	"time"
)

// Backoff strategies for RetryPolicy.
const (
	StrategyExponential = "exponential"
	StrategyLinear      = "linear"
)

// RetryPolicy controls how failed actions are retried.
type RetryPolicy struct {
	MaxRetries int           `json:"max_retries"`
	Strategy   string        `json:"backoff_strategy"`
	Factor     float64       `json:"backoff_factor"`
	Min        time.Duration `json:"backoff_min"`
	Max        time.Duration `json:"backoff_max"`
	Jitter     float64       `json:"backoff_jitter"`
}

// DefaultRetryPolicy returns the engine defaults: three retries with
// exponential backoff between 1s and 60s and 50% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		Strategy:   StrategyExponential,
		Factor:     2,
		Min:        time.Second,
		Max:        60 * time.Second,
		Jitter:     0.5,
	}
}

// Backoff returns the wait before retry attempt k, zero-based: the first
// retry waits Backoff(0). The base delay is Min*Factor^k (exponential) or
// Min*(1+k*Factor) (linear), clamped to [Min, Max]. Jitter is applied
// after clamping, so the result may exceed Max by up to the jitter
// fraction.
func (p RetryPolicy) Backoff(retry int) time.Duration {
	var base float64
	switch p.Strategy {
	case StrategyLinear:
		base = float64(p.Min) * (1 + float64(retry)*p.Factor)
	default:
		base = float64(p.Min) * math.Pow(p.Factor, float64(retry))
	}
	if p.Max > 0 && base > float64(p.Max) {
		base = float64(p.Max)
	}
	if base < float64(p.Min) {
		base = float64(p.Min)
	}
	if p.Jitter > 0 {
		base *= 1 + (rand.Float64()*2-1)*p.Jitter
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}
