// Package backoff provides exponential backoff with jitter for the host's
// retry paths: upstream LLM calls and MCP server restarts.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// InitialMs is the first delay in milliseconds.
	InitialMs float64
	// MaxMs caps the delay in milliseconds.
	MaxMs float64
	// Factor is the exponential growth factor per attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) added on top.
	Jitter float64
}

// Compute calculates the delay for a given attempt number.
// The formula is base = initialMs * factor^(attempt-1), plus base*jitter*random,
// clamped to MaxMs. Attempt numbers start at 1.
func Compute(policy Policy, attempt int) time.Duration {
	return ComputeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand calculates the delay using a caller-provided random value
// in [0.0, 1.0). Tests use it for deterministic results.
func ComputeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := policy.InitialMs * math.Pow(policy.Factor, exp)
	jitterAmount := base * policy.Jitter * randomValue
	total := math.Min(policy.MaxMs, base+jitterAmount)
	return time.Duration(math.Round(total)) * time.Millisecond
}

// LLMPolicy is the retry schedule for upstream LLM calls:
// 500ms initial, 4s cap, doubling, 10% jitter.
func LLMPolicy() Policy {
	return Policy{
		InitialMs: 500,
		MaxMs:     4000,
		Factor:    2,
		Jitter:    0.1,
	}
}

// RestartPolicy is the schedule for restarting crashed or unhealthy MCP
// servers: 1s initial, 60s cap, doubling, 20% jitter.
func RestartPolicy() Policy {
	return Policy{
		InitialMs: 1000,
		MaxMs:     60000,
		Factor:    2,
		Jitter:    0.2,
	}
}
