package supervisor

import "time"

// RestartPolicy controls crash recovery: how many automatic restarts a
// server gets and how the delay between them grows. The counter resets
// on a clean stop or a manual start.
type RestartPolicy struct {
	// MaxAttempts is the number of automatic restarts before the
	// server is left Failed and requires a manual start.
	MaxAttempts int

	// InitialDelay is the delay before the first restart.
	InitialDelay time.Duration

	// Multiplier scales the delay after each consecutive failure.
	Multiplier float64

	// MaxDelay is the ceiling for delay growth.
	MaxDelay time.Duration
}

// DefaultRestartPolicy returns the default schedule: 5 attempts at
// 1s, 2s, 4s, 8s, 16s, with growth capped at 30s.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
	}
}

// Delay returns the backoff delay before the given attempt (1-based).
func (p RestartPolicy) Delay(attempt int) time.Duration {
	d := p.InitialDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// withDefaults fills zero-value fields from DefaultRestartPolicy.
func (p RestartPolicy) withDefaults() RestartPolicy {
	def := DefaultRestartPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = def.InitialDelay
	}
	if p.Multiplier <= 0 {
		p.Multiplier = def.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	return p
}
