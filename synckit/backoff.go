package synckit

import "time"

// ExponentialBackoff computes retry delays as InitialDelay * Multiplier^attempt,
// capped at MaxDelay when MaxDelay is positive.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// NextDelay returns the delay for the zero-based attempt.
func (eb ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	multiplier := eb.Multiplier
	if multiplier <= 0 {
		multiplier = 2
	}

	delay := float64(eb.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= multiplier
		if eb.MaxDelay > 0 && delay >= float64(eb.MaxDelay) {
			return eb.MaxDelay
		}
	}

	result := time.Duration(delay)
	if eb.MaxDelay > 0 && result > eb.MaxDelay {
		result = eb.MaxDelay
	}
	return result
}
