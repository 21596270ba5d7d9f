package queue

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

// BackoffKind — форма кривой задержки между retry.
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffLinear      BackoffKind = "linear"
	BackoffFixed       BackoffKind = "fixed"
)

// ParseBackoffKind разбирает имя кривой. Пустая строка — exponential.
func ParseBackoffKind(s string) (BackoffKind, error) {
	switch k := BackoffKind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return BackoffExponential, nil
	case BackoffExponential, BackoffLinear, BackoffFixed:
		return k, nil
	default:
		return "", fmt.Errorf("unknown backoff %q (want exponential, linear or fixed)", s)
	}
}

// RetryPolicy определяет задержку перед повторной попыткой.
type RetryPolicy struct {
	Backoff      BackoffKind
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// Jitter — доля случайного разброса задержки, 0..1.
	// 0.2 означает ±20%.
	Jitter float64
}

// DefaultRetryPolicy — exponential от 1s до 5m без jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Backoff:      BackoffExponential,
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Minute,
	}
}

// Delay вычисляет задержку после проваленной попытки attempt (начиная с 1).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	initialDelay := p.InitialDelay
	if initialDelay <= 0 {
		initialDelay = time.Second
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Minute
	}
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration
	switch p.Backoff {
	case BackoffLinear:
		delay = initialDelay * time.Duration(attempt)
		if delay/time.Duration(attempt) != initialDelay {
			delay = maxDelay
		}
	case BackoffFixed:
		delay = initialDelay
	default:
		// delay = initialDelay * 2^(attempt-1)
		delay = initialDelay
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
				break
			}
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}

	if p.Jitter > 0 {
		j := min(p.Jitter, 1)
		spread := float64(delay) * j
		delay = time.Duration(float64(delay) - spread + rand.Float64()*2*spread)
	}
	return delay
}
