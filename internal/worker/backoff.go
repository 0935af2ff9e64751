package worker

import (
	"math/rand/v2"
	"time"
)

const (
	defaultBackoffBase   = time.Minute
	defaultBackoffMax    = time.Hour
	defaultBackoffJitter = 0.2
)

// Backoff — экспоненциальная задержка перед повтором.
//
// delay = min(Base * 2^retry, Max) ± Jitter*delay.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // доля от задержки, 0..1

	// rnd возвращает число в [0, 1). По умолчанию math/rand/v2.
	rnd func() float64
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = defaultBackoffBase
	}
	if b.Max <= 0 {
		b.Max = defaultBackoffMax
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	if b.Jitter > 1 {
		b.Jitter = 1
	}
	if b.rnd == nil {
		b.rnd = rand.Float64
	}
	return b
}

// Delay возвращает задержку перед повтором номер retry+1 (retry = текущий retry_count).
func (b Backoff) Delay(retry int) time.Duration {
	b = b.withDefaults()

	delay := b.Base
	for i := 0; i < retry && delay < b.Max; i++ {
		delay *= 2
	}
	if delay > b.Max {
		delay = b.Max
	}

	if b.Jitter > 0 {
		skew := (2*b.rnd() - 1) * b.Jitter * float64(delay)
		delay += time.Duration(skew)
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}
