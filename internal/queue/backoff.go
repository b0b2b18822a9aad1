package queue

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff computes exponential retry delays with equal jitter: half of the
// exponential step is fixed, the other half random.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &Backoff{Base: base, Max: max, rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Delay returns the wait before retry number attempt (1-based).
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	step := b.Base
	for i := 1; i < attempt && step < b.Max; i++ {
		step *= 2
	}
	if step > b.Max {
		step = b.Max
	}
	half := step / 2
	b.mu.Lock()
	jitter := time.Duration(b.rnd.Int63n(int64(half) + 1))
	b.mu.Unlock()
	return half + jitter
}
