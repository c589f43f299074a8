package timers

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff is a randomized exponential delay between Min and Max.
//
// Next(true) resets to Min (work was found); Next(false) doubles the current
// delay up to Max and adds up to 20% jitter. Safe for concurrent use.
type Backoff struct {
	min time.Duration
	max time.Duration

	mu  sync.Mutex
	cur time.Duration
	rng *rand.Rand
}

func NewBackoff(min, max time.Duration) *Backoff {
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	if max < min {
		max = min
	}
	return &Backoff{
		min: min,
		max: max,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (b *Backoff) Next(found bool) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if found {
		b.cur = 0
		return b.min
	}
	if b.cur == 0 {
		b.cur = b.min
	} else {
		b.cur *= 2
	}
	if b.cur > b.max {
		b.cur = b.max
	}
	wait := b.cur
	if j := int64(wait) / 5; j > 0 {
		wait += time.Duration(b.rng.Int63n(j + 1))
	}
	if wait > b.max {
		wait = b.max
	}
	return wait
}

// Reset makes the next idle delay start from Min again.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.cur = 0
	b.mu.Unlock()
}

func (b *Backoff) Min() time.Duration { return b.min }
func (b *Backoff) Max() time.Duration { return b.max }
