package realtime

import (
	"math/rand"
	"time"
)

const defaultJitterPercent = 25

// jitteredDelay spreads base by ±jitterPct percent and clamps it to cap.
func jitteredDelay(base, cap time.Duration, jitterPct int) time.Duration {
	if jitterPct <= 0 {
		jitterPct = defaultJitterPercent
	}
	delta := (rand.Float64()*2 - 1) * float64(jitterPct) / 100.0
	wait := time.Duration(float64(base) * (1 + delta))
	if wait < 0 {
		wait = base
	}
	if wait > cap {
		wait = cap
	}
	return wait
}

// backoff 指数退避：每次失败翻倍，不超过上限，连接成功后归零
type backoff struct {
	base, cap time.Duration
	jitter    int
	current   time.Duration
}

func newBackoff(base, cap time.Duration, jitter int) *backoff {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if cap < base {
		cap = base
	}
	return &backoff{base: base, cap: cap, jitter: jitter, current: base}
}

// next returns the wait before the upcoming attempt and doubles the step.
func (b *backoff) next() time.Duration {
	wait := jitteredDelay(b.current, b.cap, b.jitter)
	if b.current*2 < b.cap {
		b.current *= 2
	} else {
		b.current = b.cap
	}
	return wait
}

func (b *backoff) reset() {
	b.current = b.base
}
