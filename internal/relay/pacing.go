package relay

import (
	"context"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

// Speed selects how fast reply text is revealed to the client
type Speed string

const (
	SpeedSlow   Speed = "slow"
	SpeedNormal Speed = "normal"
	SpeedFast   Speed = "fast"
)

// ParseSpeed maps a client value to a Speed; unknown values yield fallback
func ParseSpeed(s string, fallback Speed) Speed {
	switch Speed(strings.ToLower(strings.TrimSpace(s))) {
	case SpeedSlow:
		return SpeedSlow
	case SpeedNormal:
		return SpeedNormal
	case SpeedFast:
		return SpeedFast
	}
	if fallback == "" {
		return SpeedNormal
	}
	return fallback
}

// Base is the minimum delay after each forwarded chunk
func (s Speed) Base() time.Duration {
	switch s {
	case SpeedFast:
		return 20 * time.Millisecond
	case SpeedSlow:
		return 200 * time.Millisecond
	default:
		return 100 * time.Millisecond
	}
}

// SleepFunc blocks for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Pacer produces the typing delay: base + uniform(0, 0.4*base)
type Pacer struct {
	mu    sync.Mutex
	rng   *rand.Rand
	sleep SleepFunc
}

// NewPacer returns a pacer using the real clock
func NewPacer() *Pacer {
	return &Pacer{
		rng:   rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		sleep: sleepContext,
	}
}

// NewPacerWith lets tests fix the random source and the sleep
func NewPacerWith(rng *rand.Rand, sleep SleepFunc) *Pacer {
	p := NewPacer()
	if rng != nil {
		p.rng = rng
	}
	if sleep != nil {
		p.sleep = sleep
	}
	return p
}

// Delay draws one pacing delay for speed
func (p *Pacer) Delay(speed Speed) time.Duration {
	base := speed.Base()
	p.mu.Lock()
	jitter := p.rng.Float64() * 0.4 * float64(base)
	p.mu.Unlock()
	return base + time.Duration(jitter)
}

// Wait sleeps for one pacing delay; it returns early with ctx's error
func (p *Pacer) Wait(ctx context.Context, speed Speed) error {
	return p.sleep(ctx, p.Delay(speed))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
