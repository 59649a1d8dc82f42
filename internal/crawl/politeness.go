package crawl

import (
	"context"
	"math/rand"
	"time"
)

// pauseController abstracts how the orchestrator backs off between
// candidates.
type pauseController interface {
	Pause(ctx context.Context, delay time.Duration)
}

type timerPauseController struct{}

func (p *timerPauseController) Pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// jitterDelay spreads the configured base delay over [0.5b, 1.5b). Advisory
// backpressure only, not correctness-relevant.
func jitterDelay(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	half := base / 2
	return half + time.Duration(rand.Int63n(int64(base)))
}
