// Package keepalive emits periodic heartbeats while a long-running step produces no output,
// so that a supervising CI system does not treat the silence as a hang.
package keepalive

import (
	"context"
	"sync"
	"time"
)

const DefaultInterval = 30 * time.Second

// Start calls emit every interval until ctx is cancelled or stop is called.
// stop blocks until the heartbeat goroutine has exited and is safe to call more than once.
func Start(ctx context.Context, interval time.Duration, emit func(elapsed time.Duration)) (stop func()) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	started := time.Now()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				emit(time.Since(started).Round(time.Second))
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
