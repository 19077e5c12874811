package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type jobPurger interface {
	PurgeExpired() int
}

type purgeTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) purgeTicker

// startRetentionSweeper periodically drops finished jobs whose retention
// window has lapsed. The returned stop function blocks until the sweeper
// goroutine has exited and is safe to call more than once.
func startRetentionSweeper(ctx context.Context, logger *slog.Logger, store jobPurger, interval time.Duration) func() {
	return startRetentionSweeperWithTicker(ctx, logger, store, interval, func(d time.Duration) purgeTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startRetentionSweeperWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	store jobPurger,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if store == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				if purged := store.PurgeExpired(); purged > 0 && logger != nil {
					logger.Info("purged expired jobs", "count", purged)
				}
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
