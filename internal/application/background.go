package application

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// BackgroundTask is a running periodic goroutine. Stop cancels it and blocks
// until it has exited.
type BackgroundTask struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (t *BackgroundTask) Stop() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		t.cancel()
		<-t.done
	})
}

// Done is closed once the goroutine has exited.
func (t *BackgroundTask) Done() <-chan struct{} {
	return t.done
}

func stoppedTask() *BackgroundTask {
	done := make(chan struct{})
	close(done)
	return &BackgroundTask{cancel: func() {}, done: done}
}

type tick struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context)
}

// startTicking runs each tick on its own interval until ctx is cancelled or
// the task is stopped.
func startTicking(ctx context.Context, logger *zap.Logger, ticks ...tick) *BackgroundTask {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	var wg sync.WaitGroup
	for _, t := range ticks {
		interval := t.interval
		if interval <= 0 {
			logger.Warn("non-positive interval; using one minute", zap.String("task", t.name), zap.Duration("configured", interval))
			interval = time.Minute
		}

		wg.Add(1)
		go func(t tick, interval time.Duration) {
			defer wg.Done()

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					logger.Debug("background task stopped", zap.String("task", t.name))
					return
				case <-ticker.C:
					t.run(ctx)
				}
			}
		}(t, interval)
	}

	go func() {
		wg.Wait()
		close(done)
	}()

	return &BackgroundTask{cancel: cancel, done: done}
}
