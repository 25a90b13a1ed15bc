package persistence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultWriterCapacity = 256
	defaultEnqueueWait    = 500 * time.Millisecond
	maxWriteAttempts      = 3
)

// ErrWriterSaturated is reported for writes dropped because the queue stayed full.
var ErrWriterSaturated = errors.New("db writer queue is full")

type writeCmd struct {
	name string
	fn   func(context.Context) error
	// flush commands carry no work and are acknowledged in queue order.
	flushed chan struct{}
}

// WriterQueue is the single writer for relay tables. Failed writes are retried
// a few times and then logged and dropped; callers never see storage errors.
type WriterQueue struct {
	logger *slog.Logger
	queue  chan writeCmd
	done   chan struct{}
	once   sync.Once
	// enqueueWait bounds how long Enqueue blocks on a full queue.
	enqueueWait time.Duration

	mu      sync.Mutex
	failed  uint64
	onError func(name string, err error)
}

func NewWriterQueue(logger *slog.Logger, capacity int) *WriterQueue {
	if capacity <= 0 {
		capacity = defaultWriterCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &WriterQueue{
		logger:      logger,
		queue:       make(chan writeCmd, capacity),
		done:        make(chan struct{}),
		enqueueWait: defaultEnqueueWait,
	}
}

// OnError registers a callback invoked whenever a write is dropped.
func (w *WriterQueue) OnError(fn func(name string, err error)) {
	w.mu.Lock()
	w.onError = fn
	w.mu.Unlock()
}

func (w *WriterQueue) Enqueue(name string, fn func(context.Context) error) {
	w.push(writeCmd{name: name, fn: fn})
}

func (w *WriterQueue) push(cmd writeCmd) {
	select {
	case w.queue <- cmd:
		return
	case <-w.done:
		w.logger.Warn("db write dropped after writer stopped", "cmd", cmd.name)
		return
	default:
	}

	timer := time.NewTimer(w.enqueueWait)
	defer timer.Stop()
	select {
	case w.queue <- cmd:
	case <-w.done:
		w.logger.Warn("db write dropped after writer stopped", "cmd", cmd.name)
	case <-timer.C:
		w.logger.Error("db write dropped, writer queue full", "cmd", cmd.name, "capacity", cap(w.queue))
		w.recordFailure(cmd.name, ErrWriterSaturated)
	}
}

func (w *WriterQueue) Start(ctx context.Context) {
	go func() {
		defer w.once.Do(func() { close(w.done) })
		for {
			select {
			case <-ctx.Done():
				return
			case cmd := <-w.queue:
				if cmd.flushed != nil {
					close(cmd.flushed)

					continue
				}
				w.runWithRetry(ctx, cmd)
			}
		}
	}()
}

// Flush blocks until every write enqueued before the call has been attempted.
func (w *WriterQueue) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case w.queue <- writeCmd{name: "flush", flushed: ack}:
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Failed returns the number of writes dropped, either after exhausting
// retries or because the queue stayed full.
func (w *WriterQueue) Failed() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.failed
}

func (w *WriterQueue) runWithRetry(ctx context.Context, cmd writeCmd) {
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		err := cmd.fn(ctx)
		if err == nil {
			return
		}
		w.logger.Error("db write failed", "cmd", cmd.name, "attempt", attempt, "error", err)
		if attempt == maxWriteAttempts {
			w.recordFailure(cmd.name, err)

			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * 300 * time.Millisecond):
		}
	}
}

func (w *WriterQueue) recordFailure(name string, err error) {
	w.mu.Lock()
	w.failed++
	onError := w.onError
	w.mu.Unlock()
	if onError != nil {
		onError(name, err)
	}
}
