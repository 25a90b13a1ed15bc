package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/domain"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/radio"
)

var (
	// ErrQueueClosed is returned by Enqueue after Close started.
	ErrQueueClosed = errors.New("outbound queue is closed")
	// ErrEmptyItem is returned for items without a payload.
	ErrEmptyItem = errors.New("outbound item has no payload")
)

const (
	DefaultMaxAttempts    = 3
	DefaultRetryBackoff   = time.Second
	DefaultNotReadyPoll   = 500 * time.Millisecond
	defaultDelay          = 2 * time.Second
	defaultMaxSize        = 500
	DropReasonOverflow    = "overflow"
	DropReasonRetries     = "retries_exhausted"
	DropReasonClosed      = "closed"
	stopWaitAfterDrainCut = time.Second
)

// Sender is the radio side of the queue, normally *radio.Link.
type Sender interface {
	Send(ctx context.Context, channel int, payload []byte, opts domain.SendOptions) (uint32, error)
}

// Observer receives queue accounting; metrics implement it.
type Observer interface {
	QueueDepth(depth int)
	QueueSent(channel int)
	QueueDropped(reason string)
}

// Item is one pending mesh send.
type Item struct {
	Channel int
	Payload []byte
	Options domain.SendOptions
	// AfterSend runs on the drain goroutine once the radio accepted the packet.
	AfterSend func(packetID uint32)
	// Description is a short human label used in logs.
	Description string

	enqueuedAt time.Time
	attempt    int
	seq        uint64
}

func (i Item) EnqueuedAt() time.Time { return i.enqueuedAt }
func (i Item) Attempt() int          { return i.attempt }

type lane struct {
	items    []*Item
	lastSent time.Time
	// notBefore delays the head item after a failed attempt.
	notBefore time.Time
}

func (l *lane) readyAt(delay time.Duration) time.Time {
	ready := time.Time{}
	if !l.lastSent.IsZero() {
		ready = l.lastSent.Add(delay)
	}
	if l.notBefore.After(ready) {
		ready = l.notBefore
	}

	return ready
}

// Config tunes the queue. Zero values select defaults.
type Config struct {
	// Delay is the minimum gap between two sends on one channel.
	Delay        time.Duration
	MaxSize      int
	MaxAttempts  int
	RetryBackoff time.Duration
	NotReadyPoll time.Duration
}

func (c Config) withDefaults() Config {
	if c.Delay <= 0 {
		c.Delay = defaultDelay
	}
	if c.MaxSize <= 0 {
		c.MaxSize = defaultMaxSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.NotReadyPoll <= 0 {
		c.NotReadyPoll = DefaultNotReadyPoll
	}

	return c
}

// Queue is a per-channel FIFO in front of the radio. Enqueue never blocks;
// one drain goroutine (Run) paces sends per channel.
type Queue struct {
	logger   *slog.Logger
	sender   Sender
	observer Observer
	cfg      Config

	mu       sync.Mutex
	lanes    map[int]*lane
	size     int
	nextSeq  uint64
	closing  bool
	inFlight *Item

	wake      chan struct{}
	runCancel context.CancelFunc
	running   chan struct{}
	done      chan struct{}
	startOnce sync.Once
}

func New(logger *slog.Logger, sender Sender, cfg Config) *Queue {
	if logger == nil {
		logger = slog.Default()
	}

	return &Queue{
		logger:  logger,
		sender:  sender,
		cfg:     cfg.withDefaults(),
		lanes:   make(map[int]*lane),
		wake:    make(chan struct{}, 1),
		running: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// SetObserver must be called before Run.
func (q *Queue) SetObserver(o Observer) {
	q.observer = o
}

// Enqueue appends item to its channel lane. When the queue is full the
// globally oldest waiting item is dropped to make room; the item being sent
// right now is never chosen.
func (q *Queue) Enqueue(item Item) error {
	if len(item.Payload) == 0 {
		return ErrEmptyItem
	}

	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()

		return ErrQueueClosed
	}
	var dropped *Item
	if q.waitingLocked() >= q.cfg.MaxSize {
		dropped = q.dropOldestLocked()
	}
	q.nextSeq++
	it := item
	it.enqueuedAt = time.Now()
	it.attempt = 0
	it.seq = q.nextSeq
	l := q.laneLocked(it.Channel)
	l.items = append(l.items, &it)
	q.size++
	depth := q.size
	q.mu.Unlock()

	if dropped != nil {
		q.logger.Warn("outbound queue full, dropped oldest message",
			"channel", dropped.Channel,
			"queued_for", time.Since(dropped.enqueuedAt).Round(time.Millisecond),
			"description", dropped.Description,
			"max_size", q.cfg.MaxSize,
		)
		q.observeDrop(DropReasonOverflow)
	}
	q.observeDepth(depth)
	q.signal()

	return nil
}

// Len is the number of pending items across all channels.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.size
}

// Pending returns the number of items waiting on one channel.
func (q *Queue) Pending(channel int) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if l, ok := q.lanes[channel]; ok {
		return len(l.items)
	}

	return 0
}

// Run drains the queue until ctx ends or Close finishes draining.
func (q *Queue) Run(ctx context.Context) error {
	started := false
	q.startOnce.Do(func() { started = true })
	if !started {
		return errors.New("outbound queue already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.runCancel = cancel
	q.mu.Unlock()
	close(q.running)
	defer close(q.done)
	defer cancel()

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		if err := runCtx.Err(); err != nil {
			return nil
		}

		item, wait, drained := q.next(time.Now())
		if drained {
			return nil
		}
		if item == nil {
			var timerC <-chan time.Time
			if wait > 0 {
				timer.Reset(wait)
				timerC = timer.C
			}
			select {
			case <-runCtx.Done():
				return nil
			case <-q.wake:
			case <-timerC:
			}
			if wait > 0 && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			continue
		}

		q.attempt(runCtx, item)
	}
}

// next returns the head item that may be sent now, or how long to wait for
// one. drained is true when closing and nothing is left.
func (q *Queue) next(now time.Time) (*Item, time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return nil, 0, q.closing
	}

	var (
		best     *Item
		bestWait time.Duration = -1
	)
	for _, l := range q.lanes {
		if len(l.items) == 0 {
			continue
		}
		head := l.items[0]
		wait := l.readyAt(q.cfg.Delay).Sub(now)
		if wait <= 0 {
			if best == nil || head.seq < best.seq {
				best = head
			}
			continue
		}
		if bestWait < 0 || wait < bestWait {
			bestWait = wait
		}
	}
	if best != nil {
		q.inFlight = best
		return best, 0, false
	}

	return nil, bestWait, false
}

func (q *Queue) attempt(ctx context.Context, item *Item) {
	item.attempt++
	packetID, err := q.sender.Send(ctx, item.Channel, item.Payload, item.Options)
	now := time.Now()

	switch {
	case err == nil:
		q.mu.Lock()
		q.inFlight = nil
		l := q.laneLocked(item.Channel)
		l.lastSent = now
		l.notBefore = time.Time{}
		q.removeLocked(item)
		depth := q.size
		q.mu.Unlock()

		q.logger.Debug("outbound message sent", "channel", item.Channel, "packet_id", packetID, "attempt", item.attempt)
		q.observeDepth(depth)
		if q.observer != nil {
			q.observer.QueueSent(item.Channel)
		}
		if item.AfterSend != nil {
			item.AfterSend(packetID)
		}

	case errors.Is(err, radio.ErrNotConnected) || ctx.Err() != nil:
		// Waiting for the link does not consume the retry budget.
		item.attempt--
		q.mu.Lock()
		q.inFlight = nil
		q.laneLocked(item.Channel).notBefore = now.Add(q.cfg.NotReadyPoll)
		q.mu.Unlock()

	case item.attempt >= q.cfg.MaxAttempts:
		q.mu.Lock()
		q.inFlight = nil
		q.removeLocked(item)
		depth := q.size
		q.mu.Unlock()

		q.logger.Error("outbound message dropped after retries",
			"channel", item.Channel,
			"attempts", item.attempt,
			"description", item.Description,
			"error", err,
		)
		q.observeDepth(depth)
		q.observeDrop(DropReasonRetries)

	default:
		backoff := q.cfg.RetryBackoff * time.Duration(item.attempt)
		q.mu.Lock()
		q.inFlight = nil
		q.laneLocked(item.Channel).notBefore = now.Add(backoff)
		q.mu.Unlock()

		q.logger.Warn("outbound send failed, retrying",
			"channel", item.Channel,
			"attempt", item.attempt,
			"backoff", backoff,
			"error", err,
		)
	}
}

// Close stops accepting items and lets Run drain until ctx expires. Items
// still pending afterwards are dropped.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()

		return nil
	}
	q.closing = true
	q.mu.Unlock()
	q.signal()

	select {
	case <-q.running:
	default:
		// Never started: nothing can drain.
		return q.discardRemaining()
	}

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
	}

	q.mu.Lock()
	cancel := q.runCancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	select {
	case <-q.done:
	case <-time.After(stopWaitAfterDrainCut):
	}

	return q.discardRemaining()
}

func (q *Queue) discardRemaining() error {
	q.mu.Lock()
	left := q.size
	q.lanes = make(map[int]*lane)
	q.size = 0
	q.mu.Unlock()

	if left == 0 {
		return nil
	}
	for i := 0; i < left; i++ {
		q.observeDrop(DropReasonClosed)
	}
	q.observeDepth(0)

	return fmt.Errorf("outbound queue closed with %d undelivered messages", left)
}

func (q *Queue) laneLocked(channel int) *lane {
	l, ok := q.lanes[channel]
	if !ok {
		l = &lane{}
		q.lanes[channel] = l
	}

	return l
}

func (q *Queue) removeLocked(item *Item) {
	l, ok := q.lanes[item.Channel]
	if !ok {
		return
	}
	for i, it := range l.items {
		if it == item {
			l.items = append(l.items[:i], l.items[i+1:]...)
			q.size--

			return
		}
	}
}

// waitingLocked counts queued items excluding the one being sent.
func (q *Queue) waitingLocked() int {
	if q.inFlight != nil {
		return q.size - 1
	}

	return q.size
}

func (q *Queue) dropOldestLocked() *Item {
	var (
		oldestLane *lane
		oldestIdx  int
		oldest     *Item
	)
	for _, l := range q.lanes {
		idx := 0
		if len(l.items) > 0 && l.items[0] == q.inFlight {
			idx = 1
		}
		if idx >= len(l.items) {
			continue
		}
		if oldest == nil || l.items[idx].seq < oldest.seq {
			oldest = l.items[idx]
			oldestIdx = idx
			oldestLane = l
		}
	}
	if oldest == nil {
		return nil
	}
	oldestLane.items = append(oldestLane.items[:oldestIdx], oldestLane.items[oldestIdx+1:]...)
	if oldestIdx == 0 {
		// The backoff belonged to the dropped head.
		oldestLane.notBefore = time.Time{}
	}
	q.size--

	return oldest
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) observeDepth(depth int) {
	if q.observer != nil {
		q.observer.QueueDepth(depth)
	}
}

func (q *Queue) observeDrop(reason string) {
	if q.observer != nil {
		q.observer.QueueDropped(reason)
	}
}
