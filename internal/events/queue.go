package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultQueueSize      = 1024
	defaultPublishTimeout = 5 * time.Second
)

// Queue hands events to a Publisher from a single goroutine, in the order
// they were enqueued. Callers never wait on the broker; each publish gets its
// own deadline so a stuck broker delays only later events.
type Queue struct {
	pub     Publisher
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.RWMutex
	closed  bool
	items   chan Event
	pending sync.WaitGroup
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewQueue(pub Publisher, size int, timeout time.Duration, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if size <= 0 {
		size = defaultQueueSize
	}
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		pub:     pub,
		timeout: timeout,
		logger:  logger.Named("events"),
		items:   make(chan Event, size),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	go q.run()
	return q
}

// Enqueue schedules event without blocking. It reports false when the queue
// is full or closed; the event is dropped.
func (q *Queue) Enqueue(event Event) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	q.pending.Add(1)
	select {
	case q.items <- event:
		return true
	default:
		q.pending.Done()
		q.logger.Warn("event queue full, dropping", zap.String("type", event.Type), zap.String("message_id", event.MessageID))
		return false
	}
}

// Wait blocks until every enqueued event has been attempted.
func (q *Queue) Wait() {
	q.pending.Wait()
}

// Close stops accepting events, abandons in-flight publishes and waits for
// the worker to exit. It does not close the underlying Publisher.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	close(q.items)
	q.mu.Unlock()

	q.cancel()
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for event := range q.items {
		ctx, cancel := context.WithTimeout(q.ctx, q.timeout)
		if err := q.pub.Publish(ctx, event); err != nil {
			q.logger.Warn("domain event dropped", zap.String("type", event.Type), zap.String("message_id", event.MessageID), zap.Error(err))
		}
		cancel()
		q.pending.Done()
	}
}
