// Package queue implements the bounded event queue and its single-consumer dispatcher.
//
// The mutex guards only the ring buffer and the consumer reference. Dispatch copies
// the consumer and dequeues under the lock, then calls the consumer after unlocking,
// so a consumer may call back into the tracker without deadlocking.
package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focustrack/internal/domain"
)

// RetryPolicy bounds redelivery of a failed batch.
type RetryPolicy struct {
	Attempts int           // total delivery attempts per batch
	Delay    time.Duration // pause between attempts
}

// DefaultRetryPolicy returns the default redelivery policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Delay: 20 * time.Millisecond}
}

// DefaultFailureThreshold is the number of consecutive failed batches after
// which a sustained ChannelFailure is reported.
const DefaultFailureThreshold = 5

// Options configures a Queue.
type Options struct {
	Capacity         int
	MaxBatchSize     int
	MaxBatchWait     time.Duration
	Retry            RetryPolicy
	FailureThreshold int

	// OnChannelFailure is called once per run of sustained delivery failures.
	OnChannelFailure func(err error)
}

// DefaultOptions returns queue options derived from the default configuration.
func DefaultOptions() Options {
	return Options{
		Capacity:         domain.DefaultMaxEventBufferSize,
		MaxBatchSize:     domain.DefaultMaxBatchSize,
		Retry:            DefaultRetryPolicy(),
		FailureThreshold: DefaultFailureThreshold,
	}
}

// Queue is a bounded FIFO of pending events with drop-oldest overflow.
type Queue struct {
	mu        sync.Mutex
	buf       []domain.FocusEvent
	head      int
	size      int
	consumer  domain.Consumer
	batchSize int
	batchWait time.Duration

	notify   chan struct{}
	draining atomic.Bool

	enqueued  atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64

	consecutiveFailures atomic.Int32
	reported            atomic.Bool

	retry     RetryPolicy
	threshold int32
	onFailure func(error)
	logger    *zap.Logger
}

// New creates a queue. Zero options fall back to defaults.
func New(opts Options, logger *zap.Logger) *Queue {
	d := DefaultOptions()
	if opts.Capacity <= 0 {
		opts.Capacity = d.Capacity
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = d.MaxBatchSize
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry = d.Retry
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = d.FailureThreshold
	}
	return &Queue{
		buf:       make([]domain.FocusEvent, opts.Capacity),
		batchSize: opts.MaxBatchSize,
		batchWait: opts.MaxBatchWait,
		notify:    make(chan struct{}, 1),
		retry:     opts.Retry,
		threshold: int32(opts.FailureThreshold),
		onFailure: opts.OnChannelFailure,
		logger:    logger,
	}
}

// Enqueue appends an event, evicting the oldest one when the queue is full.
// It never blocks on the consumer and is safe from any goroutine.
func (q *Queue) Enqueue(ev domain.FocusEvent) {
	q.mu.Lock()
	evicted := false
	if q.size == len(q.buf) {
		q.buf[q.head] = domain.FocusEvent{}
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		evicted = true
	}
	q.buf[(q.head+q.size)%len(q.buf)] = ev
	q.size++
	q.mu.Unlock()

	q.enqueued.Add(1)
	if evicted {
		q.dropped.Add(1)
		q.logger.Debug("event queue full, dropped oldest event", zap.Uint64("dropped_total", q.dropped.Load()))
	}
	q.signal()
}

// Subscribe registers the single consumer. A nil consumer pauses delivery;
// events keep accumulating up to capacity.
func (q *Queue) Subscribe(c domain.Consumer) {
	q.mu.Lock()
	q.consumer = c
	q.mu.Unlock()
	q.signal()
}

// SetBatching updates batch size and wait; they apply from the next dispatch.
func (q *Queue) SetBatching(size int, wait time.Duration) {
	if size <= 0 {
		size = 1
	}
	q.mu.Lock()
	q.batchSize = size
	q.batchWait = wait
	q.mu.Unlock()
}

// Resize changes the capacity. When shrinking, the oldest excess events are dropped.
func (q *Queue) Resize(capacity int) {
	if capacity <= 0 {
		capacity = domain.DefaultMaxEventBufferSize
	}
	q.mu.Lock()
	if capacity == len(q.buf) {
		q.mu.Unlock()
		return
	}
	excess := 0
	if q.size > capacity {
		excess = q.size - capacity
	}
	next := make([]domain.FocusEvent, capacity)
	for i := 0; i < q.size-excess; i++ {
		next[i] = q.buf[(q.head+excess+i)%len(q.buf)]
	}
	q.buf = next
	q.head = 0
	q.size -= excess
	q.mu.Unlock()

	if excess > 0 {
		q.dropped.Add(uint64(excess))
	}
}

// Clear discards pending events, counting them as dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	n := q.size
	for i := range q.buf {
		q.buf[i] = domain.FocusEvent{}
	}
	q.head, q.size = 0, 0
	q.mu.Unlock()

	q.dropped.Add(uint64(n))
	return n
}

// Len returns the number of pending events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Stats returns the queue counters. When no batch is in flight,
// Enqueued == Delivered + Dropped + Failed + Depth.
func (q *Queue) Stats() domain.QueueStats {
	q.mu.Lock()
	depth, capacity := q.size, len(q.buf)
	q.mu.Unlock()
	return domain.QueueStats{
		Depth:     depth,
		Capacity:  capacity,
		Enqueued:  q.enqueued.Load(),
		Delivered: q.delivered.Load(),
		Dropped:   q.dropped.Load(),
		Failed:    q.failed.Load(),
	}
}

// Run dispatches events until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.notify:
		}
		q.waitForBatch(ctx)
		q.drain()
	}
}

// Flush delivers everything pending to the current consumer and returns when
// the queue is empty, there is no consumer, or ctx expires.
func (q *Queue) Flush(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		q.drain()
		q.mu.Lock()
		done := q.size == 0 || q.consumer == nil
		q.mu.Unlock()
		if done && !q.draining.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// waitForBatch gives a partial batch up to batchWait to fill.
func (q *Queue) waitForBatch(ctx context.Context) {
	q.mu.Lock()
	size, wait, pending := q.batchSize, q.batchWait, q.size
	q.mu.Unlock()
	if size <= 1 || wait <= 0 || pending >= size {
		return
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for q.Len() < size {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case <-q.notify:
		}
	}
}

// drain delivers batches until the queue is empty. Only one goroutine drains at
// a time, which keeps delivery in enqueue order.
func (q *Queue) drain() {
	if !q.draining.CompareAndSwap(false, true) {
		return
	}
	defer q.release()

	for {
		consumer, batch := q.take()
		if consumer == nil || len(batch) == 0 {
			return
		}
		q.deliver(consumer, batch)
	}
}

// release ends a drain. An enqueue whose signal was consumed by a drain that
// lost the race above is picked up here.
func (q *Queue) release() {
	q.draining.Store(false)
	q.mu.Lock()
	pending := q.size > 0 && q.consumer != nil
	q.mu.Unlock()
	if pending {
		q.signal()
	}
}

// take copies the consumer and dequeues one batch. This is the only place
// the lock is held on the delivery path.
func (q *Queue) take() (domain.Consumer, []domain.FocusEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.consumer == nil || q.size == 0 {
		return nil, nil
	}
	n := min(q.batchSize, q.size)
	batch := make([]domain.FocusEvent, n)
	for i := 0; i < n; i++ {
		batch[i] = q.buf[q.head]
		q.buf[q.head] = domain.FocusEvent{}
		q.head = (q.head + 1) % len(q.buf)
	}
	q.size -= n
	return q.consumer, batch
}

// deliver calls the consumer with bounded retry. No lock is held here.
func (q *Queue) deliver(consumer domain.Consumer, batch []domain.FocusEvent) {
	var err error
	for attempt := 0; attempt < q.retry.Attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(q.retry.Delay)
		}
		if err = safeConsume(consumer, batch); err == nil {
			q.delivered.Add(uint64(len(batch)))
			q.consecutiveFailures.Store(0)
			q.reported.Store(false)
			return
		}
	}

	q.failed.Add(uint64(len(batch)))
	q.logger.Debug("event delivery failed after retries",
		zap.Int("batch", len(batch)),
		zap.Int("attempts", q.retry.Attempts),
		zap.Error(err))

	if q.consecutiveFailures.Add(1) >= q.threshold && q.reported.CompareAndSwap(false, true) {
		failure := domain.Wrap(domain.ErrChannelFailure, err).
			WithDetail("consecutive_failures", fmt.Sprint(q.consecutiveFailures.Load()))
		q.logger.Warn("event consumer is failing", zap.Error(failure))
		if q.onFailure != nil {
			q.onFailure(failure)
		}
	}
}

func safeConsume(consumer domain.Consumer, batch []domain.FocusEvent) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("consumer panicked: %v", p)
		}
	}()
	return consumer.Consume(batch)
}

var _ domain.EventSink = (*Queue)(nil)
