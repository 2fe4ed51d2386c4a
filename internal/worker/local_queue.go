package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"docqa/internal/retry"
)

var (
	ErrQueueFull   = errors.New("local queue full")
	ErrQueueClosed = errors.New("local queue closed")
)

type localMessage struct {
	topic string
	body  []byte
}

// LocalQueue is an in-process stand-in for NSQ: a bounded buffer drained by
// a fixed pool of workers. A handler error is retried under the policy and
// then logged and dropped.
type LocalQueue struct {
	mu       sync.RWMutex
	handlers map[string]MessageHandler
	tasks    chan localMessage
	workers  int
	policy   retry.Policy
	closed   bool
	wg       sync.WaitGroup
}

func NewLocalQueue(workers, capacity int, policy retry.Policy) *LocalQueue {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 256
	}
	return &LocalQueue{
		handlers: make(map[string]MessageHandler),
		tasks:    make(chan localMessage, capacity),
		workers:  workers,
		policy:   policy,
	}
}

func (q *LocalQueue) Subscribe(topic string, h MessageHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[topic] = h
}

func (q *LocalQueue) Publish(topic string, body []byte) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.tasks <- localMessage{topic: topic, body: append([]byte(nil), body...)}:
		return nil
	default:
		return fmt.Errorf("%w: %d tasks waiting", ErrQueueFull, cap(q.tasks))
	}
}

// Start launches the workers. They stop when ctx ends or Stop is called.
func (q *LocalQueue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-q.tasks:
					if !ok {
						return
					}
					q.dispatch(ctx, msg)
				}
			}
		}()
	}
}

func (q *LocalQueue) dispatch(ctx context.Context, msg localMessage) {
	q.mu.RLock()
	h := q.handlers[msg.topic]
	q.mu.RUnlock()
	if h == nil {
		slog.WarnContext(ctx, "no handler for topic, dropping message", "topic", msg.topic)
		return
	}

	err := retry.Do(ctx, q.policy, msg.topic, func() error {
		return h.Handle(ctx, msg.body)
	})
	if err != nil {
		slog.ErrorContext(ctx, "local task dropped after retries", "topic", msg.topic, "error", err)
	}
}

// Stop refuses new messages, lets workers drain what is queued and waits
// for them.
func (q *LocalQueue) Stop() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()
	q.wg.Wait()
}
