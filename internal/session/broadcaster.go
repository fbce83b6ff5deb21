package session

import (
	"log/slog"
	"sync"

	"github.com/parley-ai/parley/pkg/schema"
)

// Sink is the delivery surface of one attached consumer. The consumer
// WebSocket handler implements it; tests substitute in-memory fakes. Deliver
// is called from the consumer's writer goroutine, one message at a time, and
// may block. Close is called exactly once, after the last Deliver.
type Sink interface {
	Deliver(msg *schema.Message) error
	Close() error
}

// consumerQueueLimit bounds each consumer's pending delivery buffer. Beyond
// it, stream deltas are shed oldest-first; a consumer whose buffer holds
// nothing but protected types is considered stuck and closed.
const consumerQueueLimit = 256

// consumer pairs a Sink with an in-order bounded delivery queue and the
// writer goroutine that drains it. Enqueue is only called from the session
// sequencer; the queue lock exists because the writer pops concurrently.
type consumer struct {
	id     string
	author string
	sink   Sink
	logger *slog.Logger

	mu      sync.Mutex
	queue   []*schema.Message
	closed  bool
	dropped int

	wake chan struct{}
	done chan struct{}
}

func newConsumer(id, author string, sink Sink, logger *slog.Logger) *consumer {
	return &consumer{
		id:     id,
		author: author,
		sink:   sink,
		logger: logger.With("consumer_id", id),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// enqueue appends a message for delivery. It returns false when the consumer
// is hopelessly slow: the buffer is full and nothing in it may be shed. The
// caller is expected to detach the consumer in that case.
func (c *consumer) enqueue(msg *schema.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	if len(c.queue) >= consumerQueueLimit {
		if !c.shedLocked() {
			if msg.Type.Critical() {
				return false
			}
			c.dropped++
			return true
		}
	}
	c.queue = append(c.queue, msg)
	c.signal()
	return true
}

// shedLocked drops the oldest non-critical queued message to make room.
func (c *consumer) shedLocked() bool {
	for i, m := range c.queue {
		if !m.Type.Critical() {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			c.dropped++
			return true
		}
	}
	return false
}

func (c *consumer) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// shutdown stops the consumer. With drain the writer delivers what is already
// queued before closing the sink; without it the queue is discarded.
func (c *consumer) shutdown(drain bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if !drain {
		c.queue = nil
	}
	c.mu.Unlock()
	c.signal()
}

// run is the writer goroutine: it pops queued messages in order and hands
// them to the sink. A Deliver failure reports the consumer dead via onDead
// and stops. run closes the sink exactly once on exit.
func (c *consumer) run(onDead func(id string, err error)) {
	defer close(c.done)
	defer func() {
		if err := c.sink.Close(); err != nil {
			c.logger.Debug("sink close", "error", err)
		}
		c.mu.Lock()
		dropped := c.dropped
		c.mu.Unlock()
		if dropped > 0 {
			c.logger.Debug("consumer detached with shed messages", "dropped", dropped)
		}
	}()

	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return
			}
			<-c.wake
			continue
		}
		msg := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		if err := c.sink.Deliver(msg); err != nil {
			c.mu.Lock()
			c.closed = true
			c.queue = nil
			c.mu.Unlock()
			if onDead != nil {
				onDead(c.id, err)
			}
			return
		}
	}
}
