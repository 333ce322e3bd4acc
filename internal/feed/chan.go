package feed

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadySubscribed is returned when a single-subscriber feed already has a handler.
var ErrAlreadySubscribed = errors.New("feed: already subscribed")

// Chan is an in-process Feed backed by a channel. It delivers to one
// subscriber at a time, in publish order.
type Chan struct {
	samples chan *Sample

	mu     sync.Mutex
	active bool
}

// NewChan creates a Chan buffering up to buffer samples.
func NewChan(buffer int) *Chan {
	return &Chan{samples: make(chan *Sample, buffer)}
}

// Publish queues s for the subscriber. A nil sample is the "no data" marker.
func (c *Chan) Publish(ctx context.Context, s *Sample) error {
	select {
	case c.samples <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe starts delivering queued samples to handler.
func (c *Chan) Subscribe(handler Handler) (Unsubscribe, error) {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return nil, ErrAlreadySubscribed
	}
	c.active = true
	c.mu.Unlock()

	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case s := <-c.samples:
				handler(s)
			}
		}
	}()

	var once sync.Once
	return func() error {
		once.Do(func() {
			close(stop)
			<-done
			c.mu.Lock()
			c.active = false
			c.mu.Unlock()
		})
		return nil
	}, nil
}
