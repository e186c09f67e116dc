// Package stream connects the live buffers to a probe result feed and
// serializes every mutation of the series store and outage tracker.
package stream

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/saveenergy/egresswatch/pkg/errors"
	"github.com/saveenergy/egresswatch/pkg/types"
)

// Client delivers raw feed frames, each a JSON types.Envelope. Events
// returns the channel for the current connection; it is closed by
// Disconnect, which detaches all five protocol channels at once.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Events() <-chan []byte
}

// LocalClient is an in-process Client. The embedded prober publishes
// into it and tests use it to inject frames.
type LocalClient struct {
	buffer    int
	events    chan []byte
	done      chan struct{}
	stop      func()
	connected bool
	detached  bool
	mu        sync.RWMutex
}

func NewLocalClient(buffer int) *LocalClient {
	if buffer < 0 {
		buffer = 0
	}
	c := &LocalClient{buffer: buffer}
	c.reset()
	return c
}

func (c *LocalClient) reset() {
	done := make(chan struct{})
	c.events = make(chan []byte, c.buffer)
	c.done = done
	c.stop = sync.OnceFunc(func() { close(done) })
	c.detached = false
}

func (c *LocalClient) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}
	if c.detached {
		c.reset()
	}
	c.connected = true
	return nil
}

func (c *LocalClient) Disconnect() error {
	c.mu.RLock()
	connected, stop := c.connected, c.stop
	c.mu.RUnlock()
	if !connected {
		return nil
	}
	// Release blocked senders so the write lock can be taken.
	stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		c.connected = false
		c.detached = true
		close(c.events)
	}
	return nil
}

func (c *LocalClient) Events() <-chan []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.events
}

// Emit queues a raw frame. It blocks while the buffer is full and fails
// with NOT_CONNECTED once the client is disconnected.
func (c *LocalClient) Emit(frame []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected {
		return errors.ErrNotConnected()
	}
	select {
	case c.events <- frame:
		return nil
	case <-c.done:
		return errors.ErrNotConnected()
	}
}

// Publish frames ev for protocol p and emits it.
func (c *LocalClient) Publish(p types.Protocol, ev types.ProbeEvent) error {
	env, err := types.NewEnvelope(p, ev)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.Emit(frame)
}
