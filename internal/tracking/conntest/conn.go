// Package conntest provides an in-memory connection for exercising the
// tracking components without a network transport.
package conntest

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/example/ridetrack/internal/tracking/protocol"
)

var ErrClosed = errors.New("connection closed")

// Conn records every frame sent to it.
type Conn struct {
	id string

	mu          sync.Mutex
	sent        []protocol.Outbound
	closed      bool
	closeReason string
	pings       int
	pingErr     error
}

// New returns an open connection with a random id.
func New() *Conn {
	return &Conn{id: uuid.NewString()}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(msg protocol.Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *Conn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return c.pingErr
}

func (c *Conn) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.closeReason = reason
	return nil
}

// FailPings makes subsequent Ping calls return err.
func (c *Conn) FailPings(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingErr = err
}

func (c *Conn) Closed() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeReason
}

func (c *Conn) Pings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

// Sent returns a copy of all frames sent so far.
func (c *Conn) Sent() []protocol.Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Outbound(nil), c.sent...)
}

// Events returns only frames named event.
func (c *Conn) Events(event string) []protocol.Outbound {
	var out []protocol.Outbound
	for _, msg := range c.Sent() {
		if msg.Event == event {
			out = append(out, msg)
		}
	}
	return out
}

// Last returns the most recent frame named event.
func (c *Conn) Last(event string) (protocol.Outbound, bool) {
	events := c.Events(event)
	if len(events) == 0 {
		return protocol.Outbound{}, false
	}
	return events[len(events)-1], true
}
