// Package testutil holds test doubles shared by package tests.
package testutil

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// FakeConn records everything enqueued to it.
type FakeConn struct {
	id string

	mu     sync.Mutex
	sent   []json.RawMessage
	closed bool
}

func NewFakeConn() *FakeConn {
	return &FakeConn{id: uuid.NewString()}
}

func (c *FakeConn) ID() string { return c.id }

func (c *FakeConn) Enqueue(msg any) bool {
	raw, err := json.Marshal(msg)
	if err != nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.sent = append(c.sent, raw)
	return true
}

func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Envelope is a decoded outbound message.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (c *FakeConn) Messages() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Envelope, 0, len(c.sent))
	for _, raw := range c.sent {
		var env Envelope
		if err := json.Unmarshal(raw, &env); err == nil {
			out = append(out, env)
		}
	}
	return out
}

// OfType returns the messages of the given type in delivery order.
func (c *FakeConn) OfType(kind string) []Envelope {
	var out []Envelope
	for _, env := range c.Messages() {
		if env.Type == kind {
			out = append(out, env)
		}
	}
	return out
}

func (c *FakeConn) Types() []string {
	msgs := c.Messages()
	types := make([]string, 0, len(msgs))
	for _, env := range msgs {
		types = append(types, env.Type)
	}
	return types
}

func (c *FakeConn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}
