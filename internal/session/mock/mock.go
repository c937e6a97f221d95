// Package mock provides test doubles for the session package interfaces.
//
// Channel records every message sent to it and can be told to fail:
//
//	ch := &mock.Channel{Name: "a"}
//	slot.Swap(ch)
//	...
//	msgs := ch.Messages()
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livescribe/internal/session"
)

// Channel is a mock implementation of session.Channel.
type Channel struct {
	mu sync.Mutex

	// Name is returned by ID.
	Name string

	// SendErr, if non-nil, is returned by every Send call instead of
	// recording the message.
	SendErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// Block, if non-nil, makes Send wait until the channel is closed or ctx
	// is done; in the latter case ctx.Err() is returned.
	Block chan struct{}

	messages     [][]byte
	closeReasons []string
	sent         chan struct{}
}

// ID returns Name.
func (c *Channel) ID() string { return c.Name }

// Send records a copy of msg and returns SendErr.
func (c *Channel) Send(ctx context.Context, msg []byte) error {
	c.mu.Lock()
	block := c.Block
	c.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return c.SendErr
	}
	cp := make([]byte, len(msg))
	copy(cp, msg)
	c.messages = append(c.messages, cp)
	if c.sent != nil {
		select {
		case c.sent <- struct{}{}:
		default:
		}
	}
	return nil
}

// Close records reason and returns CloseErr.
func (c *Channel) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeReasons = append(c.closeReasons, reason)
	return c.CloseErr
}

// Messages returns copies of all successfully sent messages in order.
func (c *Channel) Messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.messages))
	copy(out, c.messages)
	return out
}

// CloseReasons returns the reasons passed to Close in order.
func (c *Channel) CloseReasons() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.closeReasons...)
}

// Sent returns a channel that receives a value after each successful Send
// (coalesced if the receiver falls behind).
func (c *Channel) Sent() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sent == nil {
		c.sent = make(chan struct{}, 1)
	}
	return c.sent
}

// Ensure Channel implements session.Channel at compile time.
var _ session.Channel = (*Channel)(nil)
