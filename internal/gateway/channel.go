package gateway

import (
	"context"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/livescribe/internal/session"
)

var _ session.Channel = (*wsChannel)(nil)

// wsChannel is the outbound half of one client WebSocket.
type wsChannel struct {
	id   string
	conn *websocket.Conn
}

func newWSChannel(conn *websocket.Conn) *wsChannel {
	return &wsChannel{id: uuid.NewString(), conn: conn}
}

func (c *wsChannel) ID() string { return c.id }

// Send writes msg as one text message.
func (c *wsChannel) Send(ctx context.Context, msg []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, msg)
}

// Close ends the connection with a policy-violation status. It is used when
// a newer connection takes the session over.
func (c *wsChannel) Close(reason string) error {
	return c.conn.Close(websocket.StatusPolicyViolation, reason)
}
