// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package channel

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket constructs a channel that exchanges one message per websocket
// text frame on conn.
func WebSocket(conn *websocket.Conn) WebSocketChannel { return WebSocketChannel{conn: conn} }

// DialWebSocket opens a websocket to url and returns a channel for it.
func DialWebSocket(ctx context.Context, url string) (WebSocketChannel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return WebSocketChannel{}, err
	}
	return WebSocket(conn), nil
}

// A WebSocketChannel sends and receives messages on a websocket.
type WebSocketChannel struct {
	conn *websocket.Conn
}

// RemoteAddr reports the network address of the remote endpoint.
func (c WebSocketChannel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Send implements a method of the [switchboard.Channel] interface.
func (c WebSocketChannel) Send(msg []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// Recv implements a method of the [switchboard.Channel] interface.
func (c WebSocketChannel) Recv() ([]byte, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && (ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Close implements a method of the [switchboard.Channel] interface.
func (c WebSocketChannel) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}
