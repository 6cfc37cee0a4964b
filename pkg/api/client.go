// Copyright 2013 The Gorilla WebSocket Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Signaling payloads carry SDP blobs.
	maxMessageSize = 64 * 1024
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
)

// Client is the session of one websocket connection. It carries the party the
// connection authenticated as and is the middleman between the socket and the Gateway.
type Client struct {
	id    string
	party Party

	gateway *Gateway

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages. Never closed; done signals shutdown.
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once

	// Written once before done is closed, read by the write pump after.
	closeCode   int
	closeReason string

	log *slog.Logger
}

func NewClient(gateway *Gateway, conn *websocket.Conn, party Party, bufferSize int, log *slog.Logger) *Client {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	id := uuid.NewString()
	return &Client{
		id:      id,
		party:   party,
		gateway: gateway,
		conn:    conn,
		send:    make(chan []byte, bufferSize),
		done:    make(chan struct{}),
		log:     log.With("partyId", party.Id, "connectionId", id),
	}
}

func (c *Client) Id() string { return c.id }

func (c *Client) Party() Party { return c.party }

// Send queues event for the write pump. A client too slow to drain its buffer is disconnected.
func (c *Client) Send(event OutgoingEvent) error {
	message, err := json.Marshal(event)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- message:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		c.log.Warn("Send buffer full, closing connection", "event", event.Event)
		c.Close(websocket.CloseTryAgainLater, "send buffer full")
		return ErrSendBufferFull
	}
}

// Close terminates the connection. Safe to call more than once and from any goroutine.
// It never blocks: the write pump sends the close frame and closes the socket.
func (c *Client) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode, c.closeReason = code, reason
		close(c.done)
	})
}

// ReadPump pumps messages from the ws connection to the Gateway.
//
// The application runs ReadPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine. Events of one connection are therefore handled in
// the order the client sent them.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.gateway.Close(c)
		c.Close(websocket.CloseNormalClosure, "")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn("Unable to set read deadline", "error", err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Info("Connection dropped", "error", err)
			}
			return
		}

		var incomingEvent IncomingEvent
		if err := json.Unmarshal(message, &incomingEvent); err != nil {
			c.gateway.reply(c, EventError, "", fmt.Errorf("%w: %v", ErrInvalidPayload, err))
			continue
		}

		c.gateway.Dispatch(ctx, c, incomingEvent)
	}
}

// WritePump pumps messages from the send buffer to the ws connection.
//
// A goroutine running WritePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			message := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
			if err := c.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait)); err != nil {
				c.log.Debug("Could not send close frame", "error", err)
			}
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
