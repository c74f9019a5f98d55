// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/opal-project/opal/pubsub"
	"github.com/opal-project/opal/sdk/helper/uuid"
)

const (
	// ClientIDQueryParam lets a client pin its server-side identity across
	// reconnects. Without it the identity is derived from the remote
	// address.
	ClientIDQueryParam = "__opal_client_id"

	// writeWait bounds a single websocket write.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent before it is
	// considered dead; pings are sent at pingPeriod to keep it alive.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// outboundBuffer bounds the per-connection send queue.
	outboundBuffer = 256
)

// TokenVerifier validates a bearer token and returns its claims. The
// endpoint treats a nil verifier as development mode and admits every
// connection with empty claims.
type TokenVerifier interface {
	Verify(token string) (map[string]interface{}, error)
}

// Endpoint serves GET /ws, exposing the notifier to remote clients over an
// authenticated websocket.
type Endpoint struct {
	logger      hclog.Logger
	notifier    *pubsub.Notifier
	broadcaster pubsub.Broadcaster
	verifier    TokenVerifier
	tracker     *ClientTracker
	upgrader    websocket.Upgrader
}

// NewEndpoint wires the endpoint to its collaborators. verifier may be nil.
func NewEndpoint(logger hclog.Logger, n *pubsub.Notifier, b pubsub.Broadcaster, verifier TokenVerifier, tracker *ClientTracker) *Endpoint {
	return &Endpoint{
		logger:      logger.Named("ws_endpoint"),
		notifier:    n,
		broadcaster: b,
		verifier:    verifier,
		tracker:     tracker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP authenticates the request, upgrades it, and runs the RPC loop
// until the connection drops.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := e.authenticate(r)
	if err != nil {
		e.logger.Warn("rejecting websocket connection", "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	clientID := r.URL.Query().Get(ClientIDQueryParam)
	if clientID == "" {
		clientID = r.RemoteAddr
	}

	ws, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Error("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	conn := &serverConn{
		endpoint: e,
		logger:   e.logger.With("client_id", clientID),
		ws:       ws,
		connID:   clientID + connIDSeparator + uuid.Generate()[:8],
		clientID: clientID,
		claims:   claims,
		outbound: make(chan Frame, outboundBuffer),
		closed:   make(chan struct{}),
	}

	e.tracker.Connect(clientID, r.RemoteAddr)
	go conn.writeLoop()
	conn.readLoop()
}

func (e *Endpoint) authenticate(r *http.Request) (map[string]interface{}, error) {
	if e.verifier == nil {
		return nil, nil
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return e.verifier.Verify(token)
}

// serverConn is the per-connection state of the endpoint.
type serverConn struct {
	endpoint *Endpoint
	logger   hclog.Logger
	ws       *websocket.Conn

	connID   string
	clientID string
	claims   map[string]interface{}

	outbound chan Frame
	closed   chan struct{}
}

func (c *serverConn) readLoop() {
	defer c.teardown()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var frame Frame
		if err := c.ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket closed unexpectedly", "error", err)
			}
			return
		}

		if err := frame.Validate(); err != nil {
			c.logger.Warn("discarding malformed frame", "error", err)
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *serverConn) handleFrame(frame Frame) {
	switch frame.Type {
	case FrameSubscribe:
		err := c.endpoint.notifier.Subscribe(c.connID, c.claims, frame.Topics, c.notify)
		c.reply(frame.ID, err)

	case FrameUnsubscribe:
		c.endpoint.notifier.Unsubscribe(c.connID, frame.Topics...)
		c.reply(frame.ID, nil)

	case FramePublish:
		err := c.endpoint.broadcaster.Publish(frame.Topics, json.RawMessage(frame.Data))
		c.reply(frame.ID, err)

	default:
		c.logger.Warn("unexpected frame type from client", "type", frame.Type)
	}
}

// notify is the notifier handler for every subscription owned by this
// connection. It must never block the notifier's delivery goroutine.
func (c *serverConn) notify(topic string, data json.RawMessage) {
	select {
	case c.outbound <- Frame{Type: FrameNotify, Topic: topic, Data: data}:
	case <-c.closed:
	default:
		c.logger.Warn("outbound queue full, dropping notification", "topic", topic)
	}
}

func (c *serverConn) reply(id string, err error) {
	frame := ackFrame(id)
	if err != nil {
		frame = errorFrame(id, err.Error())
	}
	select {
	case c.outbound <- frame:
	case <-c.closed:
	}
}

func (c *serverConn) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case frame := <-c.outbound:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(frame); err != nil {
				c.logger.Debug("websocket write failed", "error", err)
				c.ws.Close()
				return
			}

		case <-ping.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.ws.Close()
				return
			}

		case <-c.closed:
			return
		}
	}
}

// teardown runs once when the read loop exits: all subscriptions owned by
// the connection are destroyed and the tracker reference is dropped.
func (c *serverConn) teardown() {
	close(c.closed)
	c.ws.Close()
	c.endpoint.notifier.Unsubscribe(c.connID)
	c.endpoint.tracker.Disconnect(c.clientID)
	c.logger.Debug("connection closed")
}
