// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/opal-project/opal/pubsub"
	"github.com/opal-project/opal/sdk"
	"github.com/opal-project/opal/sdk/helper/backoff"
	"github.com/opal-project/opal/sdk/helper/uuid"
)

const (
	// dialTimeout bounds a single connection attempt; the outer retry loop
	// is unbounded.
	dialTimeout = 10 * time.Second

	// rpcTimeout bounds a single subscribe/publish round trip.
	rpcTimeout = 10 * time.Second

	// reconnectMinWait and reconnectMaxWait bound the reconnect backoff.
	reconnectMinWait = time.Second
	reconnectMaxWait = 16 * time.Second

	// notifyBuffer bounds the queue between the read loop and the handler.
	// Notifications past a full queue are dropped; every policy or data
	// notification triggers a full sync, so a later one repairs the gap.
	notifyBuffer = 64
)

// ClientConfig holds everything needed to run a persistent pub/sub client.
type ClientConfig struct {
	Logger hclog.Logger

	// ServerURL is the websocket endpoint, e.g. ws://server:7002/ws.
	ServerURL string

	// Token is the bearer credential presented on connect; empty in
	// development mode.
	Token string

	// ClientID pins the server-side identity across reconnects.
	ClientID string

	// Topics is the full subscription list, re-registered on every
	// reconnect before any message is delivered.
	Topics []string

	// Handler receives inbound notifications. A scope prefix, when present
	// on the wire topic, is stripped before dispatch.
	Handler pubsub.Handler
}

// Client is a persistent authenticated websocket to the server with
// automatic reconnection and capped exponential backoff.
type Client struct {
	cfg    ClientConfig
	logger hclog.Logger

	backoff *backoff.Backoff

	// onConnect handlers run after every successful connect, once the RPC
	// channel is usable and subscriptions are re-registered.
	onConnect []func(ctx context.Context)

	mu      sync.Mutex
	session *clientSession
	readyCh chan struct{}
}

// NewClient builds a client; call Run to start it.
func NewClient(cfg ClientConfig) *Client {
	return &Client{
		cfg:     cfg,
		logger:  cfg.Logger.Named("pubsub_client"),
		backoff: backoff.New(reconnectMinWait, reconnectMaxWait),
		readyCh: make(chan struct{}),
	}
}

// OnConnect registers a handler invoked after every successful connect,
// first and subsequent. Must be called before Run.
func (c *Client) OnConnect(fn func(ctx context.Context)) {
	c.onConnect = append(c.onConnect, fn)
}

// Run maintains the connection until the context is cancelled.
func (c *Client) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		session, err := c.connect(ctx)
		if err != nil {
			c.logger.Warn("connection attempt failed", "error", err, "attempt", attempt)
			if werr := c.backoff.Wait(ctx, attempt); werr != nil {
				return
			}
			attempt++
			continue
		}
		attempt = 0

		session.run(ctx)
		c.becameNotReady()

		c.logger.Info("disconnected from server, reconnecting")
	}
}

// connect dials, starts the session loops, resubscribes the configured
// topics, and only then marks the client ready and fires connect handlers.
func (c *Client) connect(ctx context.Context) (*clientSession, error) {
	endpoint, err := c.endpointURL()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", endpoint, err)
	}

	session := &clientSession{
		client:   c,
		logger:   c.logger,
		ws:       ws,
		outbound: make(chan Frame, outboundBuffer),
		notify:   make(chan Frame, notifyBuffer),
		pending:  make(map[string]chan Frame),
		closed:   make(chan struct{}),
	}
	go session.readLoop()
	go session.writeLoop()
	go session.dispatchLoop()

	if len(c.cfg.Topics) > 0 {
		if err := session.call(ctx, Frame{Type: FrameSubscribe, Topics: c.cfg.Topics}); err != nil {
			session.close()
			return nil, fmt.Errorf("failed to resubscribe: %w", err)
		}
	}

	c.becameReady(session)
	c.logger.Info("connected to server", "topics", c.cfg.Topics)

	for _, fn := range c.onConnect {
		go fn(ctx)
	}
	return session, nil
}

// Publish is best-effort: it waits until the client is connected, then
// performs a publish RPC.
func (c *Client) Publish(ctx context.Context, topics []string, data interface{}) error {
	if err := c.WaitReady(ctx); err != nil {
		return err
	}

	raw, err := marshalJSON(data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return fmt.Errorf("not connected")
	}
	return session.call(ctx, Frame{Type: FramePublish, Topics: topics, Data: raw})
}

// WaitReady blocks until the client has a usable connection.
func (c *Client) WaitReady(ctx context.Context) error {
	c.mu.Lock()
	ready := c.readyCh
	c.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) becameReady(session *clientSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = session
	close(c.readyCh)
}

func (c *Client) becameNotReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = nil
	c.readyCh = make(chan struct{})
}

func (c *Client) endpointURL() (string, error) {
	u, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", c.cfg.ServerURL, err)
	}
	if c.cfg.ClientID != "" {
		q := u.Query()
		q.Set(ClientIDQueryParam, c.cfg.ClientID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// clientSession is the state of one live connection.
type clientSession struct {
	client *Client
	logger hclog.Logger
	ws     *websocket.Conn

	outbound chan Frame
	notify   chan Frame

	mu      sync.Mutex
	pending map[string]chan Frame

	closeOnce sync.Once
	closed    chan struct{}
}

// run blocks until the session ends, either through a transport failure or
// context cancellation.
func (s *clientSession) run(ctx context.Context) {
	select {
	case <-ctx.Done():
		s.close()
	case <-s.closed:
	}
}

func (s *clientSession) readLoop() {
	defer s.close()

	s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPingHandler(func(appData string) error {
		s.ws.SetReadDeadline(time.Now().Add(pongWait))
		s.ws.SetWriteDeadline(time.Now().Add(writeWait))
		return s.ws.WriteMessage(websocket.PongMessage, []byte(appData))
	})

	for {
		var frame Frame
		if err := s.ws.ReadJSON(&frame); err != nil {
			return
		}

		switch frame.Type {
		case FrameNotify:
			// Hand off to the dispatch loop so a slow handler cannot stall
			// ping replies and time the connection out.
			select {
			case s.notify <- frame:
			default:
				s.logger.Warn("notification queue full, dropping notification",
					"topic", frame.Topic)
			}

		case FrameAck, FrameError:
			s.resolve(frame)

		default:
			s.logger.Warn("unexpected frame type from server", "type", frame.Type)
		}
	}
}

// dispatchLoop delivers queued notifications to the handler, one at a time,
// off the read loop.
func (s *clientSession) dispatchLoop() {
	for {
		select {
		case frame := <-s.notify:
			// Strip an optional scope prefix before dispatch.
			_, bare := sdk.SplitScope(frame.Topic)
			s.client.cfg.Handler(bare, frame.Data)
		case <-s.closed:
			return
		}
	}
}

func (s *clientSession) writeLoop() {
	for {
		select {
		case frame := <-s.outbound:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteJSON(frame); err != nil {
				s.close()
				return
			}
		case <-s.closed:
			return
		}
	}
}

// call performs one RPC round trip and maps an error reply onto an error.
func (s *clientSession) call(ctx context.Context, frame Frame) error {
	frame.ID = uuid.Generate()

	replyCh := make(chan Frame, 1)
	s.mu.Lock()
	s.pending[frame.ID] = replyCh
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, frame.ID)
		s.mu.Unlock()
	}()

	select {
	case s.outbound <- frame:
	case <-s.closed:
		return fmt.Errorf("connection closed")
	case <-ctx.Done():
		return ctx.Err()
	}

	timeout := time.NewTimer(rpcTimeout)
	defer timeout.Stop()

	select {
	case reply := <-replyCh:
		if reply.Type == FrameError {
			return fmt.Errorf("server rejected %s: %s", frame.Type, reply.Error)
		}
		return nil
	case <-timeout.C:
		return fmt.Errorf("timed out waiting for %s reply", frame.Type)
	case <-s.closed:
		return fmt.Errorf("connection closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *clientSession) resolve(frame Frame) {
	s.mu.Lock()
	replyCh, ok := s.pending[frame.ID]
	s.mu.Unlock()
	if ok {
		replyCh <- frame
	}
}

func (s *clientSession) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.ws.Close()
	})
}

func marshalJSON(data interface{}) ([]byte, error) {
	switch v := data.(type) {
	case []byte:
		return v, nil
	default:
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		return raw, nil
	}
}
