// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opal-project/opal/pubsub"
)

// staticVerifier admits a single token with fixed claims.
type staticVerifier struct {
	token  string
	claims map[string]interface{}
}

func (v *staticVerifier) Verify(token string) (map[string]interface{}, error) {
	if token != v.token {
		return nil, fmt.Errorf("invalid token")
	}
	return v.claims, nil
}

type harness struct {
	notifier *pubsub.Notifier
	tracker  *ClientTracker
	srv      *httptest.Server
}

func newHarness(t *testing.T, verifier TokenVerifier) *harness {
	t.Helper()

	logger := hclog.NewNullLogger()
	notifier := pubsub.NewNotifier(logger)
	broadcaster := pubsub.NewLocalBroadcaster(notifier)
	tracker := NewClientTracker(logger, nil)
	notifier.AddObserver(tracker)

	endpoint := NewEndpoint(logger, notifier, broadcaster, verifier, tracker)
	srv := httptest.NewServer(endpoint)
	t.Cleanup(srv.Close)

	return &harness{notifier: notifier, tracker: tracker, srv: srv}
}

func (h *harness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http")
}

type received struct {
	topic string
	data  string
}

func collect(ch chan received) pubsub.Handler {
	return func(topic string, data json.RawMessage) {
		ch <- received{topic: topic, data: string(data)}
	}
}

func TestTransport_SubscribeNotifyRoundTrip(t *testing.T) {
	h := newHarness(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inbox := make(chan received, 16)
	client := NewClient(ClientConfig{
		Logger:    hclog.NewNullLogger(),
		ServerURL: h.wsURL(),
		ClientID:  "client-1",
		Topics:    []string{"policy_data"},
		Handler:   collect(inbox),
	})
	go client.Run(ctx)

	require.NoError(t, client.WaitReady(ctx))

	// A publish on a descendant topic reaches the ancestor subscription.
	require.NoError(t, h.notifier.Publish([]string{"policy_data/users"}, map[string]string{"reason": "sync"}))

	select {
	case msg := <-inbox:
		assert.Equal(t, "policy_data", msg.topic)
		assert.JSONEq(t, `{"reason":"sync"}`, msg.data)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestTransport_PublishFromClient(t *testing.T) {
	h := newHarness(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inbox := make(chan received, 16)
	subscriber := NewClient(ClientConfig{
		Logger:    hclog.NewNullLogger(),
		ServerURL: h.wsURL(),
		ClientID:  "subscriber",
		Topics:    []string{"policy_data"},
		Handler:   collect(inbox),
	})
	go subscriber.Run(ctx)
	require.NoError(t, subscriber.WaitReady(ctx))

	publisher := NewClient(ClientConfig{
		Logger:    hclog.NewNullLogger(),
		ServerURL: h.wsURL(),
		ClientID:  "publisher",
		Handler:   func(string, json.RawMessage) {},
	})
	go publisher.Run(ctx)
	require.NoError(t, publisher.WaitReady(ctx))

	require.NoError(t, publisher.Publish(ctx, []string{"policy_data"}, map[string]string{"k": "v"}))

	select {
	case msg := <-inbox:
		assert.Equal(t, "policy_data", msg.topic)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestTransport_SlowHandlerDoesNotStallConnection(t *testing.T) {
	h := newHarness(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	entered := make(chan struct{}, 1)
	gate := make(chan struct{})
	done := make(chan struct{}, 1)

	client := NewClient(ClientConfig{
		Logger:    hclog.NewNullLogger(),
		ServerURL: h.wsURL(),
		ClientID:  "client-1",
		Topics:    []string{"policy_data"},
		Handler: func(string, json.RawMessage) {
			entered <- struct{}{}
			<-gate
			done <- struct{}{}
		},
	})
	go client.Run(ctx)
	require.NoError(t, client.WaitReady(ctx))

	require.NoError(t, h.notifier.Publish([]string{"policy_data"}, map[string]string{"reason": "sync"}))

	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for handler to start")
	}

	// With the handler stuck, the connection must keep answering RPCs: a
	// handler running on the read loop would stall the ack and time this
	// publish out.
	rpcCtx, rpcCancel := context.WithTimeout(ctx, 3*time.Second)
	defer rpcCancel()
	require.NoError(t, client.Publish(rpcCtx, []string{"unrelated"}, map[string]string{"k": "v"}))

	close(gate)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for handler to finish")
	}
}

func TestTransport_UnauthorizedSubscription(t *testing.T) {
	verifier := &staticVerifier{
		token:  "good-token",
		claims: map[string]interface{}{"permitted_topics": []string{"policy:."}},
	}
	h := newHarness(t, verifier)
	h.notifier.SetRestriction(pubsub.PermittedTopicsRestriction)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := NewClient(ClientConfig{
		Logger:    hclog.NewNullLogger(),
		ServerURL: h.wsURL(),
		Token:     "good-token",
		ClientID:  "client-1",
		Topics:    []string{"policy:.", "secret"},
		Handler:   func(string, json.RawMessage) {},
	})
	go client.Run(ctx)

	// The subscribe RPC is rejected, so the client never becomes ready and
	// no subscription is registered server-side.
	waitCtx, waitCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer waitCancel()
	assert.Error(t, client.WaitReady(waitCtx))

	assert.Empty(t, h.notifier.SubscriberTopics("client-1"))
}

func TestTransport_BadTokenRejected(t *testing.T) {
	verifier := &staticVerifier{token: "good-token"}
	h := newHarness(t, verifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := NewClient(ClientConfig{
		Logger:    hclog.NewNullLogger(),
		ServerURL: h.wsURL(),
		Token:     "bad-token",
		ClientID:  "client-1",
		Handler:   func(string, json.RawMessage) {},
	})
	go client.Run(ctx)

	waitCtx, waitCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer waitCancel()
	assert.Error(t, client.WaitReady(waitCtx))
}

func TestClientTracker_Refcount(t *testing.T) {
	tracker := NewClientTracker(hclog.NewNullLogger(), nil)

	tracker.Connect("client-1", "10.0.0.1:4444")
	tracker.Connect("client-1", "10.0.0.1:4445")
	tracker.HandleSubscribe("client-1#aaaa", []string{"policy_data"})

	clients := tracker.List()
	require.Len(t, clients, 1)
	assert.Equal(t, 2, clients[0].RefCount)
	assert.Equal(t, "10.0.0.1", clients[0].SourceHost)
	assert.Equal(t, 4444, clients[0].SourcePort)
	assert.Equal(t, []string{"policy_data"}, clients[0].SubscribedTopics)

	tracker.Disconnect("client-1")
	require.Len(t, tracker.List(), 1)

	tracker.Disconnect("client-1")
	assert.Empty(t, tracker.List())
}

func TestClientTracker_StatsEvents(t *testing.T) {
	logger := hclog.NewNullLogger()
	notifier := pubsub.NewNotifier(logger)
	tracker := NewClientTracker(logger, pubsub.NewLocalBroadcaster(notifier))

	var mu sync.Mutex
	var events []string
	require.NoError(t, notifier.Subscribe("obs", nil, []string{"__opal_stats_add", "__opal_stats_rm"},
		func(topic string, _ json.RawMessage) {
			mu.Lock()
			events = append(events, topic)
			mu.Unlock()
		}))

	tracker.Connect("client-1", "10.0.0.1:4444")
	tracker.Disconnect("client-1")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, 2*time.Second, 10*time.Millisecond)
}
