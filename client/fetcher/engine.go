// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/opal-project/opal/sdk"
	"github.com/opal-project/opal/sdk/helper/backoff"
)

const (
	defaultWorkers        = 8
	defaultQueueSize      = 64
	defaultEnqueueTimeout = 10 * time.Second
	defaultRetryMax       = 3
)

// ErrQueueFull is returned by Enqueue when the queue stays full past the
// backpressure timeout.
var ErrQueueFull = fmt.Errorf("fetch queue is full")

var (
	fetchCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opal_client_fetches_total",
		Help: "Fetch tasks completed, labelled by outcome.",
	}, []string{"outcome"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "opal_client_fetch_queue_depth",
		Help: "Fetch tasks waiting for a worker.",
	})
)

// Result carries the outcome of one fetch task back to its submitter.
type Result struct {
	Event sdk.FetchEvent
	Data  json.RawMessage
	Err   error
}

// Callback receives the result of a fetch task. It is invoked from a worker
// goroutine and must not block for long.
type Callback func(Result)

type task struct {
	event    sdk.FetchEvent
	callback Callback
}

// EngineConfig configures the fetch engine.
type EngineConfig struct {
	Logger   hclog.Logger
	Registry *Registry

	// Workers bounds the number of concurrent fetches.
	Workers int

	// QueueSize bounds the number of tasks waiting for a worker.
	QueueSize int

	// EnqueueTimeout is how long Enqueue blocks on a full queue before
	// giving up.
	EnqueueTimeout time.Duration

	// RetryMax bounds retries per task after the initial attempt.
	RetryMax int

	// OnFailure, when set, is called once per task that exhausted its
	// retries, after the task's callback.
	OnFailure func(event sdk.FetchEvent, err error)
}

// Engine runs fetch tasks through a bounded worker pool. Submitters feel
// backpressure through Enqueue rather than the engine growing without bound.
type Engine struct {
	logger    hclog.Logger
	registry  *Registry
	queue     chan task
	workers   int
	timeout   time.Duration
	retryMax  int
	onFailure func(sdk.FetchEvent, error)
}

// NewEngine validates the config and builds the engine. Run must be called
// before Enqueue will make progress.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("fetch engine requires a provider registry")
	}
	if cfg.Workers < 0 || cfg.QueueSize < 0 {
		return nil, fmt.Errorf("fetch engine worker and queue sizes must not be negative")
	}

	if cfg.Workers == 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.EnqueueTimeout == 0 {
		cfg.EnqueueTimeout = defaultEnqueueTimeout
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = defaultRetryMax
	}

	return &Engine{
		logger:    cfg.Logger.Named("fetch_engine"),
		registry:  cfg.Registry,
		queue:     make(chan task, cfg.QueueSize),
		workers:   cfg.Workers,
		timeout:   cfg.EnqueueTimeout,
		retryMax:  cfg.RetryMax,
		onFailure: cfg.OnFailure,
	}, nil
}

// Run starts the worker pool and blocks until the context is cancelled. On
// shutdown each worker drains tasks still queued, failing them with the
// context error so no callback is silently dropped.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Debug("starting fetch workers", "workers", e.workers)

	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.worker(ctx)
		}()
	}
	wg.Wait()
	e.logger.Debug("fetch workers stopped")
}

// Enqueue submits a task, blocking while the queue is full. It fails with
// ErrQueueFull once the backpressure timeout elapses, or with the context
// error if the caller gives up first.
func (e *Engine) Enqueue(ctx context.Context, event sdk.FetchEvent, cb Callback) error {
	t := time.NewTimer(e.timeout)
	defer t.Stop()

	select {
	case e.queue <- task{event: event, callback: cb}:
		queueDepth.Inc()
		return nil
	case <-t.C:
		return fmt.Errorf("%w: gave up after %s", ErrQueueFull, e.timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueURL submits a plain GET of the given URL through the default
// provider.
func (e *Engine) EnqueueURL(ctx context.Context, id, url string, cb Callback) error {
	return e.Enqueue(ctx, sdk.FetchEvent{ID: id, FetcherName: sdk.DefaultFetcherName, URL: url}, cb)
}

func (e *Engine) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			e.drain(ctx)
			return
		case t := <-e.queue:
			queueDepth.Dec()
			e.process(ctx, t)
		}
	}
}

// drain fails everything still queued at shutdown.
func (e *Engine) drain(ctx context.Context) {
	for {
		select {
		case t := <-e.queue:
			queueDepth.Dec()
			e.finish(t, Result{Event: t.event, Err: ctx.Err()})
		default:
			return
		}
	}
}

func (e *Engine) process(ctx context.Context, t task) {
	provider, err := e.registry.Get(t.event.FetcherName)
	if err != nil {
		e.finish(t, Result{Event: t.event, Err: err})
		return
	}

	retry := backoff.New(250*time.Millisecond, 5*time.Second)

	var data json.RawMessage
	for attempt := 0; ; attempt++ {
		data, err = provider.Fetch(ctx, t.event)
		if err == nil {
			break
		}

		e.logger.Warn("fetch attempt failed", "id", t.event.ID,
			"url", t.event.URL, "attempt", attempt+1, "error", err)

		if attempt >= e.retryMax {
			err = fmt.Errorf("fetch of %s failed after %d attempts: %w",
				t.event.URL, attempt+1, err)
			break
		}
		if waitErr := retry.Wait(ctx, attempt); waitErr != nil {
			err = waitErr
			break
		}
	}

	e.finish(t, Result{Event: t.event, Data: data, Err: err})
}

func (e *Engine) finish(t task, res Result) {
	outcome := "success"
	if res.Err != nil {
		outcome = "failure"
	}
	fetchCounter.WithLabelValues(outcome).Inc()

	if t.callback != nil {
		t.callback(res)
	}
	if res.Err != nil && e.onFailure != nil {
		e.onFailure(res.Event, res.Err)
	}
}
