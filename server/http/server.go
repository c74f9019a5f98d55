// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

// Package http exposes the server's API: health, policy bundles, data
// source configuration, token issuing, webhook intake and the websocket
// pub/sub endpoint.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"sync/atomic"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opal-project/opal/pubsub/transport"
	"github.com/opal-project/opal/sdk"
	"github.com/opal-project/opal/server/auth"
	"github.com/opal-project/opal/server/config"
	"github.com/opal-project/opal/server/webhook"
)

const (
	// healthRoutePattern serves the structured health document, also on
	// "/" for load balancer probes.
	healthRoutePattern = "/healthcheck"

	// metricsRoutePattern serves Prometheus formatted metrics.
	metricsRoutePattern = "/v1/metrics"

	policyRoutePattern     = "/policy"
	dataConfigRoutePattern = "/data/config"
	dataUpdateRoutePattern = "/data/update"
	tokenRoutePattern      = "/token"
	webhookRoutePattern    = "/webhook"
	wsRoutePattern         = "/ws"
	jwksRoutePattern       = "/.well-known/jwks.json"
	clientsRoutePattern    = "/clients"

	// aliveness states for the health response.
	healthAlivenessReady = iota
	healthAlivenessUnavailable
)

// ErrSourceNotReady is returned by the backend while the policy source has
// not completed its first sync; it maps to 503 so clients retry.
var ErrSourceNotReady = errors.New("policy source not ready")

// Status is the backend state reported by the health endpoint.
type Status struct {
	Ready    bool   `json:"ready"`
	Revision string `json:"revision,omitempty"`
	Source   string `json:"policy_source,omitempty"`
}

// Backend is the interface the server agent implements to answer API
// requests.
type Backend interface {
	// Status reports source readiness for the health document.
	Status() Status

	// PolicyBundle builds a bundle against the current revision, scoped to
	// the requested repository paths; an empty paths list means the whole
	// configured tree. An empty baseHash requests a complete bundle. It
	// returns ErrSourceNotReady before the first sync and
	// bundle.ErrCommitNotFound for an unknown base.
	PolicyBundle(paths []string, baseHash string) (*sdk.PolicyBundle, error)

	// DataSourceConfig lists the data sources clients should fetch.
	DataSourceConfig() sdk.ServerDataSourceConfig

	// PublishDataUpdate validates and fans a data update out to
	// subscribed clients.
	PublishDataUpdate(update *sdk.DataUpdate) error

	// HandleWebhook reacts to an authenticated, matching VCS webhook.
	HandleWebhook()

	// Clients snapshots the connected websocket clients.
	Clients() []transport.ClientInfo
}

// ServerConfig bundles the collaborators the HTTP server exposes.
type ServerConfig struct {
	Logger      hclog.Logger
	HTTP        *config.HTTP
	EnableDebug bool

	Backend Backend

	// Signer enables the token and JWKS endpoints when set.
	Signer *auth.Signer

	// Verifier guards the API endpoints when set; nil leaves the API
	// open.
	Verifier auth.Verifier

	// MasterVerifier guards the token minting endpoint.
	MasterVerifier auth.Verifier

	// WebhookValidator enables the webhook endpoint when set.
	WebhookValidator *webhook.Validator

	// WSHandler is the websocket pub/sub endpoint.
	WSHandler http.Handler
}

type Server struct {
	log hclog.Logger
	ln  net.Listener
	mux *http.ServeMux
	srv *http.Server

	backend          Backend
	signer           *auth.Signer
	verifier         auth.Verifier
	masterVerifier   auth.Verifier
	webhookValidator *webhook.Validator

	// aliveness is set atomically using healthAlivenessReady and
	// healthAlivenessUnavailable.
	aliveness int32
}

// NewHTTPServer creates the server and binds its listener.
func NewHTTPServer(cfg ServerConfig) (*Server, error) {
	srv := &Server{
		log:              cfg.Logger.Named("http_server"),
		mux:              http.NewServeMux(),
		backend:          cfg.Backend,
		signer:           cfg.Signer,
		verifier:         cfg.Verifier,
		masterVerifier:   cfg.MasterVerifier,
		webhookValidator: cfg.WebhookValidator,
	}

	srv.mux.HandleFunc("/", srv.wrap(srv.getHealth))
	srv.mux.HandleFunc(healthRoutePattern, srv.wrap(srv.getHealth))
	srv.mux.Handle(metricsRoutePattern, promhttp.Handler())
	srv.mux.HandleFunc(policyRoutePattern, srv.wrap(srv.authenticated(srv.getPolicy)))
	srv.mux.HandleFunc(dataConfigRoutePattern, srv.wrap(srv.authenticated(srv.getDataConfig)))
	srv.mux.HandleFunc(dataUpdateRoutePattern, srv.wrap(srv.authenticated(srv.postDataUpdate)))
	srv.mux.HandleFunc(clientsRoutePattern, srv.wrap(srv.authenticated(srv.getClients)))

	// The token route is always registered; without a signer it answers
	// 503 so callers can tell "signing disabled" from "no such route".
	srv.mux.HandleFunc(tokenRoutePattern, srv.wrap(srv.postToken))
	if cfg.Signer != nil {
		srv.mux.HandleFunc(jwksRoutePattern, srv.wrap(srv.getJWKS))
	}
	if cfg.WebhookValidator != nil {
		srv.mux.HandleFunc(webhookRoutePattern, srv.wrap(srv.postWebhook))
	}
	if cfg.WSHandler != nil {
		srv.mux.Handle(wsRoutePattern, cfg.WSHandler)
	}

	if cfg.EnableDebug {
		srv.mux.HandleFunc("/debug/pprof/", pprof.Index)
		srv.mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		srv.mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		srv.mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		srv.mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv.srv = &http.Server{
		Addr:         fmt.Sprintf("%s:%v", cfg.HTTP.BindAddress, cfg.HTTP.BindPort),
		Handler:      srv.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	ln, err := net.Listen("tcp", srv.srv.Addr)
	if err != nil {
		return nil, fmt.Errorf("could not setup HTTP listener: %v", err)
	}
	srv.ln = ln

	return srv, nil
}

// Addr is the bound listener address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Start serves until Stop is called. It blocks and should be run via a
// go-routine.
func (s *Server) Start() {
	s.log.Info("server now listening for connections", "address", s.srv.Addr)

	atomic.StoreInt32(&s.aliveness, healthAlivenessReady)

	if err := s.srv.Serve(s.ln); err != nil && err != http.ErrServerClosed {
		atomic.StoreInt32(&s.aliveness, healthAlivenessUnavailable)
		s.log.Error("failed to serve HTTP", "addr", s.srv.Addr, "error", err)
	}
}

// Stop attempts to gracefully stop the HTTP server.
func (s *Server) Stop() {
	atomic.StoreInt32(&s.aliveness, healthAlivenessUnavailable)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.srv.SetKeepAlivesEnabled(false)

	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Error("could not gracefully shutdown HTTP server", "error", err)
	}
}

// wrap is a helper for all HTTP handler functions providing common
// functionality including logging and error handling.
func (s *Server) wrap(handler func(w http.ResponseWriter, r *http.Request) (interface{}, error)) func(w http.ResponseWriter, r *http.Request) {
	f := func(w http.ResponseWriter, r *http.Request) {

		start := time.Now()

		defer func() {
			s.log.Trace("request complete", "method", r.Method,
				"path", r.URL, "duration", time.Since(start))
		}()

		obj, err := handler(w, r)
		if err != nil {
			s.handleHTTPError(w, r, err)
			return
		}

		if obj != nil {
			var buf bytes.Buffer
			if err := json.NewEncoder(&buf).Encode(obj); err != nil {
				s.handleHTTPError(w, r, err)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(buf.Bytes())
		}
	}

	return f
}

// handleHTTPError sets response headers where required and ensures
// appropriate errors are logged.
func (s *Server) handleHTTPError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	errMsg := err.Error()

	if codedErr, ok := err.(codedError); ok {
		code = codedErr.Code()
	}

	w.WriteHeader(code)

	if _, wErr := w.Write([]byte(errMsg)); wErr != nil {
		s.log.Error("failed to write response error", "error", wErr)
	}
	s.log.Error("request failed", "method", r.Method, "path", r.URL, "error", errMsg, "code", code)
}

type handlerFn func(w http.ResponseWriter, r *http.Request) (interface{}, error)

// authenticated rejects requests without a valid bearer token when a
// verifier is configured.
func (s *Server) authenticated(next handlerFn) handlerFn {
	return func(w http.ResponseWriter, r *http.Request) (interface{}, error) {
		if s.verifier == nil {
			return next(w, r)
		}
		if _, err := s.bearerClaims(r, s.verifier); err != nil {
			return nil, err
		}
		return next(w, r)
	}
}

// bearerClaims extracts and verifies the Authorization bearer token.
func (s *Server) bearerClaims(r *http.Request, verifier auth.Verifier) (map[string]interface{}, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, newCodedError(http.StatusUnauthorized, "missing bearer token")
	}

	claims, err := verifier.Verify(token)
	if err != nil {
		return nil, newCodedError(http.StatusUnauthorized, "invalid bearer token")
	}
	return claims, nil
}
