// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/opal-project/opal/pubsub/transport"
	"github.com/opal-project/opal/sdk"
	"github.com/opal-project/opal/sdk/helper/uuid"
	"github.com/opal-project/opal/server/auth"
	"github.com/opal-project/opal/server/bundle"
	"github.com/opal-project/opal/server/webhook"
)

// maxRequestBody caps inbound request bodies.
const maxRequestBody = 1 << 20

// healthRes is the response of the health endpoint.
type healthRes struct {
	OK     bool   `json:"ok"`
	Status Status `json:"status"`
}

// getHealth reports process aliveness plus policy source readiness.
func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) (interface{}, error) {
	if r.Method != http.MethodGet {
		return nil, newCodedError(http.StatusMethodNotAllowed, errInvalidMethod)
	}

	if atomic.LoadInt32(&s.aliveness) != healthAlivenessReady {
		return nil, newCodedError(http.StatusServiceUnavailable, "server is shutting down")
	}

	return healthRes{OK: true, Status: s.backend.Status()}, nil
}

// getPolicy serves a policy bundle against the current revision. Repeatable
// path query parameters scope the bundle to those repository subtrees. The
// base_hash query parameter requests a delta; an unknown base answers 404
// so the client falls back to a complete bundle.
func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) (interface{}, error) {
	if r.Method != http.MethodGet {
		return nil, newCodedError(http.StatusMethodNotAllowed, errInvalidMethod)
	}

	query := r.URL.Query()
	baseHash := query.Get("base_hash")

	b, err := s.backend.PolicyBundle(query["path"], baseHash)
	switch {
	case err == nil:
		return b, nil
	case errors.Is(err, ErrSourceNotReady):
		return nil, newCodedError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, bundle.ErrCommitNotFound):
		return nil, newCodedError(http.StatusNotFound, err.Error())
	default:
		return nil, err
	}
}

// getDataConfig lists the data sources clients bootstrap from. POST is
// accepted alongside GET for tooling that always POSTs.
func (s *Server) getDataConfig(w http.ResponseWriter, r *http.Request) (interface{}, error) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		return nil, newCodedError(http.StatusMethodNotAllowed, errInvalidMethod)
	}
	return s.backend.DataSourceConfig(), nil
}

// dataUpdateRes acknowledges an accepted data update.
type dataUpdateRes struct {
	Status string `json:"status"`
	ID     string `json:"id"`
}

// postDataUpdate accepts a data update and fans it out to subscribed
// clients.
func (s *Server) postDataUpdate(w http.ResponseWriter, r *http.Request) (interface{}, error) {
	if r.Method != http.MethodPost {
		return nil, newCodedError(http.StatusMethodNotAllowed, errInvalidMethod)
	}

	var update sdk.DataUpdate
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&update); err != nil {
		return nil, newCodedError(http.StatusBadRequest, fmt.Sprintf("failed to decode data update: %v", err))
	}
	if update.ID == "" {
		update.ID = uuid.Generate()
	}
	if err := update.Validate(); err != nil {
		return nil, newCodedError(http.StatusBadRequest, err.Error())
	}

	if err := s.backend.PublishDataUpdate(&update); err != nil {
		return nil, err
	}
	return dataUpdateRes{Status: "ok", ID: update.ID}, nil
}

// getClients lists the connected websocket clients.
func (s *Server) getClients(w http.ResponseWriter, r *http.Request) (interface{}, error) {
	if r.Method != http.MethodGet {
		return nil, newCodedError(http.StatusMethodNotAllowed, errInvalidMethod)
	}

	clients := s.backend.Clients()
	if clients == nil {
		clients = []transport.ClientInfo{}
	}
	return clients, nil
}

// tokenReq asks for a signed client token.
type tokenReq struct {
	Claims map[string]interface{} `json:"claims"`
	TTL    string                 `json:"ttl"`
}

// tokenRes carries the minted token.
type tokenRes struct {
	Token string `json:"token"`
}

// postToken mints a client token. Only master token holders may mint.
func (s *Server) postToken(w http.ResponseWriter, r *http.Request) (interface{}, error) {
	if r.Method != http.MethodPost {
		return nil, newCodedError(http.StatusMethodNotAllowed, errInvalidMethod)
	}
	if s.signer == nil {
		return nil, newCodedError(http.StatusServiceUnavailable, "token signing is disabled")
	}
	if s.masterVerifier == nil {
		return nil, newCodedError(http.StatusForbidden, "token minting is not enabled")
	}
	if _, err := s.bearerClaims(r, s.masterVerifier); err != nil {
		return nil, err
	}

	var req tokenReq
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		return nil, newCodedError(http.StatusBadRequest, fmt.Sprintf("failed to decode token request: %v", err))
	}

	var ttl time.Duration
	if req.TTL != "" {
		var err error
		if ttl, err = time.ParseDuration(req.TTL); err != nil {
			return nil, newCodedError(http.StatusBadRequest, fmt.Sprintf("invalid ttl: %v", err))
		}
	}

	token, err := s.signer.SignToken(req.Claims, ttl)
	if err != nil {
		return nil, newCodedError(http.StatusBadRequest, err.Error())
	}
	return tokenRes{Token: token}, nil
}

// getJWKS serves the verification keys for tokens this server minted.
func (s *Server) getJWKS(w http.ResponseWriter, r *http.Request) (interface{}, error) {
	if r.Method != http.MethodGet {
		return nil, newCodedError(http.StatusMethodNotAllowed, errInvalidMethod)
	}
	return auth.NewJWKS(s.signer.PublicKey(), s.signer.KeyID()), nil
}

// webhookRes acknowledges a webhook delivery.
type webhookRes struct {
	Status string `json:"status"`
}

// postWebhook validates a VCS change notification and triggers a source
// sync when it concerns the tracked repository. Notifications for other
// repositories are acknowledged without action.
func (s *Server) postWebhook(w http.ResponseWriter, r *http.Request) (interface{}, error) {
	if r.Method != http.MethodPost {
		return nil, newCodedError(http.StatusMethodNotAllowed, errInvalidMethod)
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return nil, newCodedError(http.StatusBadRequest, "failed to read webhook body")
	}

	if err := s.webhookValidator.Authenticate(r, body); err != nil {
		return nil, newCodedError(http.StatusUnauthorized, err.Error())
	}

	if err := s.webhookValidator.MatchesTrackedRepo(body); err != nil {
		if errors.Is(err, webhook.ErrUnrelatedRepo) {
			s.log.Debug("ignoring webhook for unrelated repository")
			return webhookRes{Status: "ignored"}, nil
		}
		return nil, err
	}

	s.backend.HandleWebhook()
	return webhookRes{Status: "ok"}, nil
}
