// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// OPAConfig configures the connection to the OPA REST API.
type OPAConfig struct {
	Logger hclog.Logger

	// Address of the OPA server, e.g. "http://127.0.0.1:8181".
	Address string

	// Token is sent as a bearer token when OPA runs with authz enabled.
	Token string

	// RetryMax bounds retries of transient failures per request.
	RetryMax int
}

// OPAStore implements Store against the OPA REST API.
type OPAStore struct {
	logger  hclog.Logger
	address string
	token   string
	client  *retryablehttp.Client
}

var _ Store = (*OPAStore)(nil)

// NewOPAStore builds the REST client. Transient failures and 5xx answers
// are retried; client errors such as a rejected policy are not.
func NewOPAStore(cfg OPAConfig) (*OPAStore, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("OPA store requires an address")
	}

	log := cfg.Logger.Named("opa_store")

	client := retryablehttp.NewClient()
	client.HTTPClient = cleanhttp.DefaultPooledClient()
	client.Logger = log
	client.RetryMax = cfg.RetryMax
	if cfg.RetryMax == 0 {
		client.RetryMax = 2
	}

	return &OPAStore{
		logger:  log,
		address: strings.TrimSuffix(cfg.Address, "/"),
		token:   cfg.Token,
		client:  client,
	}, nil
}

func (s *OPAStore) SetPolicy(ctx context.Context, policyID string, rego string) error {
	resp, err := s.do(ctx, http.MethodPut, s.policyURL(policyID), "text/plain", []byte(rego))
	if err != nil {
		return err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return s.statusError("set policy", policyID, resp)
	}
	return nil
}

func (s *OPAStore) DeletePolicy(ctx context.Context, policyID string) error {
	resp, err := s.do(ctx, http.MethodDelete, s.policyURL(policyID), "", nil)
	if err != nil {
		return err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrPolicyNotFound, policyID)
	default:
		return s.statusError("delete policy", policyID, resp)
	}
}

func (s *OPAStore) ListPolicies(ctx context.Context) ([]string, error) {
	resp, err := s.do(ctx, http.MethodGet, s.address+"/v1/policies", "", nil)
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, s.statusError("list policies", "", resp)
	}

	var body struct {
		Result []struct {
			ID string `json:"id"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode policy list: %w", err)
	}

	ids := make([]string, 0, len(body.Result))
	for _, p := range body.Result {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

func (s *OPAStore) SetData(ctx context.Context, path string, data interface{}) error {
	payload, err := marshalValue(data)
	if err != nil {
		return err
	}

	resp, err := s.do(ctx, http.MethodPut, s.dataURL(path), "application/json", payload)
	if err != nil {
		return err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return s.statusError("set data", path, resp)
	}
	return nil
}

func (s *OPAStore) PatchData(ctx context.Context, path string, patch interface{}) error {
	payload, err := marshalValue(patch)
	if err != nil {
		return err
	}

	resp, err := s.do(ctx, http.MethodPatch, s.dataURL(path), "application/json-patch+json", payload)
	if err != nil {
		return err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return s.statusError("patch data", path, resp)
	}
	return nil
}

func (s *OPAStore) DeleteData(ctx context.Context, path string) error {
	resp, err := s.do(ctx, http.MethodDelete, s.dataURL(path), "", nil)
	if err != nil {
		return err
	}
	defer drain(resp)

	// Deleting an absent document is not a failure.
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK &&
		resp.StatusCode != http.StatusNotFound {
		return s.statusError("delete data", path, resp)
	}
	return nil
}

func (s *OPAStore) GetData(ctx context.Context, path string) (json.RawMessage, error) {
	resp, err := s.do(ctx, http.MethodGet, s.dataURL(path), "", nil)
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, s.statusError("get data", path, resp)
	}

	var body struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode data response: %w", err)
	}
	return body.Result, nil
}

func (s *OPAStore) Evaluate(ctx context.Context, path string, input interface{}) (json.RawMessage, error) {
	payload, err := json.Marshal(map[string]interface{}{"input": input})
	if err != nil {
		return nil, fmt.Errorf("failed to encode evaluation input: %w", err)
	}

	resp, err := s.do(ctx, http.MethodPost, s.dataURL(path), "application/json", payload)
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, s.statusError("evaluate", path, resp)
	}

	var body struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode evaluation response: %w", err)
	}
	return body.Result, nil
}

func (s *OPAStore) do(ctx context.Context, method, rawURL, contentType string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build store request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("store request failed: %w", err)
	}
	return resp, nil
}

// policyURL escapes each id segment but keeps slashes, which OPA accepts
// as part of a policy id.
func (s *OPAStore) policyURL(policyID string) string {
	segments := strings.Split(policyID, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return s.address + "/v1/policies/" + strings.Join(segments, "/")
}

func (s *OPAStore) dataURL(path string) string {
	if path == "" || path == "/" {
		return s.address + "/v1/data"
	}
	return s.address + "/v1/data" + path
}

func (s *OPAStore) statusError(op, subject string, resp *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if subject != "" {
		return fmt.Errorf("failed to %s %s: store returned %d: %s", op, subject, resp.StatusCode, detail)
	}
	return fmt.Errorf("failed to %s: store returned %d: %s", op, resp.StatusCode, detail)
}

func marshalValue(v interface{}) ([]byte, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	if raw, ok := v.([]byte); ok {
		return raw, nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode store payload: %w", err)
	}
	return payload, nil
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
