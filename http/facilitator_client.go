// Package http provides the HTTP-side pieces of the payment flow: the
// client for remote facilitator services and validation helpers for
// inbound payment headers.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/x402-foundation/payflow"
)

// TransportError wraps a network-level failure talking to the
// facilitator. Callers may retry these; protocol-level rejections are
// never wrapped in it.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("facilitator unreachable: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RejectedError reports a facilitator-side rejection of a submission.
// It carries the record the facilitator returned.
type RejectedError struct {
	Record payflow.SettlementRecord
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("payment rejected: %s", e.Record.Reason)
}

// FacilitatorConfig configures the facilitator client.
type FacilitatorConfig struct {
	// URL is the base URL of the facilitator service.
	URL string

	// HTTPClient is the HTTP client to use (optional).
	HTTPClient *http.Client

	// Timeout for requests (optional, defaults to 30s).
	Timeout time.Duration
}

// FacilitatorClient talks to a facilitator service over HTTP.
type FacilitatorClient struct {
	url        string
	httpClient *http.Client
}

// NewFacilitatorClient creates a facilitator client.
func NewFacilitatorClient(config *FacilitatorConfig) *FacilitatorClient {
	if config == nil {
		config = &FacilitatorConfig{}
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &FacilitatorClient{
		url:        config.URL,
		httpClient: httpClient,
	}
}

// Health queries the facilitator liveness endpoint. A transport error
// within the client timeout is the caller's unavailability signal.
func (c *FacilitatorClient) Health(ctx context.Context) (payflow.HealthStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/health", nil)
	if err != nil {
		return payflow.HealthStatus{}, fmt.Errorf("create health request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return payflow.HealthStatus{}, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return payflow.HealthStatus{}, &TransportError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return payflow.HealthStatus{}, fmt.Errorf("facilitator health failed (%d): %s", resp.StatusCode, body)
	}

	var health payflow.HealthStatus
	if err := json.Unmarshal(body, &health); err != nil {
		return payflow.HealthStatus{}, fmt.Errorf("decode health response: %w", err)
	}
	return health, nil
}

// Submit posts an instrument for verification and settlement. The
// returned record reflects the facilitator's terminal decision for
// this attempt. Duplicate-nonce and malformed rejections surface as
// *RejectedError; network failures as *TransportError.
func (c *FacilitatorClient) Submit(ctx context.Context, inst payflow.PaymentInstrument) (payflow.SettlementRecord, error) {
	payload, err := json.Marshal(inst)
	if err != nil {
		return payflow.SettlementRecord{}, fmt.Errorf("marshal instrument: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/submit", bytes.NewReader(payload))
	if err != nil {
		return payflow.SettlementRecord{}, fmt.Errorf("create submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return payflow.SettlementRecord{}, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return payflow.SettlementRecord{}, &TransportError{Err: err}
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var record payflow.SettlementRecord
		if err := json.Unmarshal(body, &record); err != nil {
			return payflow.SettlementRecord{}, fmt.Errorf("decode submit response: %w", err)
		}
		return record, nil
	case http.StatusConflict:
		var record payflow.SettlementRecord
		if err := json.Unmarshal(body, &record); err != nil {
			record = payflow.SettlementRecord{
				Status: payflow.StatusRejected,
				Reason: payflow.ReasonDuplicateNonce,
			}
		}
		return record, &RejectedError{Record: record}
	case http.StatusBadRequest:
		return payflow.SettlementRecord{}, &RejectedError{Record: payflow.SettlementRecord{
			Status: payflow.StatusRejected,
			Reason: errorReason(body),
		}}
	default:
		return payflow.SettlementRecord{}, fmt.Errorf("facilitator submit failed (%d): %s", resp.StatusCode, body)
	}
}

// Status fetches the settlement record for nonce. Unknown nonces
// return payflow.ErrNonceNotFound.
func (c *FacilitatorClient) Status(ctx context.Context, nonce string) (payflow.SettlementRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/status/"+url.PathEscape(nonce), nil)
	if err != nil {
		return payflow.SettlementRecord{}, fmt.Errorf("create status request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return payflow.SettlementRecord{}, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return payflow.SettlementRecord{}, &TransportError{Err: err}
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var record payflow.SettlementRecord
		if err := json.Unmarshal(body, &record); err != nil {
			return payflow.SettlementRecord{}, fmt.Errorf("decode status response: %w", err)
		}
		return record, nil
	case http.StatusNotFound:
		return payflow.SettlementRecord{}, payflow.ErrNonceNotFound
	default:
		return payflow.SettlementRecord{}, fmt.Errorf("facilitator status failed (%d): %s", resp.StatusCode, body)
	}
}

// IsTransportError reports whether err is a retryable network failure.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func errorReason(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return "malformed instrument"
}
