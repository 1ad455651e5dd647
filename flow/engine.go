// Package flow drives the client side of the x402 payment flow as an
// explicit state machine: request, challenge, build, submit, settle,
// retry with proof.
package flow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/x402-foundation/payflow"
	payflowhttp "github.com/x402-foundation/payflow/http"
	"github.com/x402-foundation/payflow/keys"
)

// State is a session's position in the payment flow.
type State string

const (
	StateRequesting        State = "requesting"
	StateChallengeReceived State = "challenge_received"
	StateInstrumentBuilt   State = "instrument_built"
	StateSubmitted         State = "submitted"
	StateSettling          State = "settling"
	StateCompleted         State = "completed"
	StateFailed            State = "failed"
)

// CanTransition reports whether moving from s to next is a legal
// session transition. Failed is reachable from every non-terminal
// state; the success path admits no skips, so a second 402 after
// settlement is an illegal transition rather than a silent loop.
func (s State) CanTransition(next State) bool {
	if next == StateFailed {
		return s != StateCompleted && s != StateFailed
	}
	switch s {
	case StateRequesting:
		return next == StateChallengeReceived || next == StateCompleted
	case StateChallengeReceived:
		return next == StateInstrumentBuilt
	case StateInstrumentBuilt:
		return next == StateSubmitted
	case StateSubmitted:
		return next == StateSettling
	case StateSettling:
		return next == StateCompleted
	default:
		return false
	}
}

// FlowError codes.
const (
	ErrCodeProtocolViolation      = "protocol_violation"
	ErrCodeAmountTooLow           = "amount_too_low"
	ErrCodeResourceUnreachable    = "resource_unreachable"
	ErrCodeFacilitatorUnreachable = "facilitator_unreachable"
	ErrCodePaymentRejected        = "payment_rejected"
	ErrCodeSettlementTimeout      = "settlement_timeout"
	ErrCodeCancelled              = "cancelled"
)

// FlowError is the terminal failure of a session. It carries the last
// state reached and a one-line reason for diagnostics; it never
// includes signature or key material.
type FlowError struct {
	Code   string
	State  State
	Reason string
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("%s (state %s): %s", e.Code, e.State, e.Reason)
}

// Config holds the engine's timeouts and retry bounds. Each network
// interaction carries an independent timeout; exceeding any of them is
// a distinct reported failure, never a silent hang.
type Config struct {
	// ResourceTimeout bounds each request to the resource server.
	ResourceTimeout time.Duration

	// SubmitTimeout bounds each facilitator submit call.
	SubmitTimeout time.Duration

	// SettleDeadline bounds the overall settlement poll.
	SettleDeadline time.Duration

	// PollInterval is the settlement status poll cadence.
	PollInterval time.Duration

	// MaxSubmitAttempts bounds transport-level submit retries.
	// Protocol rejections are never retried.
	MaxSubmitAttempts int

	// RetryBaseDelay is the base for exponential submit backoff.
	RetryBaseDelay time.Duration

	// HTTPClient overrides the resource-server HTTP client (optional).
	HTTPClient *http.Client
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		ResourceTimeout:   10 * time.Second,
		SubmitTimeout:     30 * time.Second,
		SettleDeadline:    60 * time.Second,
		PollInterval:      200 * time.Millisecond,
		MaxSubmitAttempts: 3,
		RetryBaseDelay:    500 * time.Millisecond,
	}
}

// Request describes one payment flow session.
type Request struct {
	ResourceURL    string
	Amount         payflow.Units
	Payer          *keys.KeyMaterial
	FacilitatorURL string
}

// Outcome is the result of a completed session.
type Outcome struct {
	SessionID  string
	State      State
	StatusCode int
	Body       []byte
	Paid       bool
	Record     payflow.SettlementRecord
	Proof      payflow.PaymentProof
	Elapsed    time.Duration
}

// Engine runs payment flow sessions. A single session is sequential;
// callers may run many sessions concurrently on one engine since
// sessions share no mutable state.
type Engine struct {
	cfg        Config
	httpClient *http.Client
}

// NewEngine creates an engine. Zero-valued config fields fall back to
// DefaultConfig.
func NewEngine(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.ResourceTimeout <= 0 {
		cfg.ResourceTimeout = def.ResourceTimeout
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = def.SubmitTimeout
	}
	if cfg.SettleDeadline <= 0 {
		cfg.SettleDeadline = def.SettleDeadline
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxSubmitAttempts <= 0 {
		cfg.MaxSubmitAttempts = def.MaxSubmitAttempts
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.ResourceTimeout}
	}

	return &Engine{cfg: cfg, httpClient: httpClient}
}

// session is the engine-owned state of one run. It is destroyed when
// the outcome is reported to the caller.
type session struct {
	id       string
	state    State
	attempts int
}

func (s *session) transition(next State) error {
	if !s.state.CanTransition(next) {
		return fmt.Errorf("illegal session transition %s -> %s", s.state, next)
	}
	s.state = next
	return nil
}

// Run drives one session to a terminal state. On failure the returned
// error is a *FlowError carrying the last state reached. Cancellation
// via ctx between any two steps fails the session with cancelled; a
// facilitator-side record already submitted continues toward its own
// terminal state independently.
func (e *Engine) Run(ctx context.Context, req Request) (Outcome, error) {
	sess := &session{id: uuid.NewString(), state: StateRequesting}
	start := time.Now()

	fail := func(code, format string, args ...interface{}) (Outcome, error) {
		reason := fmt.Sprintf(format, args...)
		ferr := &FlowError{Code: code, State: sess.state, Reason: reason}
		sess.state = StateFailed
		return Outcome{SessionID: sess.id, State: StateFailed, Elapsed: time.Since(start)}, ferr
	}

	// Step 1: initial resource request.
	status, header, body, err := e.fetchResource(ctx, req.ResourceURL, "")
	if err != nil {
		if ctx.Err() != nil {
			return fail(ErrCodeCancelled, "cancelled during resource request")
		}
		return fail(ErrCodeResourceUnreachable, "resource request failed: %v", err)
	}

	if status != http.StatusPaymentRequired {
		if status >= 200 && status < 300 {
			// No payment needed.
			if err := sess.transition(StateCompleted); err != nil {
				return fail(ErrCodeProtocolViolation, "%v", err)
			}
			return Outcome{
				SessionID:  sess.id,
				State:      StateCompleted,
				StatusCode: status,
				Body:       body,
				Elapsed:    time.Since(start),
			}, nil
		}
		return fail(ErrCodeProtocolViolation, "resource returned %d before payment", status)
	}

	// Step 2: parse the challenge.
	challenge, err := payflow.ParseChallenge(status, header, body)
	if err != nil {
		return fail(ErrCodeProtocolViolation, "challenge parse failed: %v", err)
	}
	if err := sess.transition(StateChallengeReceived); err != nil {
		return fail(ErrCodeProtocolViolation, "%v", err)
	}
	if err := checkCancelled(ctx); err != nil {
		return fail(ErrCodeCancelled, "cancelled after challenge")
	}

	// Step 3: build the instrument. The caller-requested amount is
	// used only if it already satisfies the challenge.
	inst, err := payflow.BuildInstrument(challenge, req.Payer, req.Amount)
	if err != nil {
		var berr *payflow.BuildError
		if errors.As(err, &berr) && berr.Code == payflow.ErrCodeInsufficientAmount {
			return fail(ErrCodeAmountTooLow, "requested %d below required %d", req.Amount, challenge.Amount)
		}
		return fail(ErrCodeProtocolViolation, "instrument build failed: %v", err)
	}
	if err := sess.transition(StateInstrumentBuilt); err != nil {
		return fail(ErrCodeProtocolViolation, "%v", err)
	}
	if err := checkCancelled(ctx); err != nil {
		return fail(ErrCodeCancelled, "cancelled before submission")
	}

	// Step 4: submit with bounded transport retry.
	client := payflowhttp.NewFacilitatorClient(&payflowhttp.FacilitatorConfig{
		URL:     req.FacilitatorURL,
		Timeout: e.cfg.SubmitTimeout,
	})

	record, err := e.submitWithRetry(ctx, sess, client, inst)
	if err != nil {
		if ctx.Err() != nil {
			return fail(ErrCodeCancelled, "cancelled during submission")
		}
		var rerr *payflowhttp.RejectedError
		if errors.As(err, &rerr) {
			return fail(ErrCodePaymentRejected, "%s", rerr.Record.Reason)
		}
		return fail(ErrCodeFacilitatorUnreachable, "submit failed after %d attempts: %v", sess.attempts, err)
	}
	if err := sess.transition(StateSubmitted); err != nil {
		return fail(ErrCodeProtocolViolation, "%v", err)
	}
	if record.Status == payflow.StatusRejected {
		return fail(ErrCodePaymentRejected, "%s", record.Reason)
	}

	// Step 5: await settlement.
	if err := sess.transition(StateSettling); err != nil {
		return fail(ErrCodeProtocolViolation, "%v", err)
	}
	if record.Status != payflow.StatusSettled {
		record, err = e.awaitSettlement(ctx, client, challenge.Nonce)
		if err != nil {
			if ctx.Err() != nil {
				return fail(ErrCodeCancelled, "cancelled while awaiting settlement")
			}
			var rerr *payflowhttp.RejectedError
			if errors.As(err, &rerr) {
				return fail(ErrCodePaymentRejected, "%s", rerr.Record.Reason)
			}
			return fail(ErrCodeSettlementTimeout, "%v", err)
		}
	}

	// Step 6: retry the resource with proof of payment.
	proof := payflow.PaymentProof{Nonce: challenge.Nonce, SettlementID: record.SettlementID}
	status, _, body, err = e.fetchResource(ctx, req.ResourceURL, payflow.EncodeProofHeader(proof))
	if err != nil {
		if ctx.Err() != nil {
			return fail(ErrCodeCancelled, "cancelled during paid retry")
		}
		return fail(ErrCodeResourceUnreachable, "paid retry failed: %v", err)
	}
	if status == http.StatusPaymentRequired {
		return fail(ErrCodeProtocolViolation, "resource demanded payment again after settlement")
	}

	if err := sess.transition(StateCompleted); err != nil {
		return fail(ErrCodeProtocolViolation, "%v", err)
	}
	return Outcome{
		SessionID:  sess.id,
		State:      StateCompleted,
		StatusCode: status,
		Body:       body,
		Paid:       true,
		Record:     record,
		Proof:      proof,
		Elapsed:    time.Since(start),
	}, nil
}

// fetchResource issues one GET to the resource server, attaching the
// proof header when set.
func (e *Engine) fetchResource(ctx context.Context, url, proofHeader string) (int, http.Header, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.ResourceTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, nil, err
	}
	if proofHeader != "" {
		req.Header.Set(payflow.HeaderPaymentProof, proofHeader)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, err
	}
	return resp.StatusCode, resp.Header, body, nil
}

// submitWithRetry retries transport failures with exponential backoff
// up to MaxSubmitAttempts. Protocol rejections return immediately.
func (e *Engine) submitWithRetry(ctx context.Context, sess *session, client *payflowhttp.FacilitatorClient, inst payflow.PaymentInstrument) (payflow.SettlementRecord, error) {
	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxSubmitAttempts; attempt++ {
		sess.attempts++

		record, err := client.Submit(ctx, inst)
		if err == nil {
			return record, nil
		}
		if !payflowhttp.IsTransportError(err) {
			return payflow.SettlementRecord{}, err
		}
		lastErr = err

		if attempt < e.cfg.MaxSubmitAttempts-1 {
			delay := e.cfg.RetryBaseDelay * time.Duration(1<<uint(attempt))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return payflow.SettlementRecord{}, ctx.Err()
			}
		}
	}
	return payflow.SettlementRecord{}, lastErr
}

// awaitSettlement polls the facilitator until the record reaches a
// terminal state, bounded by SettleDeadline. The client giving up does
// not touch the facilitator-side record.
func (e *Engine) awaitSettlement(ctx context.Context, client *payflowhttp.FacilitatorClient, nonce string) (payflow.SettlementRecord, error) {
	deadline := time.NewTimer(e.cfg.SettleDeadline)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return payflow.SettlementRecord{}, ctx.Err()
		case <-deadline.C:
			return payflow.SettlementRecord{}, fmt.Errorf("settlement not terminal within %s", e.cfg.SettleDeadline)
		case <-ticker.C:
			record, err := client.Status(ctx, nonce)
			if err != nil {
				// Transient poll errors consume the deadline, not
				// the session.
				continue
			}
			switch record.Status {
			case payflow.StatusSettled:
				return record, nil
			case payflow.StatusRejected:
				return payflow.SettlementRecord{}, &payflowhttp.RejectedError{Record: record}
			}
		}
	}
}

func checkCancelled(ctx context.Context) error {
	return ctx.Err()
}
