package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/x402-foundation/payflow"
	"github.com/x402-foundation/payflow/facilitator"
	payflowhttp "github.com/x402-foundation/payflow/http"
	"github.com/x402-foundation/payflow/keys"
)

// failingSettler rejects every settlement attempt.
type failingSettler struct{}

func (failingSettler) Settle(context.Context, payflow.PaymentInstrument) (string, error) {
	return "", fmt.Errorf("backend down")
}

func startFacilitator(t *testing.T, settler facilitator.Settler) string {
	t.Helper()
	km, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate facilitator keys: %v", err)
	}
	t.Cleanup(km.Zero)

	srv, err := facilitator.NewServer(facilitator.NewService(km, settler))
	if err != nil {
		t.Fatalf("new facilitator server: %v", err)
	}
	if err := srv.Start(":0"); err != nil {
		t.Fatalf("start facilitator: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return srv.URL()
}

// paidResource is a resource server that challenges requests without a
// proof header and serves content once one arrives.
func paidResource(t *testing.T, amount payflow.Units) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var requests atomic.Int64
	nonce := uuid.NewString()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		proofHeader := r.Header.Get(payflow.HeaderPaymentProof)
		if proofHeader == "" {
			challenge := payflow.PaymentChallenge{
				PayTo:    "0xResourceOwner",
				Amount:   amount,
				Resource: r.URL.Path,
				Nonce:    nonce,
			}
			w.Header().Set(payflow.HeaderPaymentRequired, payflow.EncodeChallengeHeader(challenge))
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		proof, err := payflowhttp.ValidateAndDecodeProofHeader(proofHeader)
		if err != nil || proof.Nonce != nonce || proof.SettlementID == "" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		fmt.Fprint(w, "premium content")
	}))
	t.Cleanup(server.Close)
	return server, &requests
}

func testPayer(t *testing.T) *keys.KeyMaterial {
	t.Helper()
	km, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate payer keys: %v", err)
	}
	t.Cleanup(km.Zero)
	return km
}

func flowCode(t *testing.T, err error) string {
	t.Helper()
	var ferr *FlowError
	if !errors.As(err, &ferr) {
		t.Fatalf("error = %v, want *FlowError", err)
	}
	return ferr.Code
}

func TestRunHappyPath(t *testing.T) {
	resource, requests := paidResource(t, 1000)
	facilitatorURL := startFacilitator(t, nil)

	engine := NewEngine(Config{PollInterval: 10 * time.Millisecond})
	outcome, err := engine.Run(context.Background(), Request{
		ResourceURL:    resource.URL + "/premium",
		Amount:         1000,
		Payer:          testPayer(t),
		FacilitatorURL: facilitatorURL,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if outcome.State != StateCompleted {
		t.Errorf("state = %s, want %s", outcome.State, StateCompleted)
	}
	if !outcome.Paid {
		t.Error("outcome should be marked paid")
	}
	if string(outcome.Body) != "premium content" {
		t.Errorf("body = %q", outcome.Body)
	}
	if outcome.Record.Status != payflow.StatusSettled {
		t.Errorf("record status = %s", outcome.Record.Status)
	}
	if outcome.Proof.SettlementID != outcome.Record.SettlementID {
		t.Error("proof settlement id does not match record")
	}
	if outcome.SessionID == "" {
		t.Error("missing session id")
	}
	if got := requests.Load(); got != 2 {
		t.Errorf("resource requests = %d, want 2 (challenge + paid retry)", got)
	}
}

func TestRunFreeResource(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "free content")
	}))
	defer server.Close()

	engine := NewEngine(Config{})
	outcome, err := engine.Run(context.Background(), Request{
		ResourceURL:    server.URL,
		Amount:         1000,
		Payer:          testPayer(t),
		FacilitatorURL: "http://unused.invalid",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.State != StateCompleted || outcome.Paid {
		t.Errorf("outcome = %+v, want completed and unpaid", outcome)
	}
	if string(outcome.Body) != "free content" {
		t.Errorf("body = %q", outcome.Body)
	}
}

func TestRunAmountTooLow(t *testing.T) {
	resource, _ := paidResource(t, 1000)

	engine := NewEngine(Config{})
	_, err := engine.Run(context.Background(), Request{
		ResourceURL:    resource.URL,
		Amount:         500,
		Payer:          testPayer(t),
		FacilitatorURL: "http://unused.invalid",
	})
	if code := flowCode(t, err); code != ErrCodeAmountTooLow {
		t.Errorf("error code = %s, want %s", code, ErrCodeAmountTooLow)
	}
}

func TestRunFacilitatorUnreachable(t *testing.T) {
	resource, _ := paidResource(t, 100)

	// A facilitator that is not there: grab a port and close it.
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	engine := NewEngine(Config{
		MaxSubmitAttempts: 2,
		RetryBaseDelay:    5 * time.Millisecond,
		SubmitTimeout:     time.Second,
	})
	_, err := engine.Run(context.Background(), Request{
		ResourceURL:    resource.URL,
		Amount:         100,
		Payer:          testPayer(t),
		FacilitatorURL: deadURL,
	})
	if code := flowCode(t, err); code != ErrCodeFacilitatorUnreachable {
		t.Errorf("error code = %s, want %s", code, ErrCodeFacilitatorUnreachable)
	}
}

func TestRunPaymentRejected(t *testing.T) {
	resource, _ := paidResource(t, 100)
	facilitatorURL := startFacilitator(t, failingSettler{})

	engine := NewEngine(Config{PollInterval: 10 * time.Millisecond})
	_, err := engine.Run(context.Background(), Request{
		ResourceURL:    resource.URL,
		Amount:         100,
		Payer:          testPayer(t),
		FacilitatorURL: facilitatorURL,
	})
	if code := flowCode(t, err); code != ErrCodePaymentRejected {
		t.Errorf("error code = %s, want %s", code, ErrCodePaymentRejected)
	}
}

// slowFacilitator accepts submissions but leaves them pending until
// released, forcing clients into the settlement poll.
func slowFacilitator(t *testing.T) (*httptest.Server, *atomic.Bool) {
	t.Helper()
	var settled atomic.Bool

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/submit":
			var inst payflow.PaymentInstrument
			if err := json.NewDecoder(r.Body).Decode(&inst); err != nil {
				t.Errorf("decode instrument: %v", err)
			}
			json.NewEncoder(w).Encode(payflow.SettlementRecord{
				Nonce:  inst.Challenge.Nonce,
				Status: payflow.StatusPending,
			})
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/status/"):
			nonce := strings.TrimPrefix(r.URL.Path, "/status/")
			record := payflow.SettlementRecord{Nonce: nonce, Status: payflow.StatusPending}
			if settled.Load() {
				record.Status = payflow.StatusSettled
				record.SettlementID = "0xeventual"
			}
			json.NewEncoder(w).Encode(record)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)
	return server, &settled
}

func TestRunSettlementTimeout(t *testing.T) {
	resource, _ := paidResource(t, 100)
	facilitatorSrv, settled := slowFacilitator(t)

	engine := NewEngine(Config{
		SettleDeadline: 150 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
	})
	_, err := engine.Run(context.Background(), Request{
		ResourceURL:    resource.URL,
		Amount:         100,
		Payer:          testPayer(t),
		FacilitatorURL: facilitatorSrv.URL,
	})
	if code := flowCode(t, err); code != ErrCodeSettlementTimeout {
		t.Fatalf("error code = %s, want %s", code, ErrCodeSettlementTimeout)
	}

	// The client giving up leaves the facilitator-side record to reach
	// its own terminal state.
	settled.Store(true)
	client := payflowhttp.NewFacilitatorClient(&payflowhttp.FacilitatorConfig{URL: facilitatorSrv.URL})
	record, err := client.Status(context.Background(), "any")
	if err != nil {
		t.Fatalf("post-timeout status: %v", err)
	}
	if record.Status != payflow.StatusSettled {
		t.Errorf("post-timeout record status = %s, want %s", record.Status, payflow.StatusSettled)
	}
}

func TestRunCancelledWhileSettling(t *testing.T) {
	resource, _ := paidResource(t, 100)
	facilitatorSrv, _ := slowFacilitator(t)

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(50*time.Millisecond, cancel)
	defer timer.Stop()
	defer cancel()

	engine := NewEngine(Config{
		SettleDeadline: 5 * time.Second,
		PollInterval:   10 * time.Millisecond,
	})
	_, err := engine.Run(ctx, Request{
		ResourceURL:    resource.URL,
		Amount:         100,
		Payer:          testPayer(t),
		FacilitatorURL: facilitatorSrv.URL,
	})
	if code := flowCode(t, err); code != ErrCodeCancelled {
		t.Errorf("error code = %s, want %s", code, ErrCodeCancelled)
	}
}

func TestRunProtocolViolationOnErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	engine := NewEngine(Config{})
	_, err := engine.Run(context.Background(), Request{
		ResourceURL:    server.URL,
		Amount:         100,
		Payer:          testPayer(t),
		FacilitatorURL: "http://unused.invalid",
	})
	if code := flowCode(t, err); code != ErrCodeProtocolViolation {
		t.Errorf("error code = %s, want %s", code, ErrCodeProtocolViolation)
	}
}

func TestRunRepeatedChallengeIsProtocolViolation(t *testing.T) {
	// A buggy resource server that demands payment even with proof.
	nonce := uuid.NewString()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		challenge := payflow.PaymentChallenge{
			PayTo:    "0xOwner",
			Amount:   100,
			Resource: "/r",
			Nonce:    nonce,
		}
		w.Header().Set(payflow.HeaderPaymentRequired, payflow.EncodeChallengeHeader(challenge))
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer server.Close()

	facilitatorURL := startFacilitator(t, nil)

	engine := NewEngine(Config{PollInterval: 10 * time.Millisecond})
	_, err := engine.Run(context.Background(), Request{
		ResourceURL:    server.URL,
		Amount:         100,
		Payer:          testPayer(t),
		FacilitatorURL: facilitatorURL,
	})
	if code := flowCode(t, err); code != ErrCodeProtocolViolation {
		t.Errorf("error code = %s, want %s", code, ErrCodeProtocolViolation)
	}
}

func TestRunCancelled(t *testing.T) {
	resource, _ := paidResource(t, 100)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := NewEngine(Config{})
	_, err := engine.Run(ctx, Request{
		ResourceURL:    resource.URL,
		Amount:         100,
		Payer:          testPayer(t),
		FacilitatorURL: "http://unused.invalid",
	})
	if code := flowCode(t, err); code != ErrCodeCancelled {
		t.Errorf("error code = %s, want %s", code, ErrCodeCancelled)
	}
}

func TestStateTransitions(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateRequesting, StateChallengeReceived, true},
		{StateRequesting, StateCompleted, true},
		{StateRequesting, StateSettling, false},
		{StateChallengeReceived, StateInstrumentBuilt, true},
		{StateChallengeReceived, StateCompleted, false},
		{StateInstrumentBuilt, StateSubmitted, true},
		{StateSubmitted, StateSettling, true},
		{StateSettling, StateCompleted, true},
		{StateSettling, StateFailed, true},
		{StateCompleted, StateFailed, false},
		{StateFailed, StateRequesting, false},
		{StateFailed, StateFailed, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.ok {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}
