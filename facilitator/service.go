package facilitator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/x402-foundation/payflow"
	"github.com/x402-foundation/payflow/keys"
)

// ErrDuplicateNonce is returned by Submit when a different instrument
// reuses a nonce already present in the ledger.
var ErrDuplicateNonce = errors.New(payflow.ReasonDuplicateNonce)

// Settler commits a verified instrument's transfer. Implementations
// stand in for the external ledger or chain backend and must be
// idempotent by nonce. A returned error marks the attempt retryable.
type Settler interface {
	Settle(ctx context.Context, inst payflow.PaymentInstrument) (settlementID string, err error)
}

// SimulatedSettler fabricates settlement ids in the shape of a
// transaction hash. It stands in for a real chain backend; the hash
// format carries no meaning beyond uniqueness.
type SimulatedSettler struct{}

func (SimulatedSettler) Settle(_ context.Context, _ payflow.PaymentInstrument) (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("settlement id generation: %w", err)
	}
	return "0x" + hex.EncodeToString(b[:]), nil
}

// Service verifies and settles payment instruments against the ledger.
// It survives any individual submission failure.
type Service struct {
	account     string
	ledger      *Ledger
	settler     Settler
	servedSince time.Time
}

// NewService creates a facilitator service operating as the account
// derived from km. A nil settler defaults to SimulatedSettler.
func NewService(km *keys.KeyMaterial, settler Settler) *Service {
	if settler == nil {
		settler = SimulatedSettler{}
	}
	return &Service{
		account:     km.AccountID(),
		ledger:      NewLedger(),
		settler:     settler,
		servedSince: time.Now().UTC(),
	}
}

// Health reports liveness. It always succeeds while the process is
// alive; absence of a response within the caller's timeout is the
// unavailability signal.
func (s *Service) Health() payflow.HealthStatus {
	return payflow.HealthStatus{
		Status:      "healthy",
		AccountID:   s.account,
		ServedSince: s.servedSince,
	}
}

// Status returns the ledger record for nonce.
func (s *Service) Status(nonce string) (payflow.SettlementRecord, error) {
	return s.ledger.Get(nonce)
}

// Submit runs an instrument through the verify/settle pipeline:
// duplicate-nonce check, signature check, amount check, Verified, then
// settlement. Byte-identical resubmissions return the original record
// (awaiting it if the first attempt is still in flight); a different
// instrument reusing the nonce gets ErrDuplicateNonce and the stored
// record stays untouched. A nonce with a Settled record is never
// settled twice.
func (s *Service) Submit(ctx context.Context, inst payflow.PaymentInstrument) (payflow.SettlementRecord, error) {
	nonce := inst.Challenge.Nonce
	if nonce == "" {
		return payflow.SettlementRecord{}, fmt.Errorf("instrument has no nonce")
	}

	key := SubmissionKey(inst)
	status, rec, done := s.ledger.Begin(nonce, key)
	switch status {
	case BeginDuplicate:
		return payflow.SettlementRecord{
			Nonce:       nonce,
			Status:      payflow.StatusRejected,
			Reason:      payflow.ReasonDuplicateNonce,
			SubmittedAt: time.Now().UTC(),
		}, ErrDuplicateNonce
	case BeginReplay:
		return rec, nil
	case BeginInFlight:
		return s.ledger.Await(ctx, nonce, done)
	}

	// BeginNew: this goroutine owns the nonce until Done.
	defer s.ledger.Done(nonce)

	if reason, ok := s.verify(inst); !ok {
		return s.reject(nonce, reason, false)
	}

	if err := s.ledger.Transition(nonce, payflow.StatusVerified, func(r *payflow.SettlementRecord) {
		r.Payer = inst.Payer
		r.PayTo = inst.Challenge.PayTo
		r.Resource = inst.Challenge.Resource
		r.Amount = inst.Amount
	}); err != nil {
		return payflow.SettlementRecord{}, err
	}

	settlementID, err := s.settler.Settle(ctx, inst)
	if err != nil {
		// Backend failure: terminal for this record, but the same
		// instrument may be resubmitted for a fresh attempt.
		return s.reject(nonce, fmt.Sprintf("settlement failed: %v", err), true)
	}

	if err := s.ledger.Transition(nonce, payflow.StatusSettled, func(r *payflow.SettlementRecord) {
		r.SettlementID = settlementID
		now := time.Now().UTC()
		r.SettledAt = &now
	}); err != nil {
		return payflow.SettlementRecord{}, err
	}

	return s.ledger.Get(nonce)
}

// verify runs the protocol-level checks. Failures here are terminal
// for the nonce and never retried.
func (s *Service) verify(inst payflow.PaymentInstrument) (reason string, ok bool) {
	if !payflow.VerifyInstrument(inst) {
		return payflow.ReasonBadSignature, false
	}
	if inst.Amount < inst.Challenge.Amount {
		return payflow.ReasonInsufficientAmount, false
	}
	return "", true
}

func (s *Service) reject(nonce, reason string, retryable bool) (payflow.SettlementRecord, error) {
	if err := s.ledger.Transition(nonce, payflow.StatusRejected, func(r *payflow.SettlementRecord) {
		r.Reason = reason
		r.Retryable = retryable
	}); err != nil {
		return payflow.SettlementRecord{}, err
	}
	return s.ledger.Get(nonce)
}
