// Package facilitator implements the long-running settlement service:
// an in-memory ledger of payment instruments keyed by nonce, the
// verify/settle submission pipeline and the HTTP server exposing it.
package facilitator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/x402-foundation/payflow"
)

// SubmissionKey creates a unique key from an instrument. Uses a SHA256
// hash of the instrument JSON, which includes the signature and nonce,
// so byte-identical client retries map to the same key while a
// different instrument reusing a nonce does not.
func SubmissionKey(inst payflow.PaymentInstrument) string {
	data, _ := json.Marshal(inst)
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// entry is the ledger's per-nonce state. The record only mutates while
// the entry is in-flight, and only by the goroutine that won Begin.
type entry struct {
	record   payflow.SettlementRecord
	key      string
	inFlight chan struct{}
}

// BeginStatus is the result of attempting to start a submission.
type BeginStatus int

const (
	// BeginNew means this submission owns the nonce and should proceed.
	BeginNew BeginStatus = iota
	// BeginReplay means a terminal record for the identical instrument
	// already exists and is returned unchanged.
	BeginReplay
	// BeginInFlight means another submission of the identical
	// instrument is being processed; wait on its channel.
	BeginInFlight
	// BeginDuplicate means a different instrument already holds this
	// nonce. The stored record is not disturbed.
	BeginDuplicate
)

// Ledger is the shared mutable state of the facilitator: a map from
// nonce to settlement record. Transitions on one nonce are serialized
// through in-flight ownership; unrelated nonces never block each other
// beyond the map lock itself.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{entries: make(map[string]*entry)}
}

// Begin atomically claims a nonce for a submission keyed by the
// instrument hash. On BeginNew the caller owns the entry, must drive
// it to a terminal state and must call Done. On BeginInFlight the
// returned channel closes when the owning submission finishes. On
// BeginReplay the stored terminal record is returned. A Rejected
// record flagged retryable admits a fresh attempt by the identical
// instrument, replacing the failed attempt; a Settled nonce is never
// re-run.
func (l *Ledger) Begin(nonce, key string) (BeginStatus, payflow.SettlementRecord, chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, exists := l.entries[nonce]; exists {
		if e.key != key {
			return BeginDuplicate, e.record, nil
		}
		if e.inFlight != nil {
			return BeginInFlight, e.record, e.inFlight
		}
		if e.record.Status == payflow.StatusRejected && e.record.Retryable {
			// Settlement-backend failure: same instrument may retry.
			fresh := &entry{
				record: payflow.SettlementRecord{
					Nonce:       nonce,
					Status:      payflow.StatusPending,
					SubmittedAt: time.Now().UTC(),
				},
				key:      key,
				inFlight: make(chan struct{}),
			}
			l.entries[nonce] = fresh
			return BeginNew, fresh.record, fresh.inFlight
		}
		return BeginReplay, e.record, nil
	}

	e := &entry{
		record: payflow.SettlementRecord{
			Nonce:       nonce,
			Status:      payflow.StatusPending,
			SubmittedAt: time.Now().UTC(),
		},
		key:      key,
		inFlight: make(chan struct{}),
	}
	l.entries[nonce] = e
	return BeginNew, e.record, e.inFlight
}

// Transition advances the record for nonce to next, applying mutate to
// fill in transition-specific fields. Only the submission that owns
// the in-flight entry may call it. Illegal transitions are rejected.
func (l *Ledger) Transition(nonce string, next payflow.SettlementStatus, mutate func(*payflow.SettlementRecord)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, exists := l.entries[nonce]
	if !exists {
		return payflow.ErrNonceNotFound
	}
	if !e.record.Status.CanTransition(next) {
		return fmt.Errorf("illegal transition %s -> %s for nonce %s", e.record.Status, next, nonce)
	}

	e.record.Status = next
	if mutate != nil {
		mutate(&e.record)
	}
	return nil
}

// Done releases in-flight ownership of nonce, waking any submissions
// waiting on the same instrument.
func (l *Ledger) Done(nonce string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, exists := l.entries[nonce]
	if !exists || e.inFlight == nil {
		return
	}
	close(e.inFlight)
	e.inFlight = nil
}

// Get returns a copy of the record for nonce.
func (l *Ledger) Get(nonce string) (payflow.SettlementRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, exists := l.entries[nonce]
	if !exists {
		return payflow.SettlementRecord{}, payflow.ErrNonceNotFound
	}
	return e.record, nil
}

// Await blocks until the in-flight submission signaled by done
// finishes, then returns the resulting record. Respects ctx.
func (l *Ledger) Await(ctx context.Context, nonce string, done chan struct{}) (payflow.SettlementRecord, error) {
	select {
	case <-done:
		return l.Get(nonce)
	case <-ctx.Done():
		return payflow.SettlementRecord{}, ctx.Err()
	}
}

// Len returns the number of ledger entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
