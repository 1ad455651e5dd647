// Package payflow implements the x402 pay-per-request payment flow:
// challenge parsing, payment instrument construction and the wire types
// shared by the client-side flow engine and the facilitator service.
package payflow

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Units is an amount in the smallest unit of the resource's currency.
// On the wire it is a decimal string, following the x402 convention of
// string-encoded amounts.
type Units uint64

// MarshalJSON encodes the amount as a decimal string.
func (u Units) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatUint(uint64(u), 10))
}

// UnmarshalJSON accepts either a decimal string or a non-negative JSON
// integer. Negative values and values that overflow uint64 are rejected.
func (u *Units) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", s, err)
		}
		*u = Units(parsed)
		return nil
	}

	// Bare number token. Parsed from the raw digits so values near the
	// uint64 limit are never rounded through float64.
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("amount must be a string or number")
	}
	parsed, err := strconv.ParseUint(n.String(), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid amount %s: %w", n, err)
	}
	*u = Units(parsed)
	return nil
}

// PaymentChallenge is the structured 402 response telling a client what
// payment it must present. The nonce is server-issued and scopes exactly
// one instrument to this challenge.
type PaymentChallenge struct {
	PayTo    string `json:"payTo"`
	Amount   Units  `json:"amount"`
	Resource string `json:"resource"`
	Nonce    string `json:"nonce"`
}

// Validate checks that all required challenge fields are present.
func (c PaymentChallenge) Validate() error {
	if c.PayTo == "" {
		return fmt.Errorf("payment recipient is required")
	}
	if c.Resource == "" {
		return fmt.Errorf("resource is required")
	}
	if c.Nonce == "" {
		return fmt.Errorf("nonce is required")
	}
	return nil
}

// PaymentInstrument is a signed payment built in response to a specific
// challenge. Signature covers SigningBytes of the embedded challenge's
// nonce, the payer account, the amount and the recipient.
type PaymentInstrument struct {
	Challenge PaymentChallenge `json:"challenge"`
	Payer     string           `json:"payer"`
	Amount    Units            `json:"amount"`
	Signature []byte           `json:"signature"`
	CreatedAt time.Time        `json:"createdAt"`
}

// SigningBytes returns the canonical byte encoding an instrument's
// signature must cover: length-prefixed nonce, payer and recipient
// strings plus the big-endian amount. Any party can recompute it from
// public instrument fields.
func SigningBytes(nonce, payer string, amount Units, payTo string) []byte {
	buf := make([]byte, 0, 12+len(nonce)+len(payer)+len(payTo)+8)
	buf = appendLenPrefixed(buf, nonce)
	buf = appendLenPrefixed(buf, payer)
	buf = binary.BigEndian.AppendUint64(buf, uint64(amount))
	buf = appendLenPrefixed(buf, payTo)
	return buf
}

func appendLenPrefixed(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// SigningBytes returns the canonical message this instrument signs.
func (p PaymentInstrument) SigningBytes() []byte {
	return SigningBytes(p.Challenge.Nonce, p.Payer, p.Amount, p.Challenge.PayTo)
}

// SettlementStatus is the lifecycle state of a submitted instrument.
type SettlementStatus string

const (
	StatusPending  SettlementStatus = "pending"
	StatusVerified SettlementStatus = "verified"
	StatusSettled  SettlementStatus = "settled"
	StatusRejected SettlementStatus = "rejected"
)

// Terminal reports whether the status admits no further transitions.
func (s SettlementStatus) Terminal() bool {
	return s == StatusSettled || s == StatusRejected
}

// CanTransition reports whether moving from s to next is a legal
// ledger transition. No transition skips a state and terminal states
// are immutable.
func (s SettlementStatus) CanTransition(next SettlementStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusVerified || next == StatusRejected
	case StatusVerified:
		return next == StatusSettled || next == StatusRejected
	default:
		return false
	}
}

// SettlementRecord is the facilitator ledger's view of one submitted
// instrument, keyed by nonce. Callers outside the ledger only ever hold
// copies.
type SettlementRecord struct {
	Nonce        string           `json:"nonce"`
	Status       SettlementStatus `json:"status"`
	SettlementID string           `json:"settlementId,omitempty"`
	Payer        string           `json:"payer,omitempty"`
	PayTo        string           `json:"payTo,omitempty"`
	Resource     string           `json:"resource,omitempty"`
	Amount       Units            `json:"amount"`
	Reason       string           `json:"reason,omitempty"`
	Retryable    bool             `json:"retryable,omitempty"`
	SubmittedAt  time.Time        `json:"submittedAt"`
	SettledAt    *time.Time       `json:"settledAt,omitempty"`
}

// PaymentProof is attached to the retried resource request after
// settlement, carried base64-JSON in the PAYMENT-PROOF header.
type PaymentProof struct {
	Nonce        string `json:"nonce"`
	SettlementID string `json:"settlementId"`
}

// HealthStatus is the facilitator liveness response.
type HealthStatus struct {
	Status      string    `json:"status"`
	AccountID   string    `json:"accountId"`
	ServedSince time.Time `json:"servedSince"`
}
