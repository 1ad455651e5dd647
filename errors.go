package payflow

import (
	"errors"
	"fmt"
)

// Rejection reasons recorded by the facilitator ledger. These strings
// appear verbatim in SettlementRecord.Reason and in user-facing
// diagnostics, so they stay short and stable.
const (
	ReasonDuplicateNonce     = "duplicate nonce"
	ReasonBadSignature       = "bad signature"
	ReasonInsufficientAmount = "insufficient amount"
)

// ErrNotAChallenge is returned by ParseChallenge when the response is
// not a 402 and therefore carries no payment challenge.
var ErrNotAChallenge = errors.New("response is not a 402 payment challenge")

// ParseError reports a malformed 402 challenge.
type ParseError struct {
	Message string
}

func (e *ParseError) Error() string {
	return "malformed challenge: " + e.Message
}

func newParseError(format string, args ...interface{}) *ParseError {
	return &ParseError{Message: fmt.Sprintf(format, args...)}
}

// BuildError reports a failure to construct a payment instrument.
type BuildError struct {
	Code    string
	Message string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// BuildError codes.
const (
	ErrCodeInsufficientAmount = "insufficient_amount"
	ErrCodeSignatureFailure   = "signature_failure"
)

// ErrNonceNotFound is returned by status lookups for unknown nonces.
var ErrNonceNotFound = errors.New("nonce not found")
