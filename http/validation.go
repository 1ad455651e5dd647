package http

import (
	"encoding/base64"
	"fmt"
	"regexp"

	"github.com/x402-foundation/payflow"
)

// Base64 regex pattern - requires at least one character
var base64Regex = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)

// ValidateAndDecodeProofHeader validates and decodes a PAYMENT-PROOF
// header string. It checks base64 format before decoding so obviously
// garbled headers fail with a clear message rather than a JSON error.
func ValidateAndDecodeProofHeader(proofHeader string) (payflow.PaymentProof, error) {
	if proofHeader == "" {
		return payflow.PaymentProof{}, fmt.Errorf("proof header is empty")
	}
	if !base64Regex.MatchString(proofHeader) {
		return payflow.PaymentProof{}, fmt.Errorf("invalid proof header format: not valid base64")
	}
	if _, err := base64.StdEncoding.DecodeString(proofHeader); err != nil {
		return payflow.PaymentProof{}, fmt.Errorf("invalid proof header format: base64 decoding failed - %v", err)
	}
	return payflow.DecodeProofHeader(proofHeader)
}
