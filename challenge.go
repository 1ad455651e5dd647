package payflow

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
)

// Header names used by the payment protocol. The challenge travels in
// PAYMENT-REQUIRED on the 402 response (base64-encoded JSON, with a
// plain JSON body as fallback) and the settlement proof travels in
// PAYMENT-PROOF on the retried request.
const (
	HeaderPaymentRequired = "Payment-Required"
	HeaderPaymentProof    = "Payment-Proof"
)

// ParseChallenge extracts a PaymentChallenge from a 402 response.
// It succeeds only when status is 402 and either the PAYMENT-REQUIRED
// header or the JSON body carries all four challenge fields with an
// amount that parses as a non-negative integer. Responses with any
// other status return ErrNotAChallenge. It is a pure transform.
func ParseChallenge(status int, header http.Header, body []byte) (PaymentChallenge, error) {
	if status != http.StatusPaymentRequired {
		return PaymentChallenge{}, ErrNotAChallenge
	}

	raw := body
	if encoded := header.Get(HeaderPaymentRequired); encoded != "" {
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return PaymentChallenge{}, newParseError("invalid base64 in %s header: %v", HeaderPaymentRequired, err)
		}
		raw = decoded
	}

	if len(raw) == 0 {
		return PaymentChallenge{}, newParseError("no challenge header or body present")
	}

	var challenge PaymentChallenge
	if err := json.Unmarshal(raw, &challenge); err != nil {
		return PaymentChallenge{}, newParseError("invalid challenge JSON: %v", err)
	}
	if err := challenge.Validate(); err != nil {
		return PaymentChallenge{}, newParseError("%v", err)
	}

	return challenge, nil
}

// EncodeChallengeHeader encodes a challenge for the PAYMENT-REQUIRED
// header. ParseChallenge recovers the identical challenge.
func EncodeChallengeHeader(challenge PaymentChallenge) string {
	data, err := json.Marshal(challenge)
	if err != nil {
		// PaymentChallenge contains only marshalable fields.
		panic("payflow: failed to marshal challenge: " + err.Error())
	}
	return base64.StdEncoding.EncodeToString(data)
}

// EncodeProofHeader encodes a settlement proof for the PAYMENT-PROOF
// header on the retried request.
func EncodeProofHeader(proof PaymentProof) string {
	data, err := json.Marshal(proof)
	if err != nil {
		panic("payflow: failed to marshal proof: " + err.Error())
	}
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeProofHeader decodes a PAYMENT-PROOF header value.
func DecodeProofHeader(header string) (PaymentProof, error) {
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return PaymentProof{}, newParseError("invalid base64 in %s header: %v", HeaderPaymentProof, err)
	}

	var proof PaymentProof
	if err := json.Unmarshal(data, &proof); err != nil {
		return PaymentProof{}, newParseError("invalid proof JSON: %v", err)
	}
	if proof.Nonce == "" || proof.SettlementID == "" {
		return PaymentProof{}, newParseError("proof requires nonce and settlementId")
	}
	return proof, nil
}
