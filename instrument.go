package payflow

import (
	"time"

	"github.com/x402-foundation/payflow/keys"
)

// BuildInstrument turns a challenge, an amount and the payer's key
// material into a signed, submittable payment instrument. It fails when
// amount is below the challenge requirement and self-checks the
// produced signature before returning, so key-handling bugs surface at
// construction time rather than at the facilitator.
func BuildInstrument(challenge PaymentChallenge, payer *keys.KeyMaterial, amount Units) (PaymentInstrument, error) {
	if amount < challenge.Amount {
		return PaymentInstrument{}, &BuildError{
			Code:    ErrCodeInsufficientAmount,
			Message: "amount below challenge requirement",
		}
	}

	inst := PaymentInstrument{
		Challenge: challenge,
		Payer:     payer.AccountID(),
		Amount:    amount,
		CreatedAt: time.Now().UTC(),
	}

	sig, err := payer.Sign(inst.SigningBytes())
	if err != nil {
		return PaymentInstrument{}, &BuildError{
			Code:    ErrCodeSignatureFailure,
			Message: err.Error(),
		}
	}
	inst.Signature = sig

	if !VerifyInstrument(inst) {
		return PaymentInstrument{}, &BuildError{
			Code:    ErrCodeSignatureFailure,
			Message: "built signature does not verify",
		}
	}

	return inst, nil
}

// VerifyInstrument recomputes the canonical signing bytes, recovers the
// signer from the signature and compares it to the declared payer.
func VerifyInstrument(inst PaymentInstrument) bool {
	return keys.Verify(inst.Payer, inst.SigningBytes(), inst.Signature)
}
