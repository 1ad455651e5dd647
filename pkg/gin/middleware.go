// Package gin provides a payment middleware for resource servers built
// on gin. Requests without a valid settlement proof receive a 402
// challenge; requests carrying a proof are admitted once the
// facilitator confirms the nonce settled.
package gin

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/x402-foundation/payflow"
	payflowhttp "github.com/x402-foundation/payflow/http"
)

// PaymentMiddlewareOptions is the options for the PaymentMiddleware.
type PaymentMiddlewareOptions struct {
	FacilitatorURL string
	Resource       string
	NonceIssuer    func() string
}

// Options is the type for the options for the PaymentMiddleware.
type Options func(*PaymentMiddlewareOptions)

// WithFacilitatorURL sets the facilitator the middleware checks proofs
// against.
func WithFacilitatorURL(url string) Options {
	return func(o *PaymentMiddlewareOptions) {
		o.FacilitatorURL = url
	}
}

// WithResource overrides the resource identity advertised in the
// challenge. Defaults to the request path.
func WithResource(resource string) Options {
	return func(o *PaymentMiddlewareOptions) {
		o.Resource = resource
	}
}

// WithNonceIssuer overrides nonce generation; useful in tests.
func WithNonceIssuer(issuer func() string) Options {
	return func(o *PaymentMiddlewareOptions) {
		o.NonceIssuer = issuer
	}
}

// PaymentMiddleware is the gin middleware for resource servers using
// the payflow protocol. amount is the required payment in the smallest
// currency unit, payTo the recipient account.
func PaymentMiddleware(amount payflow.Units, payTo string, opts ...Options) gin.HandlerFunc {
	options := &PaymentMiddlewareOptions{
		NonceIssuer: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(options)
	}

	facilitator := payflowhttp.NewFacilitatorClient(&payflowhttp.FacilitatorConfig{
		URL: options.FacilitatorURL,
	})

	return func(c *gin.Context) {
		resource := options.Resource
		if resource == "" {
			resource = c.Request.URL.Path
		}

		proofHeader := c.GetHeader(payflow.HeaderPaymentProof)
		if proofHeader == "" {
			challengeRequest(c, amount, payTo, resource, options.NonceIssuer())
			return
		}

		proof, err := payflowhttp.ValidateAndDecodeProofHeader(proofHeader)
		if err != nil {
			challengeRequest(c, amount, payTo, resource, options.NonceIssuer())
			return
		}

		record, err := facilitator.Status(c.Request.Context(), proof.Nonce)
		if errors.Is(err, payflow.ErrNonceNotFound) {
			challengeRequest(c, amount, payTo, resource, options.NonceIssuer())
			return
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
				"error": fmt.Sprintf("proof check failed: %v", err),
			})
			return
		}
		// The settlement must be for this merchant and resource.
		// Anything else is a payment to someone (or something) else,
		// however real the settlement id.
		if record.Status != payflow.StatusSettled ||
			!strings.EqualFold(record.SettlementID, proof.SettlementID) ||
			!strings.EqualFold(record.PayTo, payTo) ||
			record.Resource != resource ||
			record.Amount < amount {
			challengeRequest(c, amount, payTo, resource, options.NonceIssuer())
			return
		}

		c.Next()
	}
}

func challengeRequest(c *gin.Context, amount payflow.Units, payTo, resource, nonce string) {
	challenge := payflow.PaymentChallenge{
		PayTo:    payTo,
		Amount:   amount,
		Resource: resource,
		Nonce:    nonce,
	}
	c.Header(payflow.HeaderPaymentRequired, payflow.EncodeChallengeHeader(challenge))
	c.AbortWithStatusJSON(http.StatusPaymentRequired, challenge)
}
