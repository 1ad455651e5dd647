// Package echo provides the echo variant of the payment middleware.
// Behavior matches the gin variant: no proof or a stale proof yields a
// 402 challenge, a settled proof admits the request.
package echo

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/x402-foundation/payflow"
	payflowhttp "github.com/x402-foundation/payflow/http"
)

// Config configures the payment middleware.
type Config struct {
	Amount         payflow.Units
	PayTo          string
	FacilitatorURL string
	Resource       string
	NonceIssuer    func() string
}

// PaymentMiddleware returns an echo middleware enforcing payment for
// the wrapped handlers.
func PaymentMiddleware(config Config) echo.MiddlewareFunc {
	if config.NonceIssuer == nil {
		config.NonceIssuer = func() string { return uuid.NewString() }
	}

	facilitator := payflowhttp.NewFacilitatorClient(&payflowhttp.FacilitatorConfig{
		URL: config.FacilitatorURL,
	})

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			resource := config.Resource
			if resource == "" {
				resource = c.Request().URL.Path
			}

			proofHeader := c.Request().Header.Get(payflow.HeaderPaymentProof)
			if proofHeader == "" {
				return challengeRequest(c, config, resource)
			}

			proof, err := payflowhttp.ValidateAndDecodeProofHeader(proofHeader)
			if err != nil {
				return challengeRequest(c, config, resource)
			}

			record, err := facilitator.Status(c.Request().Context(), proof.Nonce)
			if errors.Is(err, payflow.ErrNonceNotFound) {
				return challengeRequest(c, config, resource)
			}
			if err != nil {
				return echo.NewHTTPError(http.StatusBadGateway, "proof check failed")
			}
			// Admit only settlements paying this merchant for this
			// resource; a settlement for any other recipient does not
			// open the paywall.
			if record.Status != payflow.StatusSettled ||
				!strings.EqualFold(record.SettlementID, proof.SettlementID) ||
				!strings.EqualFold(record.PayTo, config.PayTo) ||
				record.Resource != resource ||
				record.Amount < config.Amount {
				return challengeRequest(c, config, resource)
			}

			return next(c)
		}
	}
}

func challengeRequest(c echo.Context, config Config, resource string) error {
	challenge := payflow.PaymentChallenge{
		PayTo:    config.PayTo,
		Amount:   config.Amount,
		Resource: resource,
		Nonce:    config.NonceIssuer(),
	}
	c.Response().Header().Set(payflow.HeaderPaymentRequired, payflow.EncodeChallengeHeader(challenge))
	return c.JSON(http.StatusPaymentRequired, challenge)
}
