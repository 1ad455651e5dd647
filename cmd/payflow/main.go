// Command payflow runs one end-to-end payment flow against a resource:
//
//	payflow --api http://localhost:8080/data --amount 1000 \
//	        --facilitator http://localhost:3001
//
// Exit status is 0 when the session completes and non-zero otherwise,
// with the failure reason on standard error.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/x402-foundation/payflow"
	"github.com/x402-foundation/payflow/flow"
	"github.com/x402-foundation/payflow/keys"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found, using environment variables")
	}

	api := flag.String("api", "", "resource URL to request")
	amount := flag.Uint64("amount", 1000, "amount to offer, in smallest currency units")
	facilitatorURL := flag.String("facilitator", envOr("FACILITATOR_URL", "http://localhost:3001"), "facilitator base URL")
	walletFile := flag.String("wallet", os.Getenv("WALLET_FILE"), "wallet file to load key material from")
	privateKey := flag.String("private-key", os.Getenv("PRIVATE_KEY"), "hex private key (overrides --wallet)")
	flag.Parse()

	if *api == "" {
		fmt.Fprintln(os.Stderr, "--api is required")
		os.Exit(2)
	}

	km, err := loadKeys(*privateKey, *walletFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer km.Zero()

	engine := flow.NewEngine(flow.DefaultConfig())
	outcome, err := engine.Run(context.Background(), flow.Request{
		ResourceURL:    *api,
		Amount:         payflow.Units(*amount),
		Payer:          km,
		FacilitatorURL: *facilitatorURL,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if outcome.Paid {
		fmt.Printf("Payment flow complete\n")
		fmt.Printf("Settlement: %s\n", outcome.Record.SettlementID)
		fmt.Printf("Payer: %s\n", km.AccountID())
	} else {
		fmt.Printf("Resource returned without payment\n")
	}
	fmt.Printf("Status: %d\n", outcome.StatusCode)
	fmt.Printf("Time: %dms\n", outcome.Elapsed.Milliseconds())
}

func loadKeys(privateKey, walletFile string) (*keys.KeyMaterial, error) {
	if privateKey != "" {
		return keys.FromHex(privateKey)
	}
	if walletFile != "" {
		km, _, err := keys.Load(walletFile)
		return km, err
	}
	return keys.Generate()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
