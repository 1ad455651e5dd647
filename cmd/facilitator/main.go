// Command facilitator runs the payflow facilitator service.
//
//	facilitator --port 3001 [--wallet <file> | --private-key <hex>]
//
// Environment variables (optionally via a .env file) provide defaults:
// PORT, PRIVATE_KEY, WALLET_FILE.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/x402-foundation/payflow/facilitator"
	"github.com/x402-foundation/payflow/keys"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found, using environment variables")
	}

	port := flag.String("port", envOr("PORT", "3001"), "port to listen on")
	walletFile := flag.String("wallet", os.Getenv("WALLET_FILE"), "wallet file to load key material from")
	privateKey := flag.String("private-key", os.Getenv("PRIVATE_KEY"), "hex private key (overrides --wallet)")
	flag.Parse()

	km, err := loadKeys(*privateKey, *walletFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer km.Zero()

	service := facilitator.NewService(km, nil)
	server, err := facilitator.NewServer(service)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := server.Start(":" + *port); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("Facilitator started on %s (account %s)\n", server.URL(), km.AccountID())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	fmt.Println("Stopping facilitator...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadKeys(privateKey, walletFile string) (*keys.KeyMaterial, error) {
	if privateKey != "" {
		return keys.FromHex(privateKey)
	}
	if walletFile != "" {
		km, _, err := keys.Load(walletFile)
		return km, err
	}
	// No key supplied: operate with a fresh ephemeral identity.
	return keys.Generate()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
