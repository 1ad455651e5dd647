// Package keys holds the secret key material used to sign payment
// instruments and derive account identifiers. Keys are secp256k1 and
// signatures are 65-byte recoverable ECDSA over a keccak256 digest, so
// verifiers recover the signing account directly from the signature.
package keys

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
)

// CryptoError reports a key generation or signing failure. It never
// includes key material in its message.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("crypto %s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

// KeyMaterial holds a secp256k1 key pair. The private scalar is wiped
// by Zero; callers own scoped cleanup and must call it on every exit
// path once the key is no longer needed.
type KeyMaterial struct {
	mu      sync.Mutex
	priv    *ecdsa.PrivateKey
	scalar  []byte
	account string
}

// Generate produces a fresh key pair from the platform's secure random
// source.
func Generate() (*KeyMaterial, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, &CryptoError{Op: "generate", Err: err}
	}
	return fromPrivate(priv), nil
}

// FromHex loads key material from a hex-encoded private key, with or
// without a "0x" prefix.
func FromHex(privateKeyHex string) (*KeyMaterial, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")
	priv, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, &CryptoError{Op: "parse", Err: fmt.Errorf("invalid private key")}
	}
	return fromPrivate(priv), nil
}

func fromPrivate(priv *ecdsa.PrivateKey) *KeyMaterial {
	return &KeyMaterial{
		priv:    priv,
		scalar:  crypto.FromECDSA(priv),
		account: crypto.PubkeyToAddress(priv.PublicKey).Hex(),
	}
}

// AccountID returns the account identifier derived from the public key.
// It is a pure function of the key pair and stable across calls.
func (k *KeyMaterial) AccountID() string {
	return k.account
}

// Sign signs the keccak256 digest of message and returns a 65-byte
// recoverable signature.
func (k *KeyMaterial) Sign(message []byte) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.priv == nil {
		return nil, &CryptoError{Op: "sign", Err: fmt.Errorf("key material released")}
	}

	sig, err := crypto.Sign(crypto.Keccak256(message), k.priv)
	if err != nil {
		return nil, &CryptoError{Op: "sign", Err: fmt.Errorf("signing failed")}
	}
	return sig, nil
}

// Zero wipes the private scalar and releases the key. Safe to call
// more than once; subsequent Sign calls fail.
func (k *KeyMaterial) Zero() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for i := range k.scalar {
		k.scalar[i] = 0
	}
	if k.priv != nil {
		k.priv.D.SetInt64(0)
		k.priv = nil
	}
}

// RecoverAccount recovers the signing account from a message and its
// recoverable signature.
func RecoverAccount(message, signature []byte) (string, error) {
	if len(signature) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}
	pub, err := crypto.SigToPub(crypto.Keccak256(message), signature)
	if err != nil {
		return "", fmt.Errorf("signature recovery failed: %w", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

// Verify reports whether signature is a valid signature over message by
// the given account.
func Verify(account string, message, signature []byte) bool {
	recovered, err := RecoverAccount(message, signature)
	if err != nil {
		return false
	}
	return strings.EqualFold(recovered, account)
}

// Wallet is the persisted wallet file consumed by key loaders. The
// file is created and owned by external tooling; this package only
// reads it.
type Wallet struct {
	Address    string `json:"address"`
	PrivateKey string `json:"private_key"`
	Network    string `json:"network"`
	SeedPhrase string `json:"seed_phrase"`
}

// Load reads a wallet file and returns key material for its private
// key along with the wallet's declared network. The account id is
// always derived from the key itself, not trusted from the file.
func Load(path string) (*KeyMaterial, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read wallet file: %w", err)
	}

	var w Wallet
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, "", fmt.Errorf("parse wallet file: %w", err)
	}
	if w.PrivateKey == "" {
		return nil, "", fmt.Errorf("wallet file has no private key")
	}

	km, err := FromHex(w.PrivateKey)
	if err != nil {
		return nil, "", err
	}
	return km, w.Network, nil
}
