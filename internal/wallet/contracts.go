// Package wallet implements the engine's core: the wallet container, the
// content-hash reconciliation state machine, the session manager, and the
// notification dispatcher (§2, §4). It depends only on the Store, Crypto,
// and Transport contracts below — never on their concrete adapters — so the
// engine can run against the reference in-memory/Redis adapters in
// internal/store and internal/transport, or against test fakes.
package wallet

import (
	"context"
	"encoding/json"

	"github.com/cwtsync/wallet-core/internal/crypto"
	"github.com/cwtsync/wallet-core/internal/transport"
)

// Store is the engine's view of the State Store contract (§6.1).
type Store interface {
	State() map[string]json.RawMessage
	Has(key string) bool
	IsEmpty() bool
	SetState(partial map[string]json.RawMessage) error
	SetSaveToDisk(save bool) error
}

// Crypto is the engine's view of the Crypto contract (§6.2).
type Crypto interface {
	DeriveKey(seed []byte) (crypto.PrivateKey, error)
	Encrypt(plaintext []byte, pub crypto.PublicKey) ([]byte, error)
	Decrypt(ciphertext []byte, priv crypto.PrivateKey) ([]byte, error)
	Hash(data []byte) [32]byte
	Sign(priv crypto.PrivateKey, data []byte) (crypto.Signature, error)
}

// Transport is the engine's view of the Transport contract (§6.3). It is
// an alias of the reference package's interface so callers can pass a
// *transport.RedisTransport directly.
type Transport = transport.Transport

// TransportFactory opens a Transport bound to one wallet's public key against
// the given remote URL. The engine calls this from use_backup_server; the
// reference implementation dials Redis.
type TransportFactory func(ctx context.Context, url string, pub crypto.PublicKey) (Transport, error)

// defaultCrypto adapts the internal/crypto package's free functions to the
// Crypto interface, so the engine can be wired without its own indirection
// layer while still depending only on an interface.
type defaultCrypto struct{}

// DefaultCrypto is the reference Crypto adapter.
var DefaultCrypto Crypto = defaultCrypto{}

func (defaultCrypto) DeriveKey(seed []byte) (crypto.PrivateKey, error) {
	return crypto.PrivateKeyFromSeed(seed)
}

func (defaultCrypto) Encrypt(plaintext []byte, pub crypto.PublicKey) ([]byte, error) {
	return crypto.Encrypt(plaintext, pub)
}

func (defaultCrypto) Decrypt(ciphertext []byte, priv crypto.PrivateKey) ([]byte, error) {
	return crypto.Decrypt(ciphertext, priv)
}

func (defaultCrypto) Hash(data []byte) [32]byte {
	return crypto.SHA256(data)
}

func (defaultCrypto) Sign(priv crypto.PrivateKey, data []byte) (crypto.Signature, error) {
	return priv.Sign(data)
}
