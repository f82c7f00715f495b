// Package transport implements the wallet engine's Transport contract: the
// bidirectional RPC surface a container uses to create, save, delete, and
// subscribe to a wallet's server-side copy.
package transport

import (
	"context"

	"github.com/cwtsync/wallet-core/internal/crypto"
)

// ServerWallet is the server's response to a fetch/create/save/change-password
// call: the current ciphertext (when present), its hash, and a status text
// describing what happened.
type ServerWallet struct {
	StatusText string
	Ciphertext []byte
	Hash       []byte
	Created    int64
	Updated    int64
}

// Transport is the engine's view of the remote backend: create/save/delete a
// wallet, subscribe to server-side pushes, and rotate credentials.
type Transport interface {
	FetchWallet(ctx context.Context, pub crypto.PublicKey, localHash []byte, cb func(ServerWallet)) error
	UnsubscribeFetchWallet(ctx context.Context, pub crypto.PublicKey) error
	CreateWallet(ctx context.Context, token string, ciphertext []byte, sig crypto.Signature) (ServerWallet, error)
	SaveWallet(ctx context.Context, prevHash []byte, ciphertext []byte, sig crypto.Signature) (ServerWallet, error)
	DeleteWallet(ctx context.Context, hash []byte, sig crypto.Signature) error
	ChangePassword(ctx context.Context, oldHash []byte, oldSig crypto.Signature, newCiphertext []byte, newSig crypto.Signature) (ServerWallet, error)
	SubscriptionID(op string, pub crypto.PublicKey) (string, bool)
}

// Status text values the reference adapter returns; the engine only branches
// on equality with these, never on their exact wording beyond this set.
const (
	StatusOK          = "OK"
	StatusNoContent   = "No Content"
	StatusNotModified = "Not Modified"
	StatusConflict    = "Conflict"
)
