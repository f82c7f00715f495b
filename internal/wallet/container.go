package wallet

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cwtsync/wallet-core/internal/crypto"
	"github.com/cwtsync/wallet-core/internal/metrics"
	"github.com/cwtsync/wallet-core/internal/transport"
	"github.com/cwtsync/wallet-core/internal/walleterr"
	"github.com/cwtsync/wallet-core/internal/walletval"
)

// Persisted storage-state keys (§3.2).
const (
	keyEncryptedWallet   = "encrypted_wallet"
	keyRemoteURL         = "remote_url"
	keyRemoteCopy        = "remote_copy"
	keyRemoteToken       = "remote_token"
	keyRemoteHash        = "remote_hash"
	keyRemoteCreatedDate = "remote_created_date"
	keyRemoteUpdatedDate = "remote_updated_date"
)

// Container holds one wallet's in-memory object, unlock state, persisted
// storage state, and subscriber registry (§3, §4.1). It is the engine's
// single exported entry point: Session Manager and Reconciliation Engine
// operations are all methods on *Container, split across session.go,
// reconcile.go, hasher.go, and dispatch.go for readability.
type Container struct {
	mu       sync.Mutex
	updateMu sync.Mutex // single-flight around updateWallet, the one documented strengthening over the source (§5).

	store            Store
	cryptoImpl       Crypto
	transportFactory TransportFactory
	metrics          *metrics.Metrics
	logger           *zap.Logger

	tr        Transport
	connected bool

	walletObj    *walletval.Node
	privateKey   *crypto.PrivateKey
	remoteStatus string
	localStatus  string
	notify       bool

	dispatching bool
	subs        map[int64]subscriberEntry
	pendingSubs map[int64]subscriberEntry
	nextSubID   int64
}

// New creates an unlocked-nothing Container backed by the given adapters.
// logger and m may be nil-safe (zap.NewNop(), metrics.Disabled()).
func New(store Store, cryptoImpl Crypto, transportFactory TransportFactory, logger *zap.Logger, m *metrics.Metrics) *Container {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Container{
		store:            store,
		cryptoImpl:       cryptoImpl,
		transportFactory: transportFactory,
		metrics:          m,
		logger:           logger,
		walletObj:        walletval.NewObject(),
		subs:             map[int64]subscriberEntry{},
		pendingSubs:      map[int64]subscriberEntry{},
	}
}

// IsEmpty reports whether no wallet ciphertext is persisted locally.
func (c *Container) IsEmpty() bool {
	return !c.store.Has(keyEncryptedWallet)
}

// KeepLocalCopy toggles disk persistence on the Store. Idempotent, no
// notification.
func (c *Container) KeepLocalCopy(save bool) error {
	return c.store.SetSaveToDisk(save)
}

// UseBackupServer closes any existing transport. If url is non-nil it opens
// a new transport bound to the unlocked key's public key and immediately
// syncs it, so the initial fetch_wallet round-trip is observable before this
// call returns; if url differs from the persisted remote_url it is written
// and a notification raised.
func (c *Container) UseBackupServer(ctx context.Context, url *string) error {
	return c.runAndNotify(func() error {
		c.mu.Lock()
		oldTransport := c.tr
		pk := c.privateKey
		persistedURL, hadURL := c.getStringLocked(keyRemoteURL)
		c.tr = nil
		c.connected = false
		c.mu.Unlock()

		if oldTransport != nil && pk != nil {
			_ = oldTransport.UnsubscribeFetchWallet(ctx, pk.PublicKey())
		}

		if url == nil {
			return nil
		}

		if pk != nil {
			t, err := c.transportFactory(ctx, *url, pk.PublicKey())
			if err != nil {
				return fmt.Errorf("wallet: opening transport: %w", err)
			}
			c.mu.Lock()
			c.tr = t
			c.connected = true
			c.mu.Unlock()

			if err := c.sync(ctx, *pk); err != nil {
				return err
			}
		}

		if !hadURL || *url != persistedURL {
			if err := c.setStringField(keyRemoteURL, *url); err != nil {
				return err
			}
			c.mu.Lock()
			c.notify = true
			c.mu.Unlock()
		}
		return nil
	})
}

// KeepRemoteCopy persists the host's remote_copy intent and immediately
// syncs, so disabling it deletes the server-side record before this call
// returns rather than waiting on the next unrelated reconciliation (§8
// scenario 6).
func (c *Container) KeepRemoteCopy(ctx context.Context, keep bool) error {
	return c.runAndNotify(func() error {
		if err := c.setBoolField(keyRemoteCopy, keep); err != nil {
			return err
		}
		c.mu.Lock()
		c.notify = true
		pk := c.privateKey
		c.mu.Unlock()
		if pk == nil {
			return nil
		}
		return c.sync(ctx, *pk)
	})
}

// Bootstrap encrypts tree under key and persists it directly into s,
// bypassing Login's credential-derivation path. It exists for tools that
// already hold a private key and a plaintext tree from some other source —
// chiefly cmd/migrate_store, importing a wallet decrypted out of a legacy
// storage format — and need to seed a fresh Store with it the same way
// updateWallet would, without running a Container at all.
func Bootstrap(s Store, cryptoImpl Crypto, key crypto.PrivateKey, tree *walletval.Node) error {
	plaintext, err := tree.MarshalJSON()
	if err != nil {
		return fmt.Errorf("wallet: encoding wallet tree: %w", err)
	}
	ciphertext, err := cryptoImpl.Encrypt(plaintext, key.PublicKey())
	if err != nil {
		return fmt.Errorf("wallet: encrypting wallet: %w", err)
	}
	raw, err := json.Marshal(base64.StdEncoding.EncodeToString(ciphertext))
	if err != nil {
		return err
	}
	return s.SetState(map[string]json.RawMessage{keyEncryptedWallet: raw})
}

// GetState fails with Locked if no private key is active; otherwise it
// triggers reconciliation via sync and returns a clone of the current tree.
func (c *Container) GetState(ctx context.Context) (*walletval.Node, error) {
	var result *walletval.Node
	err := c.runAndNotify(func() error {
		c.mu.Lock()
		pk := c.privateKey
		c.mu.Unlock()
		if pk == nil {
			return walleterr.Locked()
		}

		syncErr := c.sync(ctx, *pk)

		c.mu.Lock()
		result = c.walletObj.Clone()
		c.mu.Unlock()
		return syncErr
	})
	return result, err
}

// SetState deep-merges partial into the in-memory tree (§4.1). A merge that
// leaves the tree structurally unchanged is a no-op: no last_modified bump,
// no dirty flag, no notification.
func (c *Container) SetState(ctx context.Context, partial *walletval.Node) error {
	return c.runAndNotify(func() error {
		c.mu.Lock()
		pk := c.privateKey
		if pk == nil {
			c.mu.Unlock()
			return walleterr.Locked()
		}
		if _, ok := c.walletObj.Get("created"); !ok {
			c.mu.Unlock()
			return walleterr.NotInitialized()
		}

		merged := c.walletObj.Merge(partial)
		if merged.Equal(c.walletObj) {
			c.mu.Unlock()
			return nil
		}

		merged = merged.Set("last_modified", walletval.NewString(nowISO()))
		c.walletObj = merged
		c.localStatus = "Pending"
		c.notify = true
		key := *pk
		c.mu.Unlock()

		return c.updateWallet(ctx, key)
	})
}

// DeleteField removes the value at a dotted path from the in-memory tree,
// resolving §9's open question about deep-merge being unable to express
// deletion. No-op if the path does not exist.
func (c *Container) DeleteField(ctx context.Context, path string) error {
	return c.runAndNotify(func() error {
		c.mu.Lock()
		pk := c.privateKey
		if pk == nil {
			c.mu.Unlock()
			return walleterr.Locked()
		}
		if _, ok := c.walletObj.Get("created"); !ok {
			c.mu.Unlock()
			return walleterr.NotInitialized()
		}

		updated := c.walletObj.Delete(path)
		if updated.Equal(c.walletObj) {
			c.mu.Unlock()
			return nil
		}

		updated = updated.Set("last_modified", walletval.NewString(nowISO()))
		c.walletObj = updated
		c.localStatus = "Pending"
		c.notify = true
		key := *pk
		c.mu.Unlock()

		return c.updateWallet(ctx, key)
	})
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// --- persisted storage-state helpers -------------------------------------

func (c *Container) getStringLocked(key string) (string, bool) {
	return getStringFromStore(c.store, key)
}

func getStringFromStore(s Store, key string) (string, bool) {
	raw, ok := s.State()[key]
	if !ok {
		return "", false
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	return v, true
}

func getBoolFromStore(s Store, key string) bool {
	raw, ok := s.State()[key]
	if !ok {
		return false
	}
	var v bool
	_ = json.Unmarshal(raw, &v)
	return v
}

// remoteCopyLocked resolves the effective remote_copy intent: the explicit
// persisted value if the host has ever written one, otherwise whatever the
// current connection state implies. Connecting to a backup server defaults
// to "yes, keep a copy" until a host opts out via KeepRemoteCopy(false) or
// an equivalent direct write. Caller must hold c.mu.
func (c *Container) remoteCopyLocked() bool {
	if raw, ok := c.store.State()[keyRemoteCopy]; ok {
		var v bool
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return c.connected
}

func getBytesFromStore(s Store, key string) ([]byte, bool) {
	str, ok := getStringFromStore(s, key)
	if !ok {
		return nil, false
	}
	decoded, err := base64.StdEncoding.DecodeString(str)
	if err != nil {
		return nil, false
	}
	return decoded, true
}

func (c *Container) setStringField(key, value string) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.store.SetState(map[string]json.RawMessage{key: raw})
}

func (c *Container) setBoolField(key string, value bool) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.store.SetState(map[string]json.RawMessage{key: raw})
}

func (c *Container) setBytesField(key string, value []byte) error {
	return c.setStringField(key, base64.StdEncoding.EncodeToString(value))
}

func (c *Container) clearField(key string) error {
	return c.store.SetState(map[string]json.RawMessage{key: nil})
}

// statusText constants re-exported for readability at call sites in this
// package; the transport package is the source of truth.
const (
	statusOK          = transport.StatusOK
	statusNoContent   = transport.StatusNoContent
	statusNotModified = transport.StatusNotModified
	statusConflict    = transport.StatusConflict
)
