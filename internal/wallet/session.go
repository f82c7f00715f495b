package wallet

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cwtsync/wallet-core/internal/crypto"
	"github.com/cwtsync/wallet-core/internal/walleterr"
	"github.com/cwtsync/wallet-core/internal/walletval"
)

func deriveSeed(email, username, password string) (seed []byte, weak bool) {
	e := strings.ToLower(strings.TrimSpace(email))
	u := strings.ToLower(strings.TrimSpace(username))
	return []byte(e + "\t" + u + "\t" + password), e == "" || u == ""
}

// DeriveLoginKey runs the same credential-to-key derivation Login uses,
// without unlocking a Container. cmd/migrate_store uses this so a wallet it
// imports from a legacy format is unlockable afterward through an ordinary
// Login call with the credentials chosen during the migration.
func DeriveLoginKey(cryptoImpl Crypto, email, username, password string) (crypto.PrivateKey, error) {
	seed, _ := deriveSeed(email, username, password)
	return cryptoImpl.DeriveKey(seed)
}

func nodeString(n *walletval.Node, ok bool) (string, bool) {
	if !ok || n == nil || n.Kind != walletval.KindString {
		return "", false
	}
	return n.String, true
}

// Login derives a private key from the credential seed and unlocks the
// container (§4.3). chainID may be nil when no specific chain is demanded.
func (c *Container) Login(ctx context.Context, email, username, password string, chainID *string) error {
	return c.runAndNotify(func() error {
		if password == "" {
			return walleterr.MissingField("password")
		}

		seed, weak := deriveSeed(email, username, password)
		key, err := c.cryptoImpl.DeriveKey(seed)
		if err != nil {
			return err
		}

		if err := c.reconnectIfConfigured(ctx, key); err != nil {
			return err
		}

		if ciphertext, ok := getBytesFromStore(c.store, keyEncryptedWallet); ok {
			return c.loginWithExistingWallet(ctx, key, ciphertext, chainID)
		}

		c.mu.Lock()
		prepopulated := len(c.walletObj.Object) > 0
		remoteCopy := c.remoteCopyLocked()
		c.mu.Unlock()

		if prepopulated {
			if weak && remoteCopy {
				return walleterr.WeakPassword()
			}
			c.initDefaults(chainID, weak)
			if err := c.updateWallet(ctx, key); err != nil {
				return err
			}
			if err := c.sync(ctx, key); err != nil {
				return err
			}
			c.mu.Lock()
			c.privateKey = &key
			c.mu.Unlock()
			return nil
		}

		c.initDefaults(chainID, weak)
		if err := c.sync(ctx, key); err != nil {
			return err
		}

		if _, ok := getBytesFromStore(c.store, keyEncryptedWallet); !ok {
			// sync found nothing to pull: persist the freshly-initialized tree
			// so first-login always leaves a ciphertext behind (§8 scenario 1).
			if err := c.updateWallet(ctx, key); err != nil {
				return err
			}
		}

		c.mu.Lock()
		existingChainID, has := nodeString(c.walletObj.Get("chain_id"))
		c.mu.Unlock()
		if !has || existingChainID == "" {
			return walleterr.MissingField("chain_id")
		}
		if chainID != nil && existingChainID != *chainID {
			return walleterr.ChainMismatch(*chainID, existingChainID)
		}

		c.mu.Lock()
		c.privateKey = &key
		c.mu.Unlock()
		return nil
	})
}

// reconnectIfConfigured opens the transport bound to key's public key if a
// remote_url was persisted by a previous use_backup_server call but no
// transport is open yet (the normal case right after process startup: the
// container only learns the unlocked key's public half here, at login).
func (c *Container) reconnectIfConfigured(ctx context.Context, key crypto.PrivateKey) error {
	c.mu.Lock()
	alreadyConnected := c.connected
	url, hasURL := c.getStringLocked(keyRemoteURL)
	c.mu.Unlock()
	if alreadyConnected || !hasURL {
		return nil
	}

	t, err := c.transportFactory(ctx, url, key.PublicKey())
	if err != nil {
		return fmt.Errorf("wallet: reconnecting transport: %w", err)
	}
	c.mu.Lock()
	c.tr = t
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *Container) loginWithExistingWallet(ctx context.Context, key crypto.PrivateKey, ciphertext []byte, chainID *string) error {
	plaintext, err := c.cryptoImpl.Decrypt(ciphertext, key)
	if err != nil {
		return walleterr.InvalidPassword(err)
	}
	decoded, err := walletval.FromJSON(plaintext)
	if err != nil {
		return err
	}

	if chainID != nil {
		if existing, has := nodeString(decoded.Get("chain_id")); has && existing != *chainID {
			return walleterr.ChainMismatch(*chainID, existing)
		}
	}

	c.mu.Lock()
	c.walletObj = c.walletObj.Merge(decoded)
	c.privateKey = &key
	c.mu.Unlock()

	return c.sync(ctx, key)
}

// initDefaults seeds chain_id/created/last_modified/weak_password without
// overwriting any keys already present in the in-memory tree.
func (c *Container) initDefaults(chainID *string, weak bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := walletval.NewString(nowISO())
	defaults := walletval.NewObject()
	if chainID != nil {
		defaults = defaults.Set("chain_id", walletval.NewString(*chainID))
	}
	defaults = defaults.Set("created", now)
	defaults = defaults.Set("last_modified", now)
	defaults = defaults.Set("weak_password", walletval.NewBool(weak))

	// existing keys win: merge defaults underneath the current tree by
	// merging the current tree on top of the defaults.
	c.walletObj = defaults.Merge(c.walletObj)
}

// VerifyPassword fails with Locked if no key is active; otherwise it
// re-derives a key from the credentials and compares WIFs in constant time.
func (c *Container) VerifyPassword(email, username, password string) (bool, error) {
	c.mu.Lock()
	pk := c.privateKey
	c.mu.Unlock()
	if pk == nil {
		return false, walleterr.Locked()
	}

	seed, _ := deriveSeed(email, username, password)
	candidate, err := c.cryptoImpl.DeriveKey(seed)
	if err != nil {
		return false, err
	}

	return crypto.EqualWIF(candidate.WIF(), pk.WIF()), nil
}

// Logout clears runtime state and disconnects the transport without
// touching persisted storage state (§4.3).
func (c *Container) Logout(ctx context.Context) error {
	return c.runAndNotify(func() error {
		c.mu.Lock()
		pk := c.privateKey
		tr := c.tr
		c.mu.Unlock()

		if tr != nil && pk != nil {
			_ = tr.UnsubscribeFetchWallet(ctx, pk.PublicKey())
		}

		c.mu.Lock()
		c.walletObj = walletval.NewObject()
		c.remoteStatus = ""
		c.privateKey = nil
		c.tr = nil
		c.connected = false
		c.notify = true
		c.mu.Unlock()
		return nil
	})
}

// ChangePassword rotates the active key (§4.3). It requires an unlocked
// container with a persisted ciphertext, and refuses to run if a remote
// copy exists but has diverged from the local ciphertext (WalletModified).
func (c *Container) ChangePassword(ctx context.Context, password, email, username string) error {
	return c.runAndNotify(func() error {
		c.mu.Lock()
		oldKey := c.privateKey
		c.mu.Unlock()
		if oldKey == nil {
			return walleterr.Locked()
		}
		if c.store.IsEmpty() || !c.store.Has(keyEncryptedWallet) {
			return walleterr.WalletEmpty()
		}

		seed, weak := deriveSeed(email, username, password)
		newKey, err := c.cryptoImpl.DeriveKey(seed)
		if err != nil {
			return err
		}

		c.mu.Lock()
		remoteCopy := c.remoteCopyLocked()
		c.mu.Unlock()
		if weak && remoteCopy {
			return walleterr.WeakPassword()
		}

		originalHash, ok := c.LocalHash()
		if !ok {
			return walleterr.WalletEmpty()
		}
		if remoteCopy {
			remoteHash, hasRemoteHash := getBytesFromStore(c.store, keyRemoteHash)
			if !hasRemoteHash || string(remoteHash) != string(originalHash) {
				return walleterr.WalletModified()
			}
		}

		c.mu.Lock()
		c.walletObj = c.walletObj.
			Set("last_modified", walletval.NewString(nowISO())).
			Set("weak_password", walletval.NewBool(weak))
		tree := c.walletObj
		tr := c.tr
		connected := c.connected
		c.mu.Unlock()

		plaintext, err := tree.MarshalJSON()
		if err != nil {
			return err
		}
		newCiphertext, err := c.cryptoImpl.Encrypt(plaintext, newKey.PublicKey())
		if err != nil {
			return err
		}
		if err := c.setBytesField(keyEncryptedWallet, newCiphertext); err != nil {
			return err
		}
		c.mu.Lock()
		c.localStatus = ""
		c.notify = true
		c.mu.Unlock()

		if !connected || tr == nil || !remoteCopy {
			c.mu.Lock()
			c.privateKey = &newKey
			c.mu.Unlock()
			return nil
		}

		_ = tr.UnsubscribeFetchWallet(ctx, oldKey.PublicKey())

		originalSig, err := c.cryptoImpl.Sign(*oldKey, originalHash)
		if err != nil {
			return err
		}
		newHash := c.cryptoImpl.Hash(newCiphertext)
		newSig, err := c.cryptoImpl.Sign(newKey, newHash[:])
		if err != nil {
			return err
		}

		c.mu.Lock()
		c.privateKey = &newKey
		c.mu.Unlock()

		sw, err := tr.ChangePassword(ctx, originalHash, originalSig, newCiphertext, newSig)
		if err != nil {
			return err
		}
		if sw.StatusText != statusOK {
			return walleterr.TransportError(sw.StatusText, sw)
		}

		if err := c.setBytesField(keyRemoteHash, newHash[:]); err != nil {
			return err
		}
		_ = c.setStringField(keyRemoteUpdatedDate, time.Unix(sw.Updated, 0).UTC().Format(time.RFC3339))
		return nil
	})
}
