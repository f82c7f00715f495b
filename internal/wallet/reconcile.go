package wallet

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cwtsync/wallet-core/internal/crypto"
	"github.com/cwtsync/wallet-core/internal/transport"
	"github.com/cwtsync/wallet-core/internal/walleterr"
	"github.com/cwtsync/wallet-core/internal/walletval"
)

// sync opens or advances the subscription for key's public key (§4.4). A
// locked container or one with no transport is a no-op: reconciliation only
// ever runs against an unlocked key with a live transport.
func (c *Container) sync(ctx context.Context, key crypto.PrivateKey) error {
	c.mu.Lock()
	tr := c.tr
	connected := c.connected
	c.mu.Unlock()

	if !connected || tr == nil {
		return nil
	}

	pub := key.PublicKey()
	if _, hasSub := tr.SubscriptionID("fetch_wallet", pub); !hasSub {
		localHash, _ := c.LocalHash()
		return tr.FetchWallet(ctx, pub, localHash, func(sw transport.ServerWallet) {
			if err := c.handleServerWallet(ctx, key, sw); err != nil {
				c.logger.Error("wallet: fetch handler failed", zap.Error(err))
			}
		})
	}

	c.mu.Lock()
	status := c.remoteStatus
	remoteCopy := c.remoteCopyLocked()
	c.mu.Unlock()

	if status != statusNoContent && status != statusNotModified {
		return nil
	}
	if status == statusNotModified && !remoteCopy {
		return c.deleteRemoteWallet(ctx, key, nil)
	}
	return c.updateWallet(ctx, key)
}

// handleServerWallet is the fetch handler (§4.4): it folds a pushed or
// initial server_wallet record into remote_status/remote_hash, then applies
// the reconciliation decision table.
func (c *Container) handleServerWallet(ctx context.Context, key crypto.PrivateKey, sw transport.ServerWallet) error {
	c.mu.Lock()

	localCiphertext, hasLocal := getBytesFromStore(c.store, keyEncryptedWallet)
	var localHash []byte
	if hasLocal {
		h := c.cryptoImpl.Hash(localCiphertext)
		localHash = h[:]
	}
	hasRemote := sw.Hash != nil
	oldHash, _ := getBytesFromStore(c.store, keyRemoteHash)

	statusText := sw.StatusText
	if statusText == "" {
		switch {
		case !hasRemote:
			statusText = statusNoContent
		case hasLocal && string(localHash) == string(sw.Hash):
			statusText = statusNotModified
		default:
			statusText = statusOK
		}
	}
	if statusText != statusOK && statusText != statusNoContent && statusText != statusNotModified {
		c.mu.Unlock()
		return fmt.Errorf("wallet: fetch handler: unexpected status_text %q", statusText)
	}

	if hasRemote {
		_ = c.setBytesField(keyRemoteHash, sw.Hash)
	} else {
		_ = c.clearField(keyRemoteHash)
	}

	if c.remoteStatus != statusText {
		c.remoteStatus = statusText
		c.notify = true
	}

	remoteCopy := c.remoteCopyLocked()
	c.mu.Unlock()

	return c.applyDecision(ctx, key, hasRemote, remoteCopy, hasLocal, localHash, oldHash, sw)
}

// applyDecision implements the §4.4 decision table. oldHash is the
// remote_hash this container knew about before handleServerWallet persisted
// the server's new hash; localMod/serverMod compare the local ciphertext
// hash and the server's new hash against that prior value.
func (c *Container) applyDecision(ctx context.Context, key crypto.PrivateKey, hasRemote, remoteCopy, hasLocal bool, localHash, oldHash []byte, sw transport.ServerWallet) error {
	localMod := hasLocal && string(localHash) != string(oldHash)
	serverMod := string(oldHash) != string(sw.Hash)

	switch {
	case hasRemote && !remoteCopy:
		c.observeDecision("delete")
		return c.deleteRemoteWallet(ctx, key, nil)

	case !hasRemote && !hasLocal:
		c.observeDecision("noop")
		return nil

	case !hasRemote && hasLocal:
		c.observeDecision("push")
		return c.updateWallet(ctx, key)

	case hasRemote && remoteCopy && !hasLocal:
		c.observeDecision("pull")
		return c.pullFromServer(key, sw)

	case hasRemote && remoteCopy && hasLocal && !localMod && !serverMod:
		c.observeDecision("noop")
		return nil

	case hasRemote && remoteCopy && hasLocal && localMod && serverMod:
		c.observeDecision("conflict")
		c.mu.Lock()
		c.remoteStatus = statusConflict
		c.notify = true
		c.mu.Unlock()
		return walleterr.Conflict()

	case hasRemote && remoteCopy && hasLocal && localMod && !serverMod:
		c.observeDecision("push")
		return c.updateWallet(ctx, key)

	case hasRemote && remoteCopy && hasLocal && !localMod && serverMod:
		c.observeDecision("pull")
		return c.pullFromServer(key, sw)

	default:
		c.observeDecision("noop")
		return nil
	}
}

func (c *Container) observeDecision(decision string) {
	c.metrics.ObserveReconcileDecision(decision)
}

// pullFromServer decrypts the server's ciphertext and replaces the local
// wallet object and ciphertext with it.
func (c *Container) pullFromServer(key crypto.PrivateKey, sw transport.ServerWallet) error {
	plaintext, err := c.cryptoImpl.Decrypt(sw.Ciphertext, key)
	if err != nil {
		return walleterr.InvalidPassword(err)
	}
	decoded, err := walletval.FromJSON(plaintext)
	if err != nil {
		return err
	}

	if err := c.setBytesField(keyEncryptedWallet, sw.Ciphertext); err != nil {
		return err
	}

	c.mu.Lock()
	c.walletObj = decoded
	c.localStatus = ""
	c.remoteStatus = statusNotModified
	c.notify = true
	c.mu.Unlock()

	return nil
}

// updateWallet re-encrypts the in-memory tree and writes it locally, then,
// if a remote copy is wanted, creates or saves it on the server (§4.4).
// Serialized by updateMu: the one documented strengthening over the
// source's concurrency model (§5).
func (c *Container) updateWallet(ctx context.Context, key crypto.PrivateKey) error {
	c.updateMu.Lock()
	defer c.updateMu.Unlock()

	c.mu.Lock()
	tree := c.walletObj
	c.mu.Unlock()

	plaintext, err := tree.MarshalJSON()
	if err != nil {
		return fmt.Errorf("wallet: encoding wallet tree: %w", err)
	}
	ciphertext, err := c.cryptoImpl.Encrypt(plaintext, key.PublicKey())
	if err != nil {
		return fmt.Errorf("wallet: encrypting wallet: %w", err)
	}

	if err := c.setBytesField(keyEncryptedWallet, ciphertext); err != nil {
		return err
	}
	c.mu.Lock()
	c.localStatus = ""
	c.notify = true
	c.mu.Unlock()

	c.mu.Lock()
	tr := c.tr
	connected := c.connected
	remoteCopy := c.remoteCopyLocked()
	remoteHash, hasRemoteHash := getBytesFromStore(c.store, keyRemoteHash)
	remoteToken, hasToken := c.getStringLocked(keyRemoteToken)
	remoteStatus := c.remoteStatus
	c.mu.Unlock()

	if !connected || tr == nil || !remoteCopy {
		return nil
	}
	if !hasToken && remoteStatus == statusNoContent {
		return nil
	}

	hash := c.cryptoImpl.Hash(ciphertext)
	sig, err := c.cryptoImpl.Sign(key, hash[:])
	if err != nil {
		return fmt.Errorf("wallet: signing ciphertext hash: %w", err)
	}

	switch {
	case hasToken && !hasRemoteHash && remoteStatus == statusNoContent:
		sw, err := tr.CreateWallet(ctx, remoteToken, ciphertext, sig)
		if err != nil {
			return fmt.Errorf("wallet: create_wallet: %w", err)
		}
		if sw.StatusText != statusOK {
			return walleterr.TransportError(sw.StatusText, sw)
		}
		if err := c.setBytesField(keyRemoteHash, hash[:]); err != nil {
			return err
		}
		createdISO := time.Unix(sw.Created, 0).UTC().Format(time.RFC3339)
		_ = c.setStringField(keyRemoteCreatedDate, createdISO)
		_ = c.setStringField(keyRemoteUpdatedDate, createdISO)
		_ = c.clearField(keyRemoteToken)
		c.mu.Lock()
		c.remoteStatus = statusNotModified
		c.mu.Unlock()

	case hasRemoteHash && (remoteStatus == statusOK || remoteStatus == statusNotModified):
		sw, err := tr.SaveWallet(ctx, remoteHash, ciphertext, sig)
		if err != nil {
			return fmt.Errorf("wallet: save_wallet: %w", err)
		}
		if sw.StatusText != statusOK {
			c.mu.Lock()
			c.remoteStatus = sw.StatusText
			c.notify = true
			c.mu.Unlock()
			return walleterr.TransportError(sw.StatusText, sw)
		}
		if err := c.setBytesField(keyRemoteHash, hash[:]); err != nil {
			return err
		}
		_ = c.setStringField(keyRemoteUpdatedDate, time.Unix(sw.Updated, 0).UTC().Format(time.RFC3339))
		c.mu.Lock()
		c.remoteStatus = statusNotModified
		c.mu.Unlock()
	}

	return nil
}

// deleteRemoteWallet signs hash (defaulting to the current local hash) and
// deletes the server-side record, clearing remote bookkeeping on success.
func (c *Container) deleteRemoteWallet(ctx context.Context, key crypto.PrivateKey, hash []byte) error {
	c.mu.Lock()
	tr := c.tr
	connected := c.connected
	c.mu.Unlock()
	if !connected || tr == nil {
		return nil
	}

	if hash == nil {
		h, ok := c.LocalHash()
		if !ok {
			return nil
		}
		hash = h
	}

	sig, err := c.cryptoImpl.Sign(key, hash)
	if err != nil {
		return fmt.Errorf("wallet: signing delete hash: %w", err)
	}
	if err := tr.DeleteWallet(ctx, hash, sig); err != nil {
		return fmt.Errorf("wallet: delete_wallet: %w", err)
	}

	_ = c.clearField(keyRemoteHash)
	_ = c.clearField(keyRemoteCreatedDate)
	_ = c.clearField(keyRemoteUpdatedDate)

	c.mu.Lock()
	c.notify = true
	c.mu.Unlock()
	return nil
}

