package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/cwtsync/wallet-core/internal/crypto"
)

// saveScript performs SaveWallet's prev-hash optimistic-concurrency check
// and the write atomically: the stored hash must equal prevHash or the
// write is rejected with "Conflict", exactly mirroring the in-memory
// compare-then-swap the reconciliation engine performs on the client side.
var saveScript = goredis.NewScript(`
local hashKey = KEYS[1]
local dataKey = KEYS[2]
local updatedKey = KEYS[3]
local prevHash = ARGV[1]
local newHash = ARGV[2]
local ciphertext = ARGV[3]
local updated = ARGV[4]

local current = redis.call("GET", hashKey)
if current == false then
	return "No Content"
end
if current ~= prevHash then
	return "Conflict"
end

redis.call("SET", dataKey, ciphertext)
redis.call("SET", hashKey, newHash)
redis.call("SET", updatedKey, updated)
return "OK"
`)

// RedisTransport implements the Transport contract against Redis. One
// instance is bound to a single wallet's public key for its lifetime,
// mirroring §5's "the transport is owned by the container for its
// lifetime": that is also the only way CreateWallet/SaveWallet/DeleteWallet/
// ChangePassword — none of which carry a pub argument in the contract — can
// know which wallet's keys to touch.
//
// Each wallet's server-side state lives under wallet:{pub}:{data,hash,
// created,updated}, with a pub/sub channel wallet:{pub}:events fanning out
// pushes to the FetchWallet subscriber.
type RedisTransport struct {
	client *goredis.Client
	pubKey string

	mu  sync.Mutex
	sub *subscription
}

type subscription struct {
	id     string
	cancel context.CancelFunc
}

// NewRedisTransport wraps an existing go-redis client, bound to pub.
func NewRedisTransport(client *goredis.Client, pub crypto.PublicKey) *RedisTransport {
	return &RedisTransport{
		client: client,
		pubKey: keyFor(pub),
	}
}

func keyFor(pub crypto.PublicKey) string {
	return base64.RawURLEncoding.EncodeToString(pub.SignPub)
}

func dataKey(pubKey string) string       { return fmt.Sprintf("wallet:%s:data", pubKey) }
func hashKey(pubKey string) string       { return fmt.Sprintf("wallet:%s:hash", pubKey) }
func createdKey(pubKey string) string    { return fmt.Sprintf("wallet:%s:created", pubKey) }
func updatedKey(pubKey string) string    { return fmt.Sprintf("wallet:%s:updated", pubKey) }
func eventsChannel(pubKey string) string { return fmt.Sprintf("wallet:%s:events", pubKey) }

// FetchWallet opens a subscription for pub, which must match the pub this
// transport was constructed with. cb is invoked once immediately with the
// wallet's current server state (StatusText one of "OK", "No Content",
// "Not Modified" relative to localHash), then again with an empty
// StatusText on every subsequent server-side push.
func (t *RedisTransport) FetchWallet(ctx context.Context, pub crypto.PublicKey, localHash []byte, cb func(ServerWallet)) error {
	pubKey := keyFor(pub)
	if pubKey != t.pubKey {
		return fmt.Errorf("transport: fetch wallet: pub does not match bound wallet")
	}

	initial, err := t.readCurrent(ctx, pubKey)
	if err != nil {
		return fmt.Errorf("transport: fetching initial wallet state: %w", err)
	}
	switch {
	case initial.Hash == nil:
		initial.StatusText = StatusNoContent
	case string(initial.Hash) == string(localHash):
		initial.StatusText = StatusNotModified
	default:
		initial.StatusText = StatusOK
	}
	cb(initial)

	subCtx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()

	t.mu.Lock()
	t.sub = &subscription{id: id, cancel: cancel}
	t.mu.Unlock()

	ps := t.client.Subscribe(subCtx, eventsChannel(pubKey))
	go func() {
		defer ps.Close()
		ch := ps.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				current, err := t.readCurrent(subCtx, pubKey)
				if err != nil {
					continue
				}
				current.StatusText = ""
				cb(current)
			}
		}
	}()

	return nil
}

// UnsubscribeFetchWallet cancels the subscription opened by FetchWallet.
func (t *RedisTransport) UnsubscribeFetchWallet(ctx context.Context, pub crypto.PublicKey) error {
	t.mu.Lock()
	sub := t.sub
	t.sub = nil
	t.mu.Unlock()

	if sub == nil {
		return nil
	}
	sub.cancel()
	return nil
}

// SubscriptionID returns the UUID minted for pub's active FetchWallet
// subscription, if any. op is accepted for contract symmetry but unused:
// this adapter only ever tracks one subscription kind per wallet.
func (t *RedisTransport) SubscriptionID(op string, pub crypto.PublicKey) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sub == nil {
		return "", false
	}
	return t.sub.id, true
}

func (t *RedisTransport) readCurrent(ctx context.Context, pubKey string) (ServerWallet, error) {
	pipe := t.client.Pipeline()
	dataCmd := pipe.Get(ctx, dataKey(pubKey))
	hashCmd := pipe.Get(ctx, hashKey(pubKey))
	createdCmd := pipe.Get(ctx, createdKey(pubKey))
	updatedCmd := pipe.Get(ctx, updatedKey(pubKey))
	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, goredis.Nil) {
		return ServerWallet{}, err
	}

	var out ServerWallet
	if data, err := dataCmd.Bytes(); err == nil {
		out.Ciphertext = data
	}
	if hashText, err := hashCmd.Bytes(); err == nil {
		if decoded, err := base64.StdEncoding.DecodeString(string(hashText)); err == nil {
			out.Hash = decoded
		}
	}
	if created, err := createdCmd.Int64(); err == nil {
		out.Created = created
	}
	if updated, err := updatedCmd.Int64(); err == nil {
		out.Updated = updated
	}
	return out, nil
}

// CreateWallet creates this wallet's server-side record for the first time,
// redeeming token. The reference adapter does not validate token contents
// itself: that belongs to whatever issues invites, out of scope for this
// contract.
func (t *RedisTransport) CreateWallet(ctx context.Context, token string, ciphertext []byte, sig crypto.Signature) (ServerWallet, error) {
	exists, err := t.client.Exists(ctx, hashKey(t.pubKey)).Result()
	if err != nil {
		return ServerWallet{}, fmt.Errorf("transport: checking existing wallet: %w", err)
	}
	if exists > 0 {
		return ServerWallet{StatusText: StatusConflict}, nil
	}

	hash := crypto.SHA256(ciphertext)
	hashStr := base64.StdEncoding.EncodeToString(hash[:])
	now := time.Now().Unix()

	pipe := t.client.TxPipeline()
	pipe.Set(ctx, dataKey(t.pubKey), ciphertext, 0)
	pipe.Set(ctx, hashKey(t.pubKey), hashStr, 0)
	pipe.Set(ctx, createdKey(t.pubKey), now, 0)
	pipe.Set(ctx, updatedKey(t.pubKey), now, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return ServerWallet{}, fmt.Errorf("transport: persisting created wallet: %w", err)
	}

	t.client.Publish(ctx, eventsChannel(t.pubKey), "created")

	return ServerWallet{
		StatusText: StatusOK,
		Hash:       hash[:],
		Created:    now,
		Updated:    now,
	}, nil
}

// SaveWallet persists a new ciphertext for an existing wallet, failing with
// "Conflict" if the server's current hash no longer matches prevHash.
// prevHash and the returned Hash are raw 32-byte SHA-256 digests; base64 is
// purely this adapter's on-the-wire storage format for the Redis value.
func (t *RedisTransport) SaveWallet(ctx context.Context, prevHash []byte, ciphertext []byte, sig crypto.Signature) (ServerWallet, error) {
	prevHashStr := base64.StdEncoding.EncodeToString(prevHash)
	newHash := crypto.SHA256(ciphertext)
	newHashStr := base64.StdEncoding.EncodeToString(newHash[:])
	now := time.Now().Unix()

	result, err := saveScript.Run(ctx, t.client,
		[]string{hashKey(t.pubKey), dataKey(t.pubKey), updatedKey(t.pubKey)},
		prevHashStr, newHashStr, ciphertext, now,
	).Text()
	if err != nil {
		return ServerWallet{}, fmt.Errorf("transport: running save script: %w", err)
	}

	if result != StatusOK {
		return ServerWallet{StatusText: result}, nil
	}

	t.client.Publish(ctx, eventsChannel(t.pubKey), "updated")

	return ServerWallet{
		StatusText: StatusOK,
		Hash:       newHash[:],
		Updated:    now,
	}, nil
}

// DeleteWallet removes this wallet's server-side record entirely.
func (t *RedisTransport) DeleteWallet(ctx context.Context, hash []byte, sig crypto.Signature) error {
	pipe := t.client.TxPipeline()
	pipe.Del(ctx, dataKey(t.pubKey))
	pipe.Del(ctx, hashKey(t.pubKey))
	pipe.Del(ctx, createdKey(t.pubKey))
	pipe.Del(ctx, updatedKey(t.pubKey))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("transport: deleting wallet: %w", err)
	}

	t.client.Publish(ctx, eventsChannel(t.pubKey), "deleted")
	return nil
}

// ChangePassword atomically swaps this wallet's ciphertext for one
// re-encrypted under a new key, after verifying oldHash still matches the
// server.
func (t *RedisTransport) ChangePassword(ctx context.Context, oldHash []byte, oldSig crypto.Signature, newCiphertext []byte, newSig crypto.Signature) (ServerWallet, error) {
	oldHashStr := base64.StdEncoding.EncodeToString(oldHash)
	newHash := crypto.SHA256(newCiphertext)
	newHashStr := base64.StdEncoding.EncodeToString(newHash[:])
	now := time.Now().Unix()

	result, err := saveScript.Run(ctx, t.client,
		[]string{hashKey(t.pubKey), dataKey(t.pubKey), updatedKey(t.pubKey)},
		oldHashStr, newHashStr, newCiphertext, now,
	).Text()
	if err != nil {
		return ServerWallet{}, fmt.Errorf("transport: running change-password script: %w", err)
	}
	if result != StatusOK {
		return ServerWallet{StatusText: result}, nil
	}

	t.client.Publish(ctx, eventsChannel(t.pubKey), "rekeyed")

	return ServerWallet{
		StatusText: StatusOK,
		Hash:       newHash[:],
		Updated:    now,
	}, nil
}
