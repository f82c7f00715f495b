package transport

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/cwtsync/wallet-core/internal/crypto"
)

func newTestTransport(t *testing.T) (*RedisTransport, crypto.PrivateKey) {
	t.Helper()
	s := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: s.Addr()})

	priv, err := crypto.PrivateKeyFromSeed([]byte("transport-test-seed"))
	require.NoError(t, err)

	return NewRedisTransport(client, priv.PublicKey()), priv
}

func TestFetchWalletNoContentWhenAbsent(t *testing.T) {
	transport, priv := newTestTransport(t)
	ctx := context.Background()

	var got ServerWallet
	err := transport.FetchWallet(ctx, priv.PublicKey(), nil, func(sw ServerWallet) {
		got = sw
	})
	require.NoError(t, err)
	require.Equal(t, StatusNoContent, got.StatusText)
}

func TestCreateThenFetchReturnsOK(t *testing.T) {
	transport, priv := newTestTransport(t)
	ctx := context.Background()

	ciphertext := []byte("sealed-wallet-bytes")
	sig, err := priv.Sign(ciphertext)
	require.NoError(t, err)

	created, err := transport.CreateWallet(ctx, "invite-token", ciphertext, sig)
	require.NoError(t, err)
	require.Equal(t, StatusOK, created.StatusText)
	require.NotEmpty(t, created.Hash)

	var got ServerWallet
	err = transport.FetchWallet(ctx, priv.PublicKey(), []byte("stale-hash"), func(sw ServerWallet) {
		got = sw
	})
	require.NoError(t, err)
	require.Equal(t, StatusOK, got.StatusText)
	require.Equal(t, ciphertext, got.Ciphertext)
}

func TestCreateWalletTwiceConflicts(t *testing.T) {
	transport, priv := newTestTransport(t)
	ctx := context.Background()

	ciphertext := []byte("first-version")
	sig, err := priv.Sign(ciphertext)
	require.NoError(t, err)

	_, err = transport.CreateWallet(ctx, "tok", ciphertext, sig)
	require.NoError(t, err)

	second, err := transport.CreateWallet(ctx, "tok", ciphertext, sig)
	require.NoError(t, err)
	require.Equal(t, StatusConflict, second.StatusText)
}

func TestSaveWalletSucceedsWithMatchingPrevHash(t *testing.T) {
	transport, priv := newTestTransport(t)
	ctx := context.Background()

	v1 := []byte("version-one")
	sig1, err := priv.Sign(v1)
	require.NoError(t, err)
	created, err := transport.CreateWallet(ctx, "tok", v1, sig1)
	require.NoError(t, err)

	v2 := []byte("version-two")
	sig2, err := priv.Sign(v2)
	require.NoError(t, err)

	saved, err := transport.SaveWallet(ctx, created.Hash, v2, sig2)
	require.NoError(t, err)
	require.Equal(t, StatusOK, saved.StatusText)
	require.NotEqual(t, created.Hash, saved.Hash)
}

func TestSaveWalletConflictsOnStalePrevHash(t *testing.T) {
	transport, priv := newTestTransport(t)
	ctx := context.Background()

	v1 := []byte("version-one")
	sig1, err := priv.Sign(v1)
	require.NoError(t, err)
	_, err = transport.CreateWallet(ctx, "tok", v1, sig1)
	require.NoError(t, err)

	v2 := []byte("version-two")
	sig2, err := priv.Sign(v2)
	require.NoError(t, err)

	staleHash := []byte("not-the-real-hash-32-bytes-long")
	saved, err := transport.SaveWallet(ctx, staleHash, v2, sig2)
	require.NoError(t, err)
	require.Equal(t, StatusConflict, saved.StatusText)
}

func TestDeleteWalletRemovesServerState(t *testing.T) {
	transport, priv := newTestTransport(t)
	ctx := context.Background()

	v1 := []byte("to-be-deleted")
	sig1, err := priv.Sign(v1)
	require.NoError(t, err)
	created, err := transport.CreateWallet(ctx, "tok", v1, sig1)
	require.NoError(t, err)

	err = transport.DeleteWallet(ctx, created.Hash, sig1)
	require.NoError(t, err)

	var got ServerWallet
	err = transport.FetchWallet(ctx, priv.PublicKey(), nil, func(sw ServerWallet) {
		got = sw
	})
	require.NoError(t, err)
	require.Equal(t, StatusNoContent, got.StatusText)
}

func TestChangePasswordRekeysWallet(t *testing.T) {
	transport, priv := newTestTransport(t)
	ctx := context.Background()

	v1 := []byte("old-key-ciphertext")
	sig1, err := priv.Sign(v1)
	require.NoError(t, err)
	created, err := transport.CreateWallet(ctx, "tok", v1, sig1)
	require.NoError(t, err)

	v2 := []byte("new-key-ciphertext")
	sig2, err := priv.Sign(v2)
	require.NoError(t, err)

	result, err := transport.ChangePassword(ctx, created.Hash, sig1, v2, sig2)
	require.NoError(t, err)
	require.Equal(t, StatusOK, result.StatusText)
}

func TestSubscriptionIDMintedOnFetch(t *testing.T) {
	transport, priv := newTestTransport(t)
	ctx := context.Background()

	_, ok := transport.SubscriptionID("fetch_wallet", priv.PublicKey())
	require.False(t, ok)

	err := transport.FetchWallet(ctx, priv.PublicKey(), nil, func(sw ServerWallet) {})
	require.NoError(t, err)

	id, ok := transport.SubscriptionID("fetch_wallet", priv.PublicKey())
	require.True(t, ok)
	require.NotEmpty(t, id)

	err = transport.UnsubscribeFetchWallet(ctx, priv.PublicKey())
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	_, ok = transport.SubscriptionID("fetch_wallet", priv.PublicKey())
	require.False(t, ok)
}
