package wallet

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cwtsync/wallet-core/internal/crypto"
	"github.com/cwtsync/wallet-core/internal/store"
)

// newTestContainer builds a Container over a real in-memory Store and the
// reference Crypto adapter, with a transportFactory that always returns ft
// (or, if ft is nil, fails — exercising the offline-only path). It returns
// the underlying Store too, so tests can seed storage-state fields
// (remote_copy, remote_token) the way a host application would, outside any
// formal engine operation.
func newTestContainer(t *testing.T, ft *fakeTransport) (*Container, *store.Store) {
	t.Helper()
	s := store.New("")
	factory := func(ctx context.Context, url string, pub crypto.PublicKey) (Transport, error) {
		if ft == nil {
			return nil, errNoTransport
		}
		return ft, nil
	}
	return New(s, DefaultCrypto, factory, nil, nil), s
}

func setRemoteCopy(t *testing.T, s *store.Store, v bool) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, s.SetState(map[string]json.RawMessage{"remote_copy": raw}))
}

func setRemoteToken(t *testing.T, s *store.Store, token string) {
	t.Helper()
	raw, err := json.Marshal(token)
	require.NoError(t, err)
	require.NoError(t, s.SetState(map[string]json.RawMessage{"remote_token": raw}))
}

var errNoTransport = &testTransportError{"no transport configured"}

type testTransportError struct{ msg string }

func (e *testTransportError) Error() string { return e.msg }

// loginOffline logs a fresh container in with no remote copy configured,
// leaving it unlocked with a freshly initialized wallet tree (chain_id
// "solana", created, last_modified, weak_password).
func loginOffline(t *testing.T, c *Container, email, username, password string) {
	t.Helper()
	err := c.Login(context.Background(), email, username, password, strPtr("solana"))
	require.NoError(t, err)
}

func strPtr(s string) *string { return &s }
