package wallet

import (
	"context"
	"fmt"
	"sync"

	"github.com/cwtsync/wallet-core/internal/crypto"
	"github.com/cwtsync/wallet-core/internal/transport"
)

// fakeServer is the shared, single-wallet backing state behind one or more
// fakeTransport clients: tests that need two independently-subscribed
// containers talking to "the same server" (pull, conflict, delete scenarios)
// call newClient() twice against one fakeServer, mirroring how two real
// processes would open two independent Redis connections against the same
// keys.
type fakeServer struct {
	mu sync.Mutex

	ciphertext []byte
	hash       []byte
	created    int64
	updated    int64
	exists     bool

	createErr error
	saveErr   error
	failSave  bool
	deleteErr error
	changeErr error

	createCalls int
	saveCalls   int
	deleteCalls int
	changeCalls int

	subs   map[int]func(transport.ServerWallet)
	nextID int
}

func newFakeServer() *fakeServer {
	return &fakeServer{subs: map[int]func(transport.ServerWallet){}}
}

func (f *fakeServer) currentLocked() transport.ServerWallet {
	if !f.exists {
		return transport.ServerWallet{}
	}
	return transport.ServerWallet{
		Ciphertext: f.ciphertext,
		Hash:       f.hash,
		Created:    f.created,
		Updated:    f.updated,
	}
}

// broadcastExceptLocked fans a state change out to every subscriber except
// exclude, the one that just made the change. Real pub/sub delivery to a
// mutating client's own subscription happens asynchronously, after its
// write call has already returned and persisted remote_hash locally; a
// synchronous self-echo here would instead race handleServerWallet against
// its own in-flight update_wallet call. Excluding the originator sidesteps
// that race while still exercising cross-client delivery.
func (f *fakeServer) broadcastExceptLocked(exclude int) {
	sw := f.currentLocked()
	sw.StatusText = ""
	for id, cb := range f.subs {
		if id == exclude {
			continue
		}
		cb(sw)
	}
}

// fakeTransport is a hand-written, fully deterministic stand-in for
// transport.Transport, one instance per simulated client connection sharing
// a fakeServer. It lets tests force every branch of the reconciliation
// decision table (§4.4) directly, including ones that are awkward to drive
// through real network timing (a push that arrives mid-decision, a
// conflicting concurrent write).
type fakeTransport struct {
	srv *fakeServer

	mu    sync.Mutex
	subID int
	have  bool
}

// newFakeTransport returns a standalone single-client fake transport backed
// by its own fakeServer.
func newFakeTransport() *fakeTransport {
	return newFakeServer().newClient()
}

func (f *fakeServer) newClient() *fakeTransport {
	return &fakeTransport{srv: f}
}

func (f *fakeTransport) createCallsCount() int {
	f.srv.mu.Lock()
	defer f.srv.mu.Unlock()
	return f.srv.createCalls
}

func (f *fakeTransport) saveCallsCount() int {
	f.srv.mu.Lock()
	defer f.srv.mu.Unlock()
	return f.srv.saveCalls
}

func (f *fakeTransport) deleteCallsCount() int {
	f.srv.mu.Lock()
	defer f.srv.mu.Unlock()
	return f.srv.deleteCalls
}

func (f *fakeTransport) changeCallsCount() int {
	f.srv.mu.Lock()
	defer f.srv.mu.Unlock()
	return f.srv.changeCalls
}

func (f *fakeTransport) seedServer(ciphertext, hash []byte, created, updated int64) {
	f.srv.mu.Lock()
	defer f.srv.mu.Unlock()
	f.srv.ciphertext = ciphertext
	f.srv.hash = hash
	f.srv.created = created
	f.srv.updated = updated
	f.srv.exists = true
}

func (f *fakeTransport) FetchWallet(ctx context.Context, pub crypto.PublicKey, localHash []byte, cb func(transport.ServerWallet)) error {
	f.srv.mu.Lock()
	defer f.srv.mu.Unlock()

	sw := f.srv.currentLocked()
	switch {
	case !f.srv.exists:
		sw.StatusText = transport.StatusNoContent
	case string(localHash) == string(f.srv.hash):
		sw.StatusText = transport.StatusNotModified
	default:
		sw.StatusText = transport.StatusOK
	}

	f.mu.Lock()
	f.srv.nextID++
	f.subID = f.srv.nextID
	f.have = true
	f.mu.Unlock()
	f.srv.subs[f.subID] = cb

	cb(sw)
	return nil
}

func (f *fakeTransport) UnsubscribeFetchWallet(ctx context.Context, pub crypto.PublicKey) error {
	f.mu.Lock()
	id := f.subID
	f.have = false
	f.mu.Unlock()

	f.srv.mu.Lock()
	delete(f.srv.subs, id)
	f.srv.mu.Unlock()
	return nil
}

func (f *fakeTransport) SubscriptionID(op string, pub crypto.PublicKey) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.have {
		return "", false
	}
	return fmt.Sprintf("fake-sub-%d", f.subID), true
}

func (f *fakeTransport) CreateWallet(ctx context.Context, token string, ciphertext []byte, sig crypto.Signature) (transport.ServerWallet, error) {
	f.srv.mu.Lock()
	defer f.srv.mu.Unlock()
	f.srv.createCalls++
	if f.srv.createErr != nil {
		return transport.ServerWallet{}, f.srv.createErr
	}
	if f.srv.exists {
		return transport.ServerWallet{StatusText: transport.StatusConflict}, nil
	}
	hash := crypto.SHA256(ciphertext)
	f.srv.ciphertext = ciphertext
	f.srv.hash = hash[:]
	f.srv.created = 1000
	f.srv.updated = 1000
	f.srv.exists = true
	f.srv.broadcastExceptLocked(f.subID)
	return transport.ServerWallet{StatusText: transport.StatusOK, Hash: f.srv.hash, Created: f.srv.created, Updated: f.srv.updated}, nil
}

func (f *fakeTransport) SaveWallet(ctx context.Context, prevHash []byte, ciphertext []byte, sig crypto.Signature) (transport.ServerWallet, error) {
	f.srv.mu.Lock()
	defer f.srv.mu.Unlock()
	f.srv.saveCalls++
	if f.srv.failSave {
		return transport.ServerWallet{StatusText: transport.StatusConflict}, nil
	}
	if f.srv.saveErr != nil {
		return transport.ServerWallet{}, f.srv.saveErr
	}
	if !f.srv.exists {
		return transport.ServerWallet{StatusText: transport.StatusNoContent}, nil
	}
	if string(prevHash) != string(f.srv.hash) {
		return transport.ServerWallet{StatusText: transport.StatusConflict}, nil
	}
	hash := crypto.SHA256(ciphertext)
	f.srv.ciphertext = ciphertext
	f.srv.hash = hash[:]
	f.srv.updated++
	f.srv.broadcastExceptLocked(f.subID)
	return transport.ServerWallet{StatusText: transport.StatusOK, Hash: f.srv.hash, Updated: f.srv.updated}, nil
}

func (f *fakeTransport) DeleteWallet(ctx context.Context, hash []byte, sig crypto.Signature) error {
	f.srv.mu.Lock()
	defer f.srv.mu.Unlock()
	f.srv.deleteCalls++
	if f.srv.deleteErr != nil {
		return f.srv.deleteErr
	}
	f.srv.exists = false
	f.srv.ciphertext = nil
	f.srv.hash = nil
	f.srv.created = 0
	f.srv.updated = 0
	f.srv.broadcastExceptLocked(f.subID)
	return nil
}

func (f *fakeTransport) ChangePassword(ctx context.Context, oldHash []byte, oldSig crypto.Signature, newCiphertext []byte, newSig crypto.Signature) (transport.ServerWallet, error) {
	f.srv.mu.Lock()
	defer f.srv.mu.Unlock()
	f.srv.changeCalls++
	if f.srv.changeErr != nil {
		return transport.ServerWallet{}, f.srv.changeErr
	}
	if !f.srv.exists || string(oldHash) != string(f.srv.hash) {
		return transport.ServerWallet{StatusText: transport.StatusConflict}, nil
	}
	hash := crypto.SHA256(newCiphertext)
	f.srv.ciphertext = newCiphertext
	f.srv.hash = hash[:]
	f.srv.updated++
	f.srv.broadcastExceptLocked(f.subID)
	return transport.ServerWallet{StatusText: transport.StatusOK, Hash: f.srv.hash, Updated: f.srv.updated}, nil
}
