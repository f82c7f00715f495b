// Package crypto implements the wallet engine's Crypto contract: deriving a
// keypair from a login seed, signing, SHA-256 hashing, and anonymous
// public-key encryption of the wallet payload. It generalizes the teacher
// repository's password-hardened, file-scoped AES-GCM encryption into the
// engine's public/private-key contract.
package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
)

// scrypt parameters for deriving a wallet's master key material from the
// login seed. Same cost as the teacher's password-file encryption: security
// prioritized over performance, N=2^18 stays within reach of mobile devices
// while remaining expensive to brute-force.
const (
	scryptN      = 1 << 18
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

// domainSalt is fixed: the seed string itself (email+username+password)
// already supplies the per-user entropy, so scrypt here is pure key
// stretching, not per-user salting.
var domainSalt = []byte("wallet-core/private-key-from-seed/v1")

const (
	hkdfSignInfo = "wallet-core/sign"
	hkdfBoxInfo  = "wallet-core/box"

	wifVersion = 0x80
)

// PrivateKey is an unlocked wallet key: an ed25519 signing subkey and a
// curve25519 box subkey, both deterministically derived from the same
// master seed so login is reproducible from the same credentials.
type PrivateKey struct {
	master  [32]byte
	signKey ed25519.PrivateKey
	boxPriv [32]byte
	boxPub  [32]byte
}

// PublicKey is the externally-shareable half of a PrivateKey.
type PublicKey struct {
	SignPub ed25519.PublicKey
	BoxPub  [32]byte
}

// Signature is a raw ed25519 signature.
type Signature []byte

// PrivateKeyFromSeed derives a PrivateKey from an arbitrary seed byte
// string. Deterministic: the same seed always yields the same key.
func PrivateKeyFromSeed(seed []byte) (PrivateKey, error) {
	master, err := scrypt.Key(seed, domainSalt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return PrivateKey{}, fmt.Errorf("crypto: deriving master key: %w", err)
	}

	signSeed := make([]byte, ed25519.SeedSize)
	if _, err := hkdfRead(master, []byte(hkdfSignInfo), signSeed); err != nil {
		return PrivateKey{}, fmt.Errorf("crypto: deriving signing subkey: %w", err)
	}
	signKey := ed25519.NewKeyFromSeed(signSeed)

	var boxSeed [32]byte
	if _, err := hkdfRead(master, []byte(hkdfBoxInfo), boxSeed[:]); err != nil {
		return PrivateKey{}, fmt.Errorf("crypto: deriving box subkey: %w", err)
	}
	clampScalar(&boxSeed)

	var boxPub [32]byte
	curve25519.ScalarBaseMult(&boxPub, &boxSeed)

	var masterArr [32]byte
	copy(masterArr[:], master)

	return PrivateKey{
		master:  masterArr,
		signKey: signKey,
		boxPriv: boxSeed,
		boxPub:  boxPub,
	}, nil
}

func hkdfRead(secret, info []byte, out []byte) (int, error) {
	r := hkdf.New(sha256.New, secret, nil, info)
	return r.Read(out)
}

// clampScalar applies the standard X25519 clamping bits.
func clampScalar(b *[32]byte) {
	b[0] &= 248
	b[31] &= 127
	b[31] |= 64
}

// PublicKey returns the shareable half of the key.
func (k PrivateKey) PublicKey() PublicKey {
	return PublicKey{
		SignPub: k.signKey.Public().(ed25519.PublicKey),
		BoxPub:  k.boxPub,
	}
}

// Sign signs data with the ed25519 signing subkey.
func (k PrivateKey) Sign(data []byte) (Signature, error) {
	return ed25519.Sign(k.signKey, data), nil
}

// WIF encodes the ed25519 signing seed as a Bitcoin-style Wallet Import
// Format string: version byte, 32-byte key, compression flag, 4-byte
// double-SHA256 checksum, base58.
func (k PrivateKey) WIF() string {
	seed := k.signKey.Seed()
	payload := make([]byte, 0, 1+len(seed)+1)
	payload = append(payload, wifVersion)
	payload = append(payload, seed...)
	payload = append(payload, 0x01) // compressed-pubkey flag, by convention

	checksum := doubleSHA256(payload)
	payload = append(payload, checksum[:4]...)
	return base58.Encode(payload)
}

// EqualWIF compares two WIF strings in constant time.
func EqualWIF(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func doubleSHA256(b []byte) [32]byte {
	first := sha256.Sum256(b)
	return sha256.Sum256(first[:])
}

// SHA256 hashes data, implementing the Hasher's primitive.
func SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// SolanaAddress renders the signing public key as a Solana-style base58
// account address, bridging into the teacher's domain without pulling in
// any of its RPC/payment machinery.
func (p PublicKey) SolanaAddress() string {
	return solana.PublicKeyFromBytes(p.SignPub).String()
}
