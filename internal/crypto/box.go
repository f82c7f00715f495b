package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

// Encrypt seals plaintext for the given recipient using an anonymous NaCl
// box: nobody but the holder of the matching PrivateKey can open it, and
// the sender does not need a keypair of their own. This is the direct
// asymmetric analogue of the teacher's password-symmetric AES-GCM file
// encryption, adapted to the engine's public/private-key contract.
func Encrypt(plaintext []byte, pub PublicKey) ([]byte, error) {
	sealed, err := box.SealAnonymous(nil, plaintext, &pub.BoxPub, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: sealing: %w", err)
	}
	return sealed, nil
}

// Decrypt opens a ciphertext produced by Encrypt. It fails if the
// ciphertext was not sealed for this key, which the engine reports as an
// invalid password.
func Decrypt(ciphertext []byte, priv PrivateKey) ([]byte, error) {
	plaintext, ok := box.OpenAnonymous(nil, ciphertext, &priv.boxPub, &priv.boxPriv)
	if !ok {
		return nil, fmt.Errorf("crypto: open failed: wrong key or corrupt ciphertext")
	}
	return plaintext, nil
}
