// migrate_store imports a wallet encrypted in the legacy password-file
// format (scrypt-derived AES-GCM, one file per wallet) into a fresh engine
// Store snapshot, re-keyed under credentials the engine's own Session
// Manager understands. Run once per legacy file being migrated:
//
//	go run ./cmd/migrate_store -in old-wallet.cwt -out wallet.snapshot -chain solana -email alice@example.com -username alice
package main

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/scrypt"

	"github.com/cwtsync/wallet-core/internal/config"
	"github.com/cwtsync/wallet-core/internal/store"
	"github.com/cwtsync/wallet-core/internal/wallet"
	"github.com/cwtsync/wallet-core/internal/walletval"
)

// legacy scrypt/AES-GCM parameters, kept only here: the format this tool
// reads predates the engine's NaCl box scheme (internal/crypto/box.go) and
// is never written again once a wallet has been migrated.
const (
	legacyScryptN      = 1 << 18
	legacyScryptR      = 8
	legacyScryptP      = 1
	legacyScryptKeyLen = 32
)

// legacyCWTFile mirrors the on-disk JSON shape of the format being retired.
type legacyCWTFile struct {
	Network    string `json:"network"`
	Address    string `json:"address"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	CipherText string `json:"cipherText"`
}

// legacyWalletData is what legacyCWTFile.CipherText decrypts to.
type legacyWalletData struct {
	PrivateKey []byte `json:"privateKey"`
	CreatedAt  string `json:"createdAt"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "migrate_store:", err)
		os.Exit(1)
	}
}

func run() error {
	in := flag.String("in", "", "path to the legacy .cwt wallet file")
	out := flag.String("out", "wallet.snapshot", "path to write the new engine store snapshot")
	chainID := flag.String("chain", "", "chain_id to record; overrides the legacy file's network when set")
	email := flag.String("email", "", "email half of the new login credentials")
	username := flag.String("username", "", "username half of the new login credentials")
	flag.Parse()

	if *in == "" {
		return errors.New("-in is required")
	}
	if *email == "" || *username == "" {
		return errors.New("-email and -username are required: migrated wallets are unlocked via Login, not the legacy file password")
	}

	oldPassword, err := config.PromptForPassword(fmt.Sprintf("legacy password for %s: ", *in))
	if err != nil {
		return err
	}
	defer clear(oldPassword)

	legacy, createdAt, err := decryptLegacy(*in, oldPassword)
	if err != nil {
		return fmt.Errorf("decrypting legacy file: %w", err)
	}

	newPassword, err := config.PromptForPassword("new login password: ")
	if err != nil {
		return err
	}
	defer clear(newPassword)

	newKey, err := wallet.DeriveLoginKey(wallet.DefaultCrypto, *email, *username, string(newPassword))
	if err != nil {
		return fmt.Errorf("deriving new login key: %w", err)
	}

	if createdAt == "" {
		createdAt = time.Now().UTC().Format(time.RFC3339)
	}
	tree := walletval.NewObject().
		Set("created", walletval.NewString(createdAt)).
		Set("last_modified", walletval.NewString(time.Now().UTC().Format(time.RFC3339))).
		Set("weak_password", walletval.NewBool(false))
	if legacy.Address != "" {
		tree = tree.Set("migrated_address", walletval.NewString(legacy.Address))
	}
	chain := *chainID
	if chain == "" {
		chain = legacy.Network
	}
	if chain == "" {
		return errors.New("no chain_id available: pass -chain or migrate a legacy file that carries a network")
	}
	tree = tree.Set("chain_id", walletval.NewString(chain))

	s := store.New(*out)
	if err := wallet.Bootstrap(s, wallet.DefaultCrypto, newKey, tree); err != nil {
		return fmt.Errorf("bootstrapping new store: %w", err)
	}
	if err := s.SetSaveToDisk(true); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}

	fmt.Printf("migrated %s -> %s (chain_id=%s)\n", *in, *out, chain)
	return nil
}

// decryptLegacy opens the legacy AES-GCM file and returns its metadata plus
// the wallet's recorded creation time. The legacy private key material
// itself is discarded once decryption succeeds: a migrated wallet is
// unlocked by new credentials through Login, never by the old key.
func decryptLegacy(path string, password []byte) (legacyCWTFile, string, error) {
	var cwt legacyCWTFile

	raw, err := os.ReadFile(path)
	if err != nil {
		return cwt, "", err
	}
	if len(raw) >= 3 && raw[0] == 0xEF && raw[1] == 0xBB && raw[2] == 0xBF {
		raw = raw[3:]
	}
	if err := json.Unmarshal(raw, &cwt); err != nil {
		return cwt, "", fmt.Errorf("decoding legacy file: %w", err)
	}

	salt, err := base64.StdEncoding.DecodeString(cwt.Salt)
	if err != nil {
		return cwt, "", fmt.Errorf("decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(cwt.Nonce)
	if err != nil {
		return cwt, "", fmt.Errorf("decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(cwt.CipherText)
	if err != nil {
		return cwt, "", fmt.Errorf("decoding ciphertext: %w", err)
	}

	key, err := scrypt.Key(password, salt, legacyScryptN, legacyScryptR, legacyScryptP, legacyScryptKeyLen)
	if err != nil {
		return cwt, "", fmt.Errorf("deriving legacy key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return cwt, "", err
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return cwt, "", err
	}
	plaintext, err := aesGCM.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return cwt, "", errors.New("invalid password")
	}
	defer clear(plaintext)

	var data legacyWalletData
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return cwt, "", fmt.Errorf("decoding legacy wallet data: %w", err)
	}
	return cwt, data.CreatedAt, nil
}
