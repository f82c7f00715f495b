// Package config loads the wallet engine's process-level configuration:
// where the local snapshot lives, whether a remote copy is kept, and how to
// reach it. It follows the teacher repository's envconfig-plus-global
// accessor idiom, adding cross-field validation the teacher's flat struct
// never needed.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"golang.org/x/term"

	"github.com/cwtsync/wallet-core/internal/walleterr"
)

// Config contains the engine's process-level settings. RemoteCopy and
// RemoteURL are cross-validated: persisting a wallet with RemoteCopy true
// but no RemoteURL is a ConfigurationError (§7), never a panic.
type Config struct {
	StorePath      string `envconfig:"STORE_PATH" default:"wallet.snapshot"`
	RemoteCopy     bool   `envconfig:"REMOTE_COPY" default:"false"`
	RemoteURL      string `envconfig:"REMOTE_URL" validate:"required_if=RemoteCopy true"`
	RedisAddr      string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"false"`
}

// cfg is the global configuration instance, set by Init.
var cfg *Config

var validate = validator.New()

// Init loads configuration from environment variables and validates it,
// returning a *walleterr.Error with CategoryConfiguration on any problem.
func Init() error {
	c := &Config{}
	if err := envconfig.Process("", c); err != nil {
		return walleterr.ConfigurationError(fmt.Sprintf("processing environment: %v", err))
	}
	if err := Validate(c); err != nil {
		return err
	}
	cfg = c
	return nil
}

// Validate cross-checks a Config's fields, returning a ConfigurationError
// (§7) when remote_copy is set without a remote_url.
func Validate(c *Config) error {
	if err := validate.Struct(c); err != nil {
		return walleterr.ConfigurationError(fmt.Sprintf("invalid configuration: %v", err))
	}
	if c.RemoteCopy && c.RemoteURL == "" {
		return walleterr.ConfigurationError("remote_copy is set but remote_url is empty")
	}
	return nil
}

// Get returns the global configuration instance. Panics if Init was not
// called, mirroring the teacher's accessor.
func Get() *Config {
	if cfg == nil {
		panic("config not initialized, call Init() first")
	}
	return cfg
}

// PromptForPassword prompts an operator for the wallet password on the
// terminal, without echoing input. Used by cmd/migrate_store and any other
// one-off tool that needs to unlock a wallet interactively rather than
// through the Session Manager's programmatic login.
func PromptForPassword(prompt string) ([]byte, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, errors.New("stdin is not a terminal: run interactively to enter a password")
	}
	fmt.Fprint(os.Stderr, prompt)
	defer fmt.Fprintln(os.Stderr)

	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	if len(raw) == 0 {
		return nil, errors.New("password cannot be empty")
	}
	return raw, nil
}
