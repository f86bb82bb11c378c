package security

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/acolita/shell-instrumentation/internal/config"
	"github.com/acolita/shell-instrumentation/internal/ports"
)

// Credentials resolves SSH secrets for configured servers. Sources are
// tried in order: environment variable, OS keyring, interactive prompt.
// A prompted password is saved to the keyring when one is available.
type Credentials struct {
	keyring *KeyringStore
	prompt  ports.CredentialPrompt
	getenv  func(string) string
	logger  *slog.Logger
}

// CredentialsOption configures Credentials.
type CredentialsOption func(*Credentials)

// WithKeyring enables keyring lookups.
func WithKeyring(ks *KeyringStore) CredentialsOption {
	return func(c *Credentials) { c.keyring = ks }
}

// WithPrompt enables asking the user.
func WithPrompt(p ports.CredentialPrompt) CredentialsOption {
	return func(c *Credentials) { c.prompt = p }
}

// WithGetenv replaces os.Getenv.
func WithGetenv(fn func(string) string) CredentialsOption {
	return func(c *Credentials) { c.getenv = fn }
}

// WithCredentialsLogger sets the logger.
func WithCredentialsLogger(logger *slog.Logger) CredentialsOption {
	return func(c *Credentials) { c.logger = logger }
}

// NewCredentials creates a resolver.
func NewCredentials(opts ...CredentialsOption) *Credentials {
	c := &Credentials{getenv: os.Getenv, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Password returns the SSH password for server, or "" when none is
// configured and nobody could be asked. Key-only servers never prompt.
func (c *Credentials) Password(server config.ServerConfig) (string, error) {
	if env := server.Auth.PasswordEnv; env != "" {
		if pw := c.getenv(env); pw != "" {
			return pw, nil
		}
	}

	if c.keyring.IsEnabled() {
		pw, err := c.keyring.ServerPassword(server.Host, server.User)
		if err != nil {
			c.logger.Debug("keyring lookup failed", slog.String("server", server.Name), slog.String("error", err.Error()))
		} else if pw != "" {
			return pw, nil
		}
	}

	if server.Auth.Type != "password" || c.prompt == nil {
		return "", nil
	}

	pw, err := c.prompt.Password(server.User, server.Host)
	if err != nil {
		return "", fmt.Errorf("prompt for password: %w", err)
	}
	if pw != "" && c.keyring.IsEnabled() {
		if err := c.keyring.StoreServerPassword(server.Host, server.User, pw); err != nil {
			c.logger.Warn("could not save password", slog.String("server", server.Name), slog.String("error", err.Error()))
		}
	}
	return pw, nil
}

// Passphrase returns the passphrase for the server's private key from its
// environment variable or the keyring.
func (c *Credentials) Passphrase(server config.ServerConfig, keyPath string) string {
	if env := server.Auth.PassphraseEnv; env != "" {
		if p := c.getenv(env); p != "" {
			return p
		}
	}
	if keyPath != "" && c.keyring.IsEnabled() {
		if p, err := c.keyring.KeyPassphrase(keyPath); err == nil {
			return p
		}
	}
	return ""
}

// Forget removes a saved password, e.g. after the server rejected it.
func (c *Credentials) Forget(server config.ServerConfig) {
	if c.keyring.IsEnabled() {
		_ = c.keyring.DeleteServerPassword(server.Host, server.User)
	}
}
