package security

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zalando/go-keyring"
)

// ErrKeyringUnavailable is returned when the OS keyring cannot be used.
var ErrKeyringUnavailable = errors.New("keyring not available")

// KeyringStore keeps SSH passwords and key passphrases in the OS keyring
// (macOS Keychain, Linux Secret Service, Windows Credential Manager).
type KeyringStore struct {
	mu      sync.RWMutex
	enabled bool
	logger  *slog.Logger
}

// NewKeyringStore probes the keyring. If it is not usable the store is
// returned disabled and every operation fails with ErrKeyringUnavailable.
func NewKeyringStore(logger *slog.Logger) *KeyringStore {
	if logger == nil {
		logger = slog.Default()
	}
	ks := &KeyringStore{enabled: true, logger: logger}

	if err := keyring.Set(KeyringService, keyProbe, "probe"); err != nil {
		logger.Debug("keyring not available", slog.String("error", err.Error()))
		ks.enabled = false
		return ks
	}
	_ = keyring.Delete(KeyringService, keyProbe)
	return ks
}

// IsEnabled returns true if the keyring is available and enabled.
func (ks *KeyringStore) IsEnabled() bool {
	if ks == nil {
		return false
	}
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.enabled
}

// SetEnabled allows enabling/disabling keyring usage.
func (ks *KeyringStore) SetEnabled(enabled bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.enabled = enabled
}

// StoreServerPassword stores the SSH password of user@host.
func (ks *KeyringStore) StoreServerPassword(host, user, password string) error {
	return ks.set(fmt.Sprintf(keyServerFmt, user, host), password)
}

// ServerPassword returns the stored SSH password of user@host. A missing
// entry is reported as "" with a nil error.
func (ks *KeyringStore) ServerPassword(host, user string) (string, error) {
	return ks.get(fmt.Sprintf(keyServerFmt, user, host))
}

// DeleteServerPassword removes the SSH password of user@host.
func (ks *KeyringStore) DeleteServerPassword(host, user string) error {
	return ks.delete(fmt.Sprintf(keyServerFmt, user, host))
}

// StoreKeyPassphrase stores the passphrase of a private key file.
func (ks *KeyringStore) StoreKeyPassphrase(keyPath, passphrase string) error {
	return ks.set(fmt.Sprintf(keyPassphraseFmt, keyPath), passphrase)
}

// KeyPassphrase returns the stored passphrase of a private key file.
func (ks *KeyringStore) KeyPassphrase(keyPath string) (string, error) {
	return ks.get(fmt.Sprintf(keyPassphraseFmt, keyPath))
}

// DeleteKeyPassphrase removes the passphrase of a private key file.
func (ks *KeyringStore) DeleteKeyPassphrase(keyPath string) error {
	return ks.delete(fmt.Sprintf(keyPassphraseFmt, keyPath))
}

// Secrets are base64 encoded so arbitrary bytes survive backends that
// only store text.
func (ks *KeyringStore) set(key, secret string) error {
	if !ks.IsEnabled() {
		return ErrKeyringUnavailable
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(secret))
	if err := keyring.Set(KeyringService, key, encoded); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	ks.logger.Debug("stored secret in keyring", slog.String("key", key))
	return nil
}

func (ks *KeyringStore) get(key string) (string, error) {
	if !ks.IsEnabled() {
		return "", ErrKeyringUnavailable
	}
	encoded, err := keyring.Get(KeyringService, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	secret, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", key, err)
	}
	return string(secret), nil
}

func (ks *KeyringStore) delete(key string) error {
	if !ks.IsEnabled() {
		return ErrKeyringUnavailable
	}
	err := keyring.Delete(KeyringService, key)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
