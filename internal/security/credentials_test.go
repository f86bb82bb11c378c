package security

import (
	"errors"
	"testing"

	"github.com/acolita/shell-instrumentation/internal/config"
	"github.com/acolita/shell-instrumentation/internal/testing/fakes/fakedialog"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestCredentials_Password(t *testing.T) {
	passwordServer := config.ServerConfig{
		Name: "db", Host: "db1", User: "deploy",
		Auth: config.AuthConfig{Type: "password", PasswordEnv: "DB_PASSWORD"},
	}

	t.Run("environment wins", func(t *testing.T) {
		ks := newMockKeyring(t)
		ks.StoreServerPassword("db1", "deploy", "from-keyring")
		prompt := fakedialog.New("typed")

		c := NewCredentials(WithKeyring(ks), WithPrompt(prompt), WithGetenv(envMap(map[string]string{"DB_PASSWORD": "from-env"})))
		pw, err := c.Password(passwordServer)
		if err != nil || pw != "from-env" {
			t.Errorf("Password() = %q, %v", pw, err)
		}
		if len(prompt.Calls()) != 0 {
			t.Error("prompted although env was set")
		}
	})

	t.Run("keyring before prompt", func(t *testing.T) {
		ks := newMockKeyring(t)
		ks.StoreServerPassword("db1", "deploy", "from-keyring")
		prompt := fakedialog.New("typed")

		c := NewCredentials(WithKeyring(ks), WithPrompt(prompt), WithGetenv(envMap(nil)))
		if pw, _ := c.Password(passwordServer); pw != "from-keyring" {
			t.Errorf("Password() = %q", pw)
		}
		if len(prompt.Calls()) != 0 {
			t.Error("prompted although keyring had the password")
		}
	})

	t.Run("prompt saves to keyring", func(t *testing.T) {
		ks := newMockKeyring(t)
		prompt := fakedialog.New("typed")

		c := NewCredentials(WithKeyring(ks), WithPrompt(prompt), WithGetenv(envMap(nil)))
		if pw, _ := c.Password(passwordServer); pw != "typed" {
			t.Errorf("Password() = %q", pw)
		}
		if calls := prompt.Calls(); len(calls) != 1 || calls[0] != "deploy@db1" {
			t.Errorf("prompt calls = %v", calls)
		}
		if saved, _ := ks.ServerPassword("db1", "deploy"); saved != "typed" {
			t.Errorf("saved password = %q", saved)
		}

		c.Forget(passwordServer)
		if saved, _ := ks.ServerPassword("db1", "deploy"); saved != "" {
			t.Errorf("password kept after Forget: %q", saved)
		}
	})

	t.Run("key servers never prompt", func(t *testing.T) {
		prompt := fakedialog.New("typed")
		c := NewCredentials(WithPrompt(prompt), WithGetenv(envMap(nil)))

		keyServer := passwordServer
		keyServer.Auth.Type = "key"
		if pw, err := c.Password(keyServer); pw != "" || err != nil {
			t.Errorf("Password() = %q, %v", pw, err)
		}
		if len(prompt.Calls()) != 0 {
			t.Error("prompted for a key server")
		}
	})

	t.Run("prompt error", func(t *testing.T) {
		prompt := fakedialog.New("")
		prompt.Err = errors.New("no tty")
		c := NewCredentials(WithPrompt(prompt), WithGetenv(envMap(nil)))
		if _, err := c.Password(passwordServer); err == nil {
			t.Error("expected prompt error")
		}
	})
}

func TestCredentials_Passphrase(t *testing.T) {
	ks := newMockKeyring(t)
	ks.StoreKeyPassphrase("/keys/a", "kr-phrase")

	server := config.ServerConfig{Auth: config.AuthConfig{PassphraseEnv: "KEY_PHRASE"}}

	c := NewCredentials(WithKeyring(ks), WithGetenv(envMap(map[string]string{"KEY_PHRASE": "env-phrase"})))
	if got := c.Passphrase(server, "/keys/a"); got != "env-phrase" {
		t.Errorf("Passphrase() = %q, want env value", got)
	}

	c = NewCredentials(WithKeyring(ks), WithGetenv(envMap(nil)))
	if got := c.Passphrase(server, "/keys/a"); got != "kr-phrase" {
		t.Errorf("Passphrase() = %q, want keyring value", got)
	}
	if got := c.Passphrase(server, ""); got != "" {
		t.Errorf("Passphrase() without key = %q", got)
	}
}
