package ssh

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/acolita/shell-instrumentation/internal/adapters/realfs"
	"github.com/acolita/shell-instrumentation/internal/ports"
	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrNoAuthMethods is returned when no credential could be assembled.
var ErrNoAuthMethods = errors.New("no authentication methods available")

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	KeyPath       string // Path to private key file
	KeyPassphrase string // Passphrase for encrypted keys
	UseAgent      bool   // Use SSH agent for authentication
	Password      string // Password for password authentication
	Host          string // Target host for ~/.ssh/config lookup

	// FS reads key files and ~/.ssh/config (default: the real filesystem).
	FS ports.FileSystem
}

// BuildAuthMethods constructs SSH auth methods from config, in the order
// agent, explicit key, ~/.ssh/config IdentityFile, default keys, password.
func BuildAuthMethods(cfg AuthConfig) ([]ssh.AuthMethod, error) {
	fsys := cfg.FS
	if fsys == nil {
		fsys = realfs.New()
	}

	var methods []ssh.AuthMethod

	if cfg.UseAgent {
		if agentAuth, err := sshAgentAuth(fsys); err == nil {
			methods = append(methods, agentAuth)
		}
	}

	if cfg.KeyPath != "" {
		keyAuth, err := privateKeyAuth(fsys, cfg.KeyPath, cfg.KeyPassphrase)
		if err != nil {
			return nil, fmt.Errorf("private key auth: %w", err)
		}
		methods = append(methods, keyAuth)
	}

	if cfg.KeyPath == "" && cfg.Host != "" {
		if configKey := identityFileFor(fsys, cfg.Host); configKey != "" {
			if keyAuth, err := privateKeyAuth(fsys, configKey, cfg.KeyPassphrase); err == nil {
				methods = append(methods, keyAuth)
			}
		}
	}

	if cfg.KeyPath == "" && cfg.Password == "" && len(methods) == 0 {
		for _, keyPath := range []string{"~/.ssh/id_ed25519", "~/.ssh/id_rsa", "~/.ssh/id_ecdsa"} {
			if keyAuth, err := privateKeyAuth(fsys, keyPath, cfg.KeyPassphrase); err == nil {
				methods = append(methods, keyAuth)
				break
			}
		}
	}

	if cfg.Password != "" {
		methods = append(methods, PasswordAuth(cfg.Password), KeyboardInteractiveAuth(cfg.Password))
	}

	if len(methods) == 0 {
		return nil, ErrNoAuthMethods
	}
	return methods, nil
}

func sshAgentAuth(fsys ports.FileSystem) (ssh.AuthMethod, error) {
	socket := fsys.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil, errors.New("SSH_AUTH_SOCK not set")
	}

	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("dial agent: %w", err)
	}

	agentClient := agent.NewClient(conn)
	return ssh.PublicKeysCallback(agentClient.Signers), nil
}

func privateKeyAuth(fsys ports.FileSystem, keyPath, passphrase string) (ssh.AuthMethod, error) {
	keyData, err := fsys.ReadFile(expandPath(fsys, keyPath))
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(keyData)
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	return ssh.PublicKeys(signer), nil
}

// BuildHostKeyCallback creates a host key callback from known_hosts. A
// missing known_hosts file is an error unless insecure is set.
func BuildHostKeyCallback(knownHostsPath string, insecure bool) (ssh.HostKeyCallback, error) {
	if insecure {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if knownHostsPath == "" {
		knownHostsPath = "~/.ssh/known_hosts"
	}

	expanded := expandPath(realfs.New(), knownHostsPath)
	if _, err := os.Stat(expanded); err != nil {
		return nil, fmt.Errorf("known_hosts %s: %w", expanded, err)
	}

	callback, err := knownhosts.New(expanded)
	if err != nil {
		return nil, fmt.Errorf("parse known_hosts: %w", err)
	}
	return callback, nil
}

// expandPath expands ~ to home directory.
func expandPath(fsys ports.FileSystem, path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := fsys.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// identityFileFor returns the first IdentityFile of a ~/.ssh/config Host
// block matching host.
func identityFileFor(fsys ports.FileSystem, host string) string {
	data, err := fsys.ReadFile(expandPath(fsys, "~/.ssh/config"))
	if err != nil {
		return ""
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	matches := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.FieldsFunc(line, func(r rune) bool {
			return r == ' ' || r == '\t' || r == '='
		})
		if len(parts) < 2 {
			continue
		}
		key := parts[0]
		value := strings.Trim(strings.Join(parts[1:], " "), `"`)

		switch strings.ToLower(key) {
		case "host":
			matches = MatchHostPatterns(host, value)
		case "identityfile":
			if matches {
				return expandPath(fsys, value)
			}
		}
	}
	return ""
}

// MatchHostPatterns reports whether host matches a whitespace-separated
// ssh_config Host pattern list. A negated pattern ("!bastion") that matches
// rejects the host regardless of the others.
func MatchHostPatterns(host, patterns string) bool {
	matched := false
	for _, p := range strings.Fields(patterns) {
		negated := strings.HasPrefix(p, "!")
		p = strings.TrimPrefix(p, "!")

		ok, err := doublestar.Match(p, host)
		if err != nil || !ok {
			continue
		}
		if negated {
			return false
		}
		matched = true
	}
	return matched
}

// PasswordAuth returns a password auth method.
func PasswordAuth(password string) ssh.AuthMethod {
	return ssh.Password(password)
}

// KeyboardInteractiveAuth answers every keyboard-interactive question with
// the password.
func KeyboardInteractiveAuth(password string) ssh.AuthMethod {
	return ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range questions {
			answers[i] = password
		}
		return answers, nil
	})
}
