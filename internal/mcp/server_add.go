package mcp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/acolita/shell-instrumentation/internal/config"
	"github.com/mark3labs/mcp-go/mcp"
)

func shellServerAddTool() mcp.Tool {
	return mcp.NewTool("shell_server_add",
		mcp.WithDescription(`Add an SSH server to the configuration file.

Credentials never pass through this tool: name the environment variables
that hold a password or key passphrase instead, or leave them unset to use
the SSH agent, the OS keyring or a key file.

The server can be opened with shell_session_open right away.

Requires a config file path (-config flag at startup).`),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Short name for the server (e.g., 'production', 's1')"),
		),
		mcp.WithString("host",
			mcp.Required(),
			mcp.Description("SSH hostname or IP address"),
		),
		mcp.WithNumber("port",
			mcp.Description("SSH port (default: 22)"),
		),
		mcp.WithString("user",
			mcp.Required(),
			mcp.Description("SSH username"),
		),
		mcp.WithString("auth_type",
			mcp.Description("Authentication type: 'key' (default) or 'password'"),
		),
		mcp.WithString("key_path",
			mcp.Description("Path to SSH private key"),
		),
		mcp.WithString("password_env",
			mcp.Description("Environment variable holding the SSH password"),
		),
		mcp.WithString("passphrase_env",
			mcp.Description("Environment variable holding the key passphrase"),
		),
		mcp.WithString("shell",
			mcp.Description("Remote login shell: 'bash' (default), 'sh' or 'zsh'"),
		),
	)
}

func (s *Server) handleShellServerAdd(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.configPath == "" {
		return mcp.NewToolResultError(
			"No config file path set. Start with -config to enable config management.",
		), nil
	}

	server := config.ServerConfig{
		Name:    mcp.ParseString(req, "name", ""),
		Host:    mcp.ParseString(req, "host", ""),
		Port:    mcp.ParseInt(req, "port", 22),
		User:    mcp.ParseString(req, "user", ""),
		KeyPath: mcp.ParseString(req, "key_path", ""),
		Shell:   mcp.ParseString(req, "shell", ""),
		Auth: config.AuthConfig{
			Type:          mcp.ParseString(req, "auth_type", "key"),
			PasswordEnv:   mcp.ParseString(req, "password_env", ""),
			PassphraseEnv: mcp.ParseString(req, "passphrase_env", ""),
		},
	}

	switch {
	case server.Name == "":
		return mcp.NewToolResultError("name is required"), nil
	case server.Host == "":
		return mcp.NewToolResultError("host is required"), nil
	case server.User == "":
		return mcp.NewToolResultError("user is required"), nil
	case server.Port <= 0 || server.Port > 65535:
		return mcp.NewToolResultError(fmt.Sprintf("invalid port %d", server.Port)), nil
	}
	switch server.Auth.Type {
	case "key", "password":
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown auth_type %q", server.Auth.Type)), nil
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	current := s.Config()
	next := *current
	next.Servers = append([]config.ServerConfig(nil), current.Servers...)

	if err := next.AddServer(server); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := next.Validate(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := config.Save(&next, s.configPath, s.fs); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("save config: %v", err)), nil
	}

	// The file watcher applies the same change again; this makes the
	// server usable before it fires.
	s.UpdateConfig(&next)

	s.logger.Info("server configuration saved",
		slog.String("server_name", server.Name),
		slog.String("host", server.Host),
		slog.String("config_path", s.configPath),
	)

	return jsonResult(map[string]any{
		"status":      "saved",
		"server_name": server.Name,
		"host":        server.Host,
		"port":        server.Port,
		"user":        server.User,
		"auth_type":   server.Auth.Type,
		"config_path": s.configPath,
	})
}
