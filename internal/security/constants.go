package security

const (
	// KeyringService is the service name used for keyring entries.
	KeyringService = "shell-instrumentation"

	keyProbe         = "__shell_instrumentation_probe__"
	keyServerFmt     = "server:%s@%s"
	keyPassphraseFmt = "ssh-passphrase:%s"
)
