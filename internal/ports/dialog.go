package ports

// CredentialPrompt abstracts interactive credential entry.
// Implementations may use TUI forms or test fakes.
type CredentialPrompt interface {
	// Password asks for the password of user@host. An empty answer with a
	// nil error means the user declined.
	Password(user, host string) (string, error)
}
