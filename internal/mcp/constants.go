package mcp

const serverName = "shell-instrumentation"

// Tool parameter descriptions and error messages shared by the handlers.
const (
	descSessionID = "The session ID returned by shell_session_open"
	descTimeoutMs = "How long to wait in milliseconds (default: the configured command timeout)"

	errSessionIDRequired = "session_id is required"
	errCommandRequired   = "command is required"

	hintBusy = "A command is still running. Use shell_wait, or shell_submit to answer its input request."
)
