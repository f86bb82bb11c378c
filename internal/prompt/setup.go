package prompt

import (
	"path"
	"strings"
)

// Supported shell flavours for SetupCommand.
const (
	ShellBash = "bash"
	ShellZsh  = "zsh"
)

// ShellFlavour maps a shell name or path ("/usr/bin/zsh", "bash") to a
// flavour understood by SetupCommand. Unknown shells are treated as bash.
func ShellFlavour(shell string) string {
	if path.Base(shell) == ShellZsh {
		return ShellZsh
	}
	return ShellBash
}

// SetupCommand returns the line that makes the shell render the synthetic
// prompt after every command.
//
// For bash the prompt is rebuilt by PROMPT_COMMAND so the exit status is
// captured before anything else runs; \# is the command counter and \w the
// working directory.
func SetupCommand(shell string, m Markers) string {
	sep := m.FieldSeparator

	switch ShellFlavour(shell) {
	case ShellZsh:
		// %! is the history event number, %? the last exit status.
		prefix := strings.ReplaceAll(m.Prefix, "%", "%%")
		suffix := strings.ReplaceAll(m.Suffix, "%", "%%")
		return "unsetopt PROMPT_SP; RPROMPT=''; PROMPT=$'" + m.EscapedNewLine + prefix +
			"%!" + sep + "%?" + sep + "%~" + sep + suffix + "'"
	default:
		var b strings.Builder
		b.WriteString(`PROMPT_COMMAND='RET=$?;\`)
		b.WriteString(m.NewLine)
		b.WriteString(`export PS1="`)
		b.WriteString(m.EscapedNewLine)
		b.WriteString(m.Prefix)
		b.WriteString(`\#`)
		b.WriteString(sep)
		b.WriteString(`$RET`)
		b.WriteString(sep)
		b.WriteString(`\w`)
		b.WriteString(sep)
		b.WriteString(m.Suffix)
		b.WriteString(`";'`)
		return b.String()
	}
}
