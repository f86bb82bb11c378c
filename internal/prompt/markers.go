// Package prompt implements the synthetic shell prompt: the marker format the
// remote shell is told to print after every command, its parser, and the
// shell-specific setup lines that install it.
package prompt

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Markers holds the literals that make up a synthetic prompt. A Markers value
// is immutable once built and is shared by the parser and the setup command,
// so sessions with different markers can coexist.
type Markers struct {
	// NewLine is the line terminator the shell emits on the wire.
	NewLine string
	// EscapedNewLine is NewLine as written inside a PS1 definition.
	EscapedNewLine string
	// FieldSeparator splits the prompt fields.
	FieldSeparator string
	// Prefix opens the prompt and identifies it in the output stream.
	Prefix string
	// Suffix closes the prompt. The shell waits for input right after it.
	Suffix string
}

// DefaultMarkers returns the marker set used unless configured otherwise.
func DefaultMarkers() Markers {
	return Markers{
		NewLine:        "\r\n",
		EscapedNewLine: `\r\n`,
		FieldSeparator: "|",
		Prefix:         "|<<SHELL PROMPT>>|",
		Suffix:         "> ",
	}
}

// Validate checks that the markers can be parsed unambiguously.
func (m Markers) Validate() error {
	switch {
	case m.FieldSeparator == "":
		return errors.New("prompt markers: field separator is empty")
	case m.Prefix == "":
		return errors.New("prompt markers: prefix is empty")
	case m.Suffix == "":
		return errors.New("prompt markers: suffix is empty")
	case strings.Contains(m.Suffix, m.FieldSeparator):
		return fmt.Errorf("prompt markers: suffix %q contains the field separator", m.Suffix)
	}
	return nil
}

// FieldCount is the number of fields a well-formed prompt splits into:
// the pieces of the prefix, then sequence, exit code, directory and suffix.
// With the default markers this is six.
func (m Markers) FieldCount() int {
	return strings.Count(m.Prefix, m.FieldSeparator) + 4
}

// Render returns the exact text a shell configured with these markers prints
// after a command.
func (m Markers) Render(seq, exitCode int, dir string) string {
	sep := m.FieldSeparator
	return m.NewLine + m.Prefix + strconv.Itoa(seq) + sep + strconv.Itoa(exitCode) + sep + dir + sep + m.Suffix
}
