package prompt

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedPrompt reports text that starts like a synthetic prompt but
// fails field validation. Such text is ordinary output, not a ready prompt.
var ErrMalformedPrompt = errors.New("malformed prompt")

// Parse parses a candidate prompt beginning at the prefix. The text must split
// into exactly FieldCount fields on the separator and its last field must be
// the suffix, so anything trailing the suffix is rejected. Output is left
// empty; the caller attaches it.
func (m Markers) Parse(text string) (Info, error) {
	if !strings.HasPrefix(text, m.Prefix) {
		return Info{}, fmt.Errorf("%w: missing prefix %q", ErrMalformedPrompt, m.Prefix)
	}

	fields := strings.Split(text, m.FieldSeparator)
	if len(fields) != m.FieldCount() {
		return Info{}, fmt.Errorf("%w: %d fields, want %d", ErrMalformedPrompt, len(fields), m.FieldCount())
	}

	n := len(fields)
	if fields[n-1] != m.Suffix {
		return Info{}, fmt.Errorf("%w: last field %q is not the suffix", ErrMalformedPrompt, fields[n-1])
	}

	seq, err := strconv.Atoi(fields[n-4])
	if err != nil {
		return Info{}, fmt.Errorf("%w: sequence %q: %v", ErrMalformedPrompt, fields[n-4], err)
	}
	exitCode, err := strconv.Atoi(fields[n-3])
	if err != nil {
		return Info{}, fmt.Errorf("%w: exit code %q: %v", ErrMalformedPrompt, fields[n-3], err)
	}

	return Info{
		Sequence: seq,
		ExitCode: exitCode,
		Dir:      fields[n-2],
	}, nil
}

// Find looks for an open prompt at the end of tail. It returns the text from
// the last prefix onward and reports whether that text ends with the suffix,
// i.e. whether the shell could be sitting at the prompt right now. A prompt
// followed by further characters is not open.
func (m Markers) Find(tail string) (candidate string, open bool) {
	idx := strings.LastIndex(tail, m.Prefix)
	if idx < 0 {
		return "", false
	}
	candidate = tail[idx:]
	return candidate, strings.HasSuffix(candidate, m.Suffix)
}

// Complete returns the well-formed prompt at the start of text, ignoring
// whatever follows it. It reports false when text holds no complete prompt
// yet or when the prompt is malformed.
func (m Markers) Complete(text string) (string, bool) {
	if !strings.HasPrefix(text, m.Prefix) {
		return "", false
	}
	end := m.FieldSeparator + m.Suffix
	idx := strings.Index(text[len(m.Prefix):], end)
	if idx < 0 {
		return "", false
	}
	candidate := text[:len(m.Prefix)+idx+len(end)]
	if _, err := m.Parse(candidate); err != nil {
		return "", false
	}
	return candidate, true
}

// Strip removes every well-formed prompt, and the line break the shell
// prints before it, from text.
func (m Markers) Strip(text string) string {
	var b strings.Builder
	for {
		idx := strings.Index(text, m.Prefix)
		if idx < 0 {
			break
		}
		candidate, ok := m.Complete(text[idx:])
		if !ok {
			b.WriteString(text[:idx+len(m.Prefix)])
			text = text[idx+len(m.Prefix):]
			continue
		}
		b.WriteString(strings.TrimSuffix(text[:idx], m.NewLine))
		text = text[idx+len(candidate):]
	}
	b.WriteString(text)
	return b.String()
}

// Partial reports whether text, beginning at the prefix, could still become
// a well-formed prompt as more bytes arrive. A rendered prompt holds no line
// break, at most FieldCount fields, and a last field that leads up to the
// suffix.
func (m Markers) Partial(text string) bool {
	if !strings.HasPrefix(text, m.Prefix) {
		return false
	}
	if strings.Contains(text[len(m.Prefix):], m.NewLine) {
		return false
	}
	fields := strings.Split(text, m.FieldSeparator)
	switch n := len(fields); {
	case n < m.FieldCount():
		return true
	case n == m.FieldCount():
		return strings.HasPrefix(m.Suffix, fields[n-1])
	default:
		return false
	}
}
