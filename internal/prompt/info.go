package prompt

import "fmt"

// InitialSequence is the sequence number reported before any prompt was seen.
const InitialSequence = -1

// Info is the metadata carried by one synthetic prompt. It is a value type;
// an Info is only ever built from a well-formed prompt (or is Initial).
type Info struct {
	// Sequence is the shell's command counter when the prompt was rendered.
	Sequence int `json:"sequence"`
	// ExitCode is the exit status of the command that just finished.
	ExitCode int `json:"exit_code"`
	// Dir is the working directory reported by the shell.
	Dir string `json:"dir"`
	// Output is everything observed since the previous prompt, excluding
	// the prompt itself.
	Output string `json:"output,omitempty"`
}

// Initial returns the Info held before the first prompt arrives.
func Initial() Info {
	return Info{Sequence: InitialSequence}
}

// String implements fmt.Stringer.
func (i Info) String() string {
	return fmt.Sprintf("PROMPT INFO: COMMAND#: %d, EXIT CODE: %d, CURRENT DIR: %s", i.Sequence, i.ExitCode, i.Dir)
}
