package prompt

import (
	"regexp"
	"strings"
)

// InputType classifies a program that is blocked waiting for user input
// instead of returning to the synthetic prompt.
type InputType string

const (
	InputPassword     InputType = "password"
	InputConfirmation InputType = "confirmation"
	InputPager        InputType = "pager"
)

// InputPattern recognises one kind of input request at the end of output.
type InputPattern struct {
	Name              string
	Regex             *regexp.Regexp
	Type              InputType
	SuggestedResponse string
}

// InputRequest describes a detected input request.
type InputRequest struct {
	Pattern     InputPattern
	MatchedText string
}

// DefaultInputPatterns returns the built-in input request patterns.
func DefaultInputPatterns() []InputPattern {
	return []InputPattern{
		{
			Name:  "sudo_password",
			Regex: regexp.MustCompile(`(?i)\[sudo\]\s+password\s+for\s+\S+:\s*$`),
			Type:  InputPassword,
		},
		{
			Name:  "password_generic",
			Regex: regexp.MustCompile(`(?i)(password|passphrase)[^:\n]*:\s*$`),
			Type:  InputPassword,
		},
		{
			Name:              "ssh_host_key",
			Regex:             regexp.MustCompile(`(?i)are you sure you want to continue connecting \(yes/no(/\[fingerprint\])?\)\?\s*$`),
			Type:              InputConfirmation,
			SuggestedResponse: "yes",
		},
		{
			Name:              "yes_no",
			Regex:             regexp.MustCompile(`(?i)(\[y/n\]|\(y/n\)|\[yes/no\])\??\s*:?\s*$`),
			Type:              InputConfirmation,
			SuggestedResponse: "y",
		},
		{
			Name:              "pager_end",
			Regex:             regexp.MustCompile(`(?m)^(:|\(END\)|--More--.*)\s*$`),
			Type:              InputPager,
			SuggestedResponse: "q",
		},
	}
}

// InputDetector detects input requests in the output of a command that has
// not yet returned to the prompt.
type InputDetector struct {
	patterns []InputPattern
}

// NewInputDetector creates a detector with the default patterns followed by
// any extra patterns. Extra patterns take priority.
func NewInputDetector(extra ...InputPattern) *InputDetector {
	return &InputDetector{patterns: append(extra, DefaultInputPatterns()...)}
}

// Detect checks the last lines of output for an input request.
func (d *InputDetector) Detect(output string) *InputRequest {
	lines := strings.Split(strings.ReplaceAll(output, "\r", ""), "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	recent := strings.Join(lines, "\n")

	for _, p := range d.patterns {
		if loc := p.Regex.FindStringIndex(recent); loc != nil {
			return &InputRequest{Pattern: p, MatchedText: recent[loc[0]:loc[1]]}
		}
	}
	return nil
}

// Hint returns a human-readable hint for the request.
func (r *InputRequest) Hint() string {
	switch r.Pattern.Type {
	case InputPassword:
		return "The command is waiting for a password."
	case InputConfirmation:
		if r.Pattern.SuggestedResponse != "" {
			return "The command is waiting for confirmation. Suggested response: " + r.Pattern.SuggestedResponse
		}
		return "The command is waiting for confirmation."
	case InputPager:
		return "A pager is waiting. Send 'q' to quit it."
	default:
		return "The command is waiting for input."
	}
}
