package security

import (
	"errors"
	"testing"

	"github.com/acolita/shell-instrumentation/internal/config"
)

func TestCommandFilter_Blocklist(t *testing.T) {
	tests := []struct {
		name        string
		blocklist   []string
		command     string
		wantAllowed bool
	}{
		{
			name:        "allow normal command",
			blocklist:   []string{`rm\s+-rf\s+/\s*$`},
			command:     "ls -la",
			wantAllowed: true,
		},
		{
			name:        "block rm -rf /",
			blocklist:   []string{`rm\s+-rf\s+/\s*$`},
			command:     "rm -rf /",
			wantAllowed: false,
		},
		{
			name:        "allow rm with safe path",
			blocklist:   []string{`rm\s+-rf\s+/\s*$`},
			command:     "rm -rf /tmp/test",
			wantAllowed: true,
		},
		{
			name:        "block fork bomb",
			blocklist:   []string{`:\s*\(\s*\)\s*\{\s*:\s*\|`},
			command:     ":(){ :|:& };:",
			wantAllowed: false,
		},
		{
			name:        "block on a later line",
			blocklist:   []string{`rm\s+-rf\s+/\s*$`},
			command:     "cd /tmp\nrm -rf /",
			wantAllowed: false,
		},
		{
			name:        "empty blocklist allows all",
			blocklist:   []string{},
			command:     "rm -rf /",
			wantAllowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cf, err := NewCommandFilter(tt.blocklist, nil)
			if err != nil {
				t.Fatalf("NewCommandFilter() error = %v", err)
			}

			allowed, _ := cf.IsAllowed(tt.command)
			if allowed != tt.wantAllowed {
				t.Errorf("IsAllowed(%q) = %v, want %v", tt.command, allowed, tt.wantAllowed)
			}
		})
	}
}

func TestCommandFilter_Allowlist(t *testing.T) {
	tests := []struct {
		name        string
		allowlist   []string
		command     string
		wantAllowed bool
	}{
		{
			name:        "allow matching command",
			allowlist:   []string{`^ls`, `^cat`, `^pwd`},
			command:     "ls -la",
			wantAllowed: true,
		},
		{
			name:        "block non-matching command",
			allowlist:   []string{`^ls`, `^cat`, `^pwd`},
			command:     "rm -rf /tmp/test",
			wantAllowed: false,
		},
		{
			name:        "allow git commands",
			allowlist:   []string{`^git\s`},
			command:     "git status",
			wantAllowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cf, err := NewCommandFilter(nil, tt.allowlist)
			if err != nil {
				t.Fatalf("NewCommandFilter() error = %v", err)
			}

			allowed, _ := cf.IsAllowed(tt.command)
			if allowed != tt.wantAllowed {
				t.Errorf("IsAllowed(%q) = %v, want %v", tt.command, allowed, tt.wantAllowed)
			}
		})
	}
}

func TestCommandFilter_InvalidRegex(t *testing.T) {
	_, err := NewCommandFilter([]string{`[invalid`}, nil)
	if err == nil {
		t.Error("expected error for invalid regex, got nil")
	}
}

func TestDefaultBlocklist(t *testing.T) {
	blocklist := DefaultBlocklist()
	if len(blocklist) == 0 {
		t.Error("DefaultBlocklist() returned empty list")
	}

	// Verify patterns are valid regex
	_, err := NewCommandFilter(blocklist, nil)
	if err != nil {
		t.Errorf("DefaultBlocklist() contains invalid regex: %v", err)
	}
}

func TestCommandFilter_AllowlistEveryLine(t *testing.T) {
	cf, err := NewCommandFilter(nil, []string{`^ls`, `^pwd`})
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := cf.IsAllowed("ls\n\npwd"); !ok {
		t.Error("all lines allowed, blank lines ignored")
	}
	if ok, reason := cf.IsAllowed("ls\nwhoami"); ok || reason != "command not in allowlist" {
		t.Errorf("IsAllowed() = %v, %q", ok, reason)
	}
}

func TestCommandFilter_Check(t *testing.T) {
	cf, err := NewCommandFilterFromConfig(config.SecurityConfig{
		CommandBlocklist: []string{`^shutdown`},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := cf.Check("uptime"); err != nil {
		t.Errorf("Check(uptime) = %v", err)
	}
	if err := cf.Check("shutdown -h now"); !errors.Is(err, ErrCommandBlocked) {
		t.Errorf("Check(shutdown) = %v, want ErrCommandBlocked", err)
	}

	var none *CommandFilter
	if err := none.Check("shutdown"); err != nil {
		t.Errorf("nil filter Check() = %v", err)
	}
}

func TestCommandFilter_Update(t *testing.T) {
	cf, err := NewCommandFilter([]string{`^reboot`}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := cf.Update(nil, []string{`(`}); err == nil {
		t.Fatal("Update() accepted an invalid pattern")
	}
	if ok, _ := cf.IsAllowed("reboot"); ok {
		t.Error("failed Update() changed the filter")
	}

	if err := cf.Update(nil, []string{`^echo`}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if cf.HasBlocklist() || !cf.HasAllowlist() {
		t.Errorf("HasBlocklist() = %v, HasAllowlist() = %v", cf.HasBlocklist(), cf.HasAllowlist())
	}
	if ok, _ := cf.IsAllowed("reboot"); ok {
		t.Error("reboot allowed by an echo-only allowlist")
	}
	if ok, _ := cf.IsAllowed("echo hi"); !ok {
		t.Error("echo rejected")
	}
}

func TestCommandFilter_CheckInput(t *testing.T) {
	cf, err := NewCommandFilter([]string{`^rm\s`}, []string{`^apt-get`})
	if err != nil {
		t.Fatal(err)
	}

	if err := cf.CheckInput("Y"); err != nil {
		t.Errorf("CheckInput(Y) = %v, allowlist must not apply to input", err)
	}
	if err := cf.Check("Y"); !errors.Is(err, ErrCommandBlocked) {
		t.Errorf("Check(Y) = %v, want ErrCommandBlocked", err)
	}
	if err := cf.CheckInput("rm -rf ~"); !errors.Is(err, ErrCommandBlocked) {
		t.Errorf("CheckInput(rm) = %v, want ErrCommandBlocked", err)
	}

	var none *CommandFilter
	if err := none.CheckInput("rm -rf ~"); err != nil {
		t.Errorf("nil filter CheckInput() = %v", err)
	}
}
