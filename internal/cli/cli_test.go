package cli

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"digestbot/internal/app"
)

const testConfig = `
state:
  path: STATE
logging:
  level: error
  console: false
timezone: UTC
subscriptions:
  evening:
    name: Evening edition
    sources: ["@alpha"]
    schedule:
      times: ["08:00", "18:00"]
  archive:
    sources: ["@beta"]
    schedule:
      from: "2024-01-01T00:00:00Z"
      to: "2024-01-02T00:00:00Z"
`

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	raw := strings.ReplaceAll(testConfig, "STATE", filepath.Join(dir, "state.db"))
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// execute runs the root command. Flags are package state, so these tests
// don't run in parallel.
func execute(t *testing.T, args ...string) error {
	t.Helper()
	flagConfig, flagVerbose, flagLogLevel = "", false, ""
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(os.Stderr)
	root.SetErr(os.Stderr)
	return root.Execute()
}

func TestRootCommands(t *testing.T) {
	root := NewRootCmd()
	want := []string{"daemon", "run", "run-all", "list", "test-schedule", "runs"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("command %q not registered (%v)", name, err)
		}
	}
}

func TestListAndTestSchedule(t *testing.T) {
	path := writeConfig(t)
	if err := execute(t, "--config", path, "list"); err != nil {
		t.Fatalf("list: %v", err)
	}
	if err := execute(t, "--config", path, "test-schedule", "evening", "-n", "3"); err != nil {
		t.Fatalf("test-schedule: %v", err)
	}
	if err := execute(t, "--config", path, "test-schedule", "archive"); err != nil {
		t.Fatalf("test-schedule on a range: %v", err)
	}
	if err := execute(t, "--config", path, "test-schedule", "missing"); err == nil {
		t.Fatalf("expected an error for an unknown subscription")
	}
}

func TestMissingConfig(t *testing.T) {
	if err := execute(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"), "list"); err == nil {
		t.Fatalf("expected an error for a missing config file")
	}
}

func TestRunsCommand(t *testing.T) {
	path := writeConfig(t)
	if err := execute(t, "--config", path, "runs", "--status", "exploded"); err == nil {
		t.Fatalf("expected an error for an unknown status")
	}
	if err := execute(t, "--config", path, "runs", "-s", "evening"); err != nil {
		t.Fatalf("runs: %v", err)
	}
}

func TestRunUnknownSubscription(t *testing.T) {
	path := writeConfig(t)
	err := execute(t, "--config", path, "run", "nope")
	if !errors.Is(err, app.ErrUnknownSubscription) {
		t.Fatalf("err = %v, want ErrUnknownSubscription", err)
	}
}

func TestTruncate(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"  padded  ", 10, "padded"},
		{"exactly-ten", 11, "exactly-ten"},
		{"much too long", 5, "much…"},
	}
	for _, c := range cases {
		if got := truncate(c.in, c.n); got != c.want {
			t.Fatalf("truncate(%q, %d) = %q, want %q", c.in, c.n, got, c.want)
		}
	}
}
