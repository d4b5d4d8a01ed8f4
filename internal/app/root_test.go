package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRootCommand(t *testing.T) {
	if RootCmd.Use != "pkgd" {
		t.Errorf("Use = %q, want pkgd", RootCmd.Use)
	}
	if RootCmd.Short == "" {
		t.Error("expected Short description to be set")
	}
	if !RootCmd.SilenceUsage || !RootCmd.SilenceErrors {
		t.Error("expected SilenceUsage and SilenceErrors to be set")
	}
}

func TestRootCommandHasSubcommands(t *testing.T) {
	found := make(map[string]bool)
	for _, cmd := range RootCmd.Commands() {
		found[strings.Fields(cmd.Use)[0]] = true
	}

	for _, want := range []string{
		"daemon", "submit", "mark-ready", "mark-successful", "abort",
		"rollback", "sessions", "packages", "activate", "deactivate", "status",
	} {
		if !found[want] {
			t.Errorf("expected command %q to be registered", want)
		}
	}
}

func TestRootCommandHasPersistentFlags(t *testing.T) {
	for _, name := range []string{"config", "socket"} {
		flag := RootCmd.PersistentFlags().Lookup(name)
		if flag == nil {
			t.Errorf("expected --%s flag to be registered", name)
			continue
		}
		if flag.Usage == "" {
			t.Errorf("expected --%s flag to have usage text", name)
		}
	}
}

func TestSubmitRejectsBadChildSpec(t *testing.T) {
	tests := []struct {
		name  string
		specs []string
	}{
		{"missing separator", []string{"13/incoming/a.img"}},
		{"non-numeric id", []string{"abc=/incoming/a.img"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oldChildren := submitChildren
			submitChildren = tt.specs
			defer func() { submitChildren = oldChildren }()

			if err := runSubmit(submitCmd, nil); err == nil {
				t.Errorf("runSubmit with --child %v should fail", tt.specs)
			}
		})
	}
}

func TestSessionOpRejectsBadID(t *testing.T) {
	err := sessionOp("not-a-number", func(c sessionClient, id int64) error {
		t.Error("op should not be called for a bad id")
		return nil
	}, "done")
	if err == nil {
		t.Error("expected an error for a non-numeric session id")
	}
}

func TestWritePIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pkgd", "pkgd.pid")

	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile() failed: %v", err)
	}

	pid, running := readLivePID(path)
	if !running {
		t.Fatal("readLivePID() should report the current process as running")
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}

	// A live pid file blocks a second daemon.
	if err := writePIDFile(path); err == nil {
		t.Error("writePIDFile() should refuse when the pid is alive")
	}
}

func TestReadLivePIDRemovesStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pkgd.pid")
	// PIDs this large cannot exist on Linux.
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", 1<<30)), 0644); err != nil {
		t.Fatalf("write pid file: %v", err)
	}

	if _, running := readLivePID(path); running {
		t.Error("a dead pid should not count as running")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("stale pid file should be removed")
	}
}

func TestReadLivePIDMissingFile(t *testing.T) {
	if _, running := readLivePID(filepath.Join(t.TempDir(), "absent.pid")); running {
		t.Error("a missing pid file should not count as running")
	}
}
