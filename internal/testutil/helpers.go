// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package testutil

import (
	"os"
	"os/exec"
	"testing"
)

// RequireKernel skips the test unless NETEMU_KERNEL_TEST is set and the
// process runs as root. Tests behind it create real namespaces, veths and
// qdiscs.
func RequireKernel(t *testing.T) {
	t.Helper()
	if os.Getenv("NETEMU_KERNEL_TEST") == "" {
		t.Skip("Skipping test: requires NETEMU_KERNEL_TEST environment")
	}
	if os.Geteuid() != 0 {
		t.Skip("Skipping test: requires root")
	}
}

// RequireBinary skips the test when name is not on PATH.
func RequireBinary(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("Skipping test: %s not found", name)
	}
}
