// Package privilege holds the preconditions every mutating command checks
// before it touches a plan: running as root, and not running from the binary
// the uninstall is about to delete.
package privilege

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/atomikpanda/nix-installer/internal/errs"
)

// Replaced in tests.
var (
	geteuid    = unix.Geteuid
	executable = os.Executable
	execve     = unix.Exec
)

// EnsureRoot fails with errs.ErrRootRequired unless the effective uid is 0.
func EnsureRoot() error {
	if geteuid() != 0 {
		return errs.ErrRootRequired
	}
	return nil
}

// Relocate re-executes the running binary from a temporary copy when it is
// running from installedPath. On success it does not return. When the binary
// runs from anywhere else, Relocate returns nil and does nothing.
func Relocate(installedPath string) error {
	self, err := executable()
	if err != nil {
		return fmt.Errorf("locate running executable: %w", err)
	}
	if !samePath(self, installedPath) {
		return nil
	}

	copyPath, err := CopySelf(self)
	if err != nil {
		return err
	}
	log.Debug().Str("from", self).Str("to", copyPath).Msg("Relocating before uninstall")
	return Reexec(copyPath, os.Args, os.Environ())
}

// CopySelf copies src byte-for-byte to a fresh $TMPDIR/nix-installer-<uuid>
// with mode 0755 and returns the new path.
func CopySelf(src string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	dst := filepath.Join(os.TempDir(), "nix-installer-"+uuid.NewString())
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o755)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return "", fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	// The umask may have cleared bits at create time.
	if err := os.Chmod(dst, 0o755); err != nil {
		return "", fmt.Errorf("chmod %s: %w", dst, err)
	}
	return dst, nil
}

// Reexec replaces the current process image with path, passing argv and env
// through unchanged. It only returns on failure.
func Reexec(path string, argv, env []string) error {
	if err := execve(path, argv, env); err != nil {
		return fmt.Errorf("re-execute %s: %w", path, err)
	}
	return nil
}

func samePath(a, b string) bool {
	if a == b {
		return true
	}
	ra, errA := filepath.EvalSymlinks(a)
	rb, errB := filepath.EvalSymlinks(b)
	return errA == nil && errB == nil && ra == rb
}
