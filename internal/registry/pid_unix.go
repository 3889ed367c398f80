//go:build unix

package registry

import (
	"errors"

	"golang.org/x/sys/unix"
)

// pidAlive reports whether pid exists. EPERM means it exists under another user.
func pidAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
