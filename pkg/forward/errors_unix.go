//go:build unix

package forward

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// isBindError reports whether a dial failed while binding the local address.
func isBindError(err error) bool {
	var se *os.SyscallError
	if errors.As(err, &se) && se.Syscall == "bind" {
		return true
	}
	return errors.Is(err, unix.EADDRNOTAVAIL)
}
