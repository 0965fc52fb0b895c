//go:build !unix

package forward

import (
	"errors"
	"os"
)

func isBindError(err error) bool {
	var se *os.SyscallError
	return errors.As(err, &se) && se.Syscall == "bind"
}
