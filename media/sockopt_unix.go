//go:build unix

package media

import (
	"syscall"
)

// reuseAddress lets several subscribers on one host bind the same multicast group
// and port.
func reuseAddress(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
