//go:build !unix

package media

import "syscall"

func reuseAddress(_, _ string, _ syscall.RawConn) error { return nil }
