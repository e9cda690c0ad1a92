//go:build !(linux || darwin || dragonfly || freebsd || netbsd || openbsd)

package proxy

import "syscall"

const reusePortSupported = false

func reusePortControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
