//go:build unix

package introspect

import "golang.org/x/sys/unix"

func platformPageSize() int {
	return unix.Getpagesize()
}
