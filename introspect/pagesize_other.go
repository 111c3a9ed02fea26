//go:build !unix

package introspect

import "os"

func platformPageSize() int {
	return os.Getpagesize()
}
