//go:build !linux

package introspect

func platformCaches() []CacheInfo {
	return nil
}
