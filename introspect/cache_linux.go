//go:build linux

package introspect

import "os"

func platformCaches() []CacheInfo {
	caches, err := readSysfsCaches(os.DirFS("/sys/devices/system/cpu/cpu0/cache"))
	if err != nil {
		return nil
	}
	return caches
}
