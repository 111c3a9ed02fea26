//go:build !linux && !darwin

package platform

// Default returns the reserver heaps use when none is configured
func Default() Reserver {
	return GoReserver{}
}
