package utils

import (
	"sync"
)

// OptionalLock is a reader/writer lock that only locks when Enabled is set. Heaps
// created without synchronization pay nothing for it.
type OptionalLock struct {
	mutex   sync.RWMutex
	Enabled bool
}

func (m *OptionalLock) Lock() {
	if m.Enabled {
		m.mutex.Lock()
	}
}

func (m *OptionalLock) Unlock() {
	if m.Enabled {
		m.mutex.Unlock()
	}
}

func (m *OptionalLock) RLock() {
	if m.Enabled {
		m.mutex.RLock()
	}
}

func (m *OptionalLock) RUnlock() {
	if m.Enabled {
		m.mutex.RUnlock()
	}
}
