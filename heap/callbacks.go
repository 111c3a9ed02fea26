package heap

// ReserveCallback is executed after the heap region has been reserved or remapped
type ReserveCallback func(heap *Heap, size int, userData interface{})

// ReleaseCallback is executed before the heap region is released or remapped
type ReleaseCallback func(heap *Heap, size int, userData interface{})

// CallbackOptions contains optional callbacks executed when the heap region is reserved or released
type CallbackOptions struct {
	Reserve  ReserveCallback
	Release  ReleaseCallback
	UserData interface{}
}

type regionCallbacks struct {
	Callbacks *CallbackOptions
	Heap      *Heap
}

func (c *regionCallbacks) Reserve(size int) {
	if c.Callbacks != nil && c.Callbacks.Reserve != nil {
		c.Callbacks.Reserve(c.Heap, size, c.Callbacks.UserData)
	}
}

func (c *regionCallbacks) Release(size int) {
	if c.Callbacks != nil && c.Callbacks.Release != nil {
		c.Callbacks.Release(c.Heap, size, c.Callbacks.UserData)
	}
}
