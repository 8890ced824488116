package dispatch

import "sync"

// Stripes is a fixed array of mutexes addressed by key hash. Equal keys
// always share a mutex.
type Stripes struct {
	locks []sync.Mutex
}

func NewStripes(n int) *Stripes {
	if n <= 0 {
		n = 64
	}
	return &Stripes{locks: make([]sync.Mutex, n)}
}

func (s *Stripes) For(key string) *sync.Mutex {
	return &s.locks[shardIndex(key, len(s.locks))]
}

// Do runs fn while holding key's mutex.
func (s *Stripes) Do(key string, fn func()) {
	mu := s.For(key)
	mu.Lock()
	defer mu.Unlock()
	fn()
}
