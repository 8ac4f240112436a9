package fiberloop

import "sync"

var (
	defaultIOManagerOnce sync.Once
	defaultIOManagerInst *IOManager
	defaultIOManagerErr  error
)

// DefaultIOManager lazily constructs a single process-wide IOManager with
// two workers and the caller co-opted as worker 0, mirroring the original
// epoll demo program's singleton convenience. Most callers should prefer
// constructing a private instance via NewIOManager; this exists for
// scripts and examples that don't need isolation.
func DefaultIOManager() (*IOManager, error) {
	defaultIOManagerOnce.Do(func() {
		defaultIOManagerInst, defaultIOManagerErr = NewIOManager(2, true, "default")
	})
	return defaultIOManagerInst, defaultIOManagerErr
}
