package fiberloop

import "time"

// config holds the resolved construction options shared by Scheduler,
// TimerManager and IOManager. Not every field is meaningful to every
// constructor: Scheduler reads logger, stackSize and rateLimitEnabled;
// TimerManager reads logger and rateLimitEnabled; IOManager additionally
// reads idleTimeoutCap and maxFDsHint.
type config struct {
	logger           Logger
	stackSize        int
	idleTimeoutCap   time.Duration
	maxFDsHint       int
	rateLimitEnabled bool
}

func defaultConfig() *config {
	return &config{
		logger:           defaultLogger(),
		stackSize:        defaultStackSize,
		idleTimeoutCap:   5 * time.Second,
		maxFDsHint:       32,
		rateLimitEnabled: true,
	}
}

// Option configures a Scheduler, TimerManager, or IOManager at construction.
type Option interface {
	apply(*config) error
}

type optionFunc struct {
	fn func(*config) error
}

func (o *optionFunc) apply(c *config) error { return o.fn(c) }

// WithLogger overrides the structured logger used for diagnostics. The
// default logs JSON to stderr via a stumpy-backed logiface logger.
func WithLogger(l Logger) Option {
	return &optionFunc{func(c *config) error {
		if l != nil {
			c.logger = l
		}
		return nil
	}}
}

// WithStackSize overrides the stack-size attribute recorded on every fiber a
// Scheduler creates internally (its idle fibers, its caller-bound scheduler
// fiber, and the transient fibers it wraps plain callbacks in). It has no
// effect on Go's own goroutine stack, which grows independently, but remains
// observable via Fiber.StackSize for callers that size workloads against it.
func WithStackSize(bytes int) Option {
	return &optionFunc{func(c *config) error {
		if bytes > 0 {
			c.stackSize = bytes
		}
		return nil
	}}
}

// WithIdleTimeoutCap overrides the 5-second ceiling the IOManager idle loop
// imposes on epoll_wait's timeout even when no timer is due sooner.
func WithIdleTimeoutCap(d time.Duration) Option {
	return &optionFunc{func(c *config) error {
		if d > 0 {
			c.idleTimeoutCap = d
		}
		return nil
	}}
}

// WithInitialFDCapacity hints the initial size of the IOManager's FdContext
// table (default 32; it grows on demand).
func WithInitialFDCapacity(n int) Option {
	return &optionFunc{func(c *config) error {
		if n > 0 {
			c.maxFDsHint = n
		}
		return nil
	}}
}

// WithDiagnosticRateLimiting toggles rate-limiting of repeated transient-I/O
// diagnostics (enabled by default).
func WithDiagnosticRateLimiting(enabled bool) Option {
	return &optionFunc{func(c *config) error {
		c.rateLimitEnabled = enabled
		return nil
	}}
}

func resolveOptions(opts []Option) (*config, error) {
	c := defaultConfig()
	for _, o := range opts {
		if o == nil {
			continue
		}
		if err := o.apply(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}
