package monitor

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Platform-probe rate-limit floors are hard design constraints, not
// implementation details. Every reimplementation of a monitor that shells
// out to these tools MUST honor them.
const (
	MinIntervalSPUSBBluetoothThunderbolt = 300 * time.Second
	MinIntervalSPAirPort                 = 60 * time.Second
	MinIntervalSPPower                   = 120 * time.Second
	MinIntervalIOReg                     = 10 * time.Second

	// CacheTTLSPAirPort is just shy of the interval above, so a cycle that
	// lands a hair early still gets a cached answer instead of re-shelling out.
	CacheTTLSPAirPort = 55 * time.Second
	// CacheTTLSPPower is the floor for caching system_profiler power queries.
	CacheTTLSPPower = 10 * time.Minute
	// CacheTTLIOReg is the floor for caching ioreg accelerator queries.
	CacheTTLIOReg = 10 * time.Second
)

// ProbeLimiter enforces a minimum interval between invocations of one
// platform probe class and caches the last result for its TTL, so repeated
// monitor cycles inside the TTL window never re-invoke the underlying
// binary.
type ProbeLimiter struct {
	limiter *rate.Limiter
	ttl     time.Duration

	mu        sync.Mutex
	cached    any
	cachedErr error
	cachedAt  time.Time
}

// NewProbeLimiter builds a limiter allowing at most one call per minInterval,
// with results cached for ttl (0 disables caching).
func NewProbeLimiter(minInterval, ttl time.Duration) *ProbeLimiter {
	return &ProbeLimiter{
		limiter: rate.NewLimiter(rate.Every(minInterval), 1),
		ttl:     ttl,
	}
}

// Invoke runs fn, subject to the rate limit and TTL cache: if a cached
// result is still fresh, it is returned without calling fn; otherwise fn
// is called (once the limiter admits it) and the result cached.
func (p *ProbeLimiter) Invoke(fn func() (any, error)) (any, error) {
	p.mu.Lock()
	if p.ttl > 0 && !p.cachedAt.IsZero() && time.Since(p.cachedAt) < p.ttl {
		result, err := p.cached, p.cachedErr
		p.mu.Unlock()
		return result, err
	}
	p.mu.Unlock()

	if !p.limiter.Allow() {
		// Rate-limited and no fresh cache: surface the last known result
		// (possibly stale) rather than blocking the monitor cycle.
		p.mu.Lock()
		result, err := p.cached, p.cachedErr
		p.mu.Unlock()
		return result, err
	}

	result, err := fn()
	p.mu.Lock()
	p.cached, p.cachedErr, p.cachedAt = result, err, time.Now()
	p.mu.Unlock()
	return result, err
}

// BinaryAvailability caches, once per BinaryAvailability value, whether an
// external binary exists on this system (detected once, never retried on
// every cycle).
type BinaryAvailability struct {
	once      sync.Once
	available bool
	checked   string
}

// Check looks up name on PATH exactly once and remembers the answer; later
// calls return that answer whatever name they pass.
func (b *BinaryAvailability) Check(name string) bool {
	b.once.Do(func() {
		b.checked = name
		_, err := exec.LookPath(name)
		b.available = err == nil
	})
	return b.available
}

// RunBounded executes cmd with a hard deadline; on timeout the context
// kills the process and the error from cmd.Output is returned, so the
// monitor worker never blocks indefinitely.
func RunBounded(ctx context.Context, timeout time.Duration, name string, args ...string) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, name, args...)
	return cmd.Output()
}
