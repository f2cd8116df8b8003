// Package quota enforces per-tenant fixed-window rate budgets on the
// service entry points.
package quota

import (
	"fmt"
	"sync"
	"time"
)

// Class groups operations that share one budget.
type Class string

const (
	ClassStandard Class = "standard" // listings
	ClassHeavy    Class = "heavy"    // proximity search, NDVI compute
	ClassExport   Class = "export"   // bulk export
)

// LimitError is returned once a tenant exhausts a class budget within the
// current window. RetryAfter hints when the next window opens.
type LimitError struct {
	Class      Class
	Limit      int
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for class %s (%d per window), retry in %s",
		e.Class, e.Limit, e.RetryAfter.Round(time.Second))
}

// Config sets per-class limits over a shared fixed window.
type Config struct {
	Window   time.Duration
	Standard int
	Heavy    int
	Export   int
}

// DefaultConfig returns the default budgets: 60/10/5 per minute.
func DefaultConfig() Config {
	return Config{Window: time.Minute, Standard: 60, Heavy: 10, Export: 5}
}

// bucket tracks one (tenant, class) counter. Each bucket carries its own
// mutex so unrelated tenants and classes never serialize on each other.
type bucket struct {
	mu          sync.Mutex
	windowStart time.Time
	count       int
}

// Guard is an explicitly constructed, injectable rate limiter. The window
// is fixed, not sliding: a tenant can burst up to twice the limit across a
// window boundary. That is an accepted trade-off for the simpler counter.
type Guard struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex // guards the map only, not the buckets
	buckets map[key]*bucket
}

type key struct {
	tenant string
	class  Class
}

// NewGuard creates a guard with the given budgets.
func NewGuard(cfg Config) *Guard {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	def := DefaultConfig()
	if cfg.Standard <= 0 {
		cfg.Standard = def.Standard
	}
	if cfg.Heavy <= 0 {
		cfg.Heavy = def.Heavy
	}
	if cfg.Export <= 0 {
		cfg.Export = def.Export
	}
	return &Guard{cfg: cfg, now: time.Now, buckets: make(map[key]*bucket)}
}

// WithClock replaces the time source, for tests.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

func (g *Guard) limit(class Class) int {
	switch class {
	case ClassHeavy:
		return g.cfg.Heavy
	case ClassExport:
		return g.cfg.Export
	default:
		return g.cfg.Standard
	}
}

// Allow consumes one unit of the tenant's budget for the class. It returns
// a *LimitError once the budget for the current window is spent.
func (g *Guard) Allow(tenantID string, class Class) error {
	k := key{tenant: tenantID, class: class}

	g.mu.Lock()
	b, ok := g.buckets[k]
	if !ok {
		b = &bucket{}
		g.buckets[k] = b
	}
	g.mu.Unlock()

	now := g.now()
	limit := g.limit(class)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.windowStart.IsZero() || now.Sub(b.windowStart) >= g.cfg.Window {
		b.windowStart = now
		b.count = 0
	}
	if b.count >= limit {
		return &LimitError{
			Class:      class,
			Limit:      limit,
			RetryAfter: b.windowStart.Add(g.cfg.Window).Sub(now),
		}
	}
	b.count++
	return nil
}

// Remaining reports the unspent budget for a (tenant, class) in the
// current window.
func (g *Guard) Remaining(tenantID string, class Class) int {
	g.mu.Lock()
	b, ok := g.buckets[key{tenant: tenantID, class: class}]
	g.mu.Unlock()

	limit := g.limit(class)
	if !ok {
		return limit
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.windowStart.IsZero() || g.now().Sub(b.windowStart) >= g.cfg.Window {
		return limit
	}
	if b.count >= limit {
		return 0
	}
	return limit - b.count
}
