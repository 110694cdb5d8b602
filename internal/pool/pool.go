// Package pool keeps a bounded LIFO set of idle interpreter instances.
package pool

import (
	"fmt"
	"sync"

	"github.com/cryguy/sandbox/internal/core"
)

// Config bounds a Pool. WarmCount is clamped to MaxSize.
type Config struct {
	WarmCount int
	MaxSize   int
}

// Observer receives pool lifecycle events. Implementations must be cheap and
// must not call back into the pool.
type Observer interface {
	Created()
	Disposed()
	Idle(n int)
}

type nopObserver struct{}

func (nopObserver) Created()  {}
func (nopObserver) Disposed() {}
func (nopObserver) Idle(int)  {}

// Stats is a point-in-time view of a Pool.
type Stats struct {
	Idle     int
	OnLoan   int
	Created  uint64
	Disposed uint64
}

// Pool lends items of type T. Acquire never waits for other loans: when no
// idle item exists a new one is constructed. At most MaxSize items are kept
// idle; extra releases are disposed.
type Pool[T any] struct {
	mu       sync.Mutex
	idle     []T
	maxSize  int
	closed   bool
	onLoan   int
	created  uint64
	disposed uint64

	newFn   func() (T, error)
	dispose func(T)
	obs     Observer
}

// New creates a pool and constructs cfg.WarmCount items up front. If any of
// them fails the ones already built are disposed and the error is returned.
func New[T any](cfg Config, newFn func() (T, error), dispose func(T), obs Observer) (*Pool[T], error) {
	if cfg.MaxSize <= 0 {
		return nil, fmt.Errorf("pool: max size must be positive, got %d", cfg.MaxSize)
	}
	if cfg.WarmCount > cfg.MaxSize {
		cfg.WarmCount = cfg.MaxSize
	}
	if obs == nil {
		obs = nopObserver{}
	}
	p := &Pool[T]{
		idle:    make([]T, 0, cfg.MaxSize),
		maxSize: cfg.MaxSize,
		newFn:   newFn,
		dispose: dispose,
		obs:     obs,
	}
	for i := 0; i < cfg.WarmCount; i++ {
		v, err := p.construct()
		if err != nil {
			p.DisposeAll()
			return nil, fmt.Errorf("warming pool item %d: %w", i, err)
		}
		p.idle = append(p.idle, v)
	}
	obs.Idle(len(p.idle))
	return p, nil
}

func (p *Pool[T]) construct() (T, error) {
	v, err := p.newFn()
	if err != nil {
		return v, err
	}
	p.mu.Lock()
	p.created++
	p.mu.Unlock()
	p.obs.Created()
	return v, nil
}

func (p *Pool[T]) destroy(v T) {
	p.dispose(v)
	p.mu.Lock()
	p.disposed++
	p.mu.Unlock()
	p.obs.Disposed()
}

// Acquire lends the most recently released idle item, or a new one when
// none is idle. It fails with core.ErrClosed after DisposeAll.
func (p *Pool[T]) Acquire() (T, error) {
	var zero T
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return zero, core.ErrClosed
	}
	p.onLoan++
	if n := len(p.idle); n > 0 {
		v := p.idle[n-1]
		p.idle[n-1] = zero
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		p.obs.Idle(n - 1)
		return v, nil
	}
	p.mu.Unlock()

	v, err := p.construct()
	if err != nil {
		p.mu.Lock()
		p.onLoan--
		p.mu.Unlock()
		return zero, fmt.Errorf("creating pool item: %w", err)
	}
	return v, nil
}

// Release returns a loaned item. It is kept idle while there is room and the
// pool is open, otherwise it is disposed.
func (p *Pool[T]) Release(v T) {
	p.mu.Lock()
	p.onLoan--
	if !p.closed && len(p.idle) < p.maxSize {
		p.idle = append(p.idle, v)
		n := len(p.idle)
		p.mu.Unlock()
		p.obs.Idle(n)
		return
	}
	p.mu.Unlock()
	p.destroy(v)
}

// Discard ends a loan by disposing the item. Used for items left in an
// unknown state (interrupted, out of memory).
func (p *Pool[T]) Discard(v T) {
	p.mu.Lock()
	p.onLoan--
	p.mu.Unlock()
	p.destroy(v)
}

// DisposeAll closes the pool and disposes every idle item. Outstanding loans
// are disposed when released. Safe to call more than once.
func (p *Pool[T]) DisposeAll() {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, v := range idle {
		p.destroy(v)
	}
	p.obs.Idle(0)
}

// Closed reports whether DisposeAll has been called.
func (p *Pool[T]) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Stats returns current counters.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Idle:     len(p.idle),
		OnLoan:   p.onLoan,
		Created:  p.created,
		Disposed: p.disposed,
	}
}
