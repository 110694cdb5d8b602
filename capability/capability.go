// Package capability holds helpers for declaring sandbox capabilities:
// typed adapters over the raw positional Args, a rate-limiting wrapper and a
// ready-made outbound HTTP capability.
package capability

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/cryguy/sandbox/internal/core"
)

// Func adapts a typed single-argument function into a Capability. The guest's
// first argument is decoded into In; the returned Out is handed back as the
// resolved value.
func Func[In, Out any](name string, fn func(ctx context.Context, in In) (Out, error)) core.Capability {
	return core.Capability{
		Name:   name,
		Params: []string{"input"},
		Handler: func(ctx context.Context, args core.Args) (any, error) {
			var in In
			if err := args.Decode(0, &in); err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			return fn(ctx, in)
		},
	}
}

// Func2 is Func for two positional arguments.
func Func2[A, B, Out any](name string, fn func(ctx context.Context, a A, b B) (Out, error)) core.Capability {
	return core.Capability{
		Name:   name,
		Params: []string{"a", "b"},
		Handler: func(ctx context.Context, args core.Args) (any, error) {
			var (
				a A
				b B
			)
			if err := args.Bind(&a, &b); err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			return fn(ctx, a, b)
		},
	}
}

// Describe returns c with its description set.
func Describe(c core.Capability, description string) core.Capability {
	c.Description = description
	return c
}

// RateLimited returns c with every call gated by l. A call that cannot get a
// token before its context ends fails without running the handler. The
// limiter is shared by every run the capability is passed to.
func RateLimited(c core.Capability, l *rate.Limiter) core.Capability {
	next := c.Handler
	name := c.Name
	c.Handler = func(ctx context.Context, args core.Args) (any, error) {
		if err := l.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s: rate limited: %w", name, err)
		}
		if next == nil {
			return nil, fmt.Errorf("%s: no handler", name)
		}
		return next(ctx, args)
	}
	return c
}
