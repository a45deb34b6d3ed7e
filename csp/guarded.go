package csp

import (
	"context"

	"csbx.dev/broker/breaker"
)

// Guarded wraps a Client so every upstream call passes through the
// circuit breaker. When the breaker is open callers get a
// *breaker.OpenError without the upstream being touched.
type Guarded struct {
	inner Client
	brk   *breaker.Breaker
}

func Guard(inner Client, brk *breaker.Breaker) *Guarded {
	return &Guarded{inner: inner, brk: brk}
}

func (g *Guarded) ListActiveSandboxes(ctx context.Context) ([]Account, error) {
	var out []Account
	err := g.brk.Do(func() error {
		var err error
		out, err = g.inner.ListActiveSandboxes(ctx)
		return err
	})
	return out, err
}

func (g *Guarded) Destroy(ctx context.Context, externalID string) (DestroyResult, error) {
	res := DestroyFailed
	err := g.brk.Do(func() error {
		var err error
		res, err = g.inner.Destroy(ctx, externalID)
		return err
	})
	return res, err
}
