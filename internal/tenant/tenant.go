// Package tenant carries the caller organization through a context.
package tenant

import (
	"context"
	"sync/atomic"
)

type contextKey struct{}

// Tenant is the organization a unit of work runs for.
type Tenant struct {
	Name string
}

// FromContext returns the tenant bound to ctx.
func FromContext(ctx context.Context) (Tenant, bool) {
	t, ok := ctx.Value(contextKey{}).(Tenant)
	return t, ok
}

// Scope is a tenant binding that must be released when the work ends.
type Scope struct {
	ctx      context.Context
	cancel   context.CancelFunc
	released atomic.Bool
}

// Bind derives a context carrying the tenant. The caller must call Release,
// usually with defer, on every exit path.
func Bind(parent context.Context, name string) *Scope {
	ctx, cancel := context.WithCancel(context.WithValue(parent, contextKey{}, Tenant{Name: name}))
	return &Scope{ctx: ctx, cancel: cancel}
}

// Context returns the tenant-bound context.
func (s *Scope) Context() context.Context {
	return s.ctx
}

// Release ends the binding. Calling it more than once is a no-op.
func (s *Scope) Release() {
	if s.released.CompareAndSwap(false, true) {
		s.cancel()
	}
}

// Released reports whether Release has been called.
func (s *Scope) Released() bool {
	return s.released.Load()
}
