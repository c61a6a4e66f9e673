// Package simple contains permissive policy implementations.
package simple

import "context"

// Limiter is a pass-through fetch limiter wired when outbound rate
// limiting is disabled, so callers never branch on a nil policy.
type Limiter struct{}

// New creates a new Limiter.
func New() *Limiter {
	return &Limiter{}
}

// Wait returns immediately without throttling.
func (Limiter) Wait(_ context.Context, _ string) error {
	return nil
}
