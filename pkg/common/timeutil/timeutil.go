// Package timeutil provides an injectable clock so time-dependent code can be
// tested deterministically.
package timeutil

import "time"

// Provider abstracts access to the current time.
type Provider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

type realProvider struct{}

func (realProvider) Now() time.Time                  { return time.Now() }
func (realProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// Default returns a Provider backed by the system clock.
func Default() Provider { return realProvider{} }

// FixedProvider always reports the same instant. Since is measured against it.
type FixedProvider struct{ At time.Time }

func (f FixedProvider) Now() time.Time                  { return f.At }
func (f FixedProvider) Since(t time.Time) time.Duration { return f.At.Sub(t) }
