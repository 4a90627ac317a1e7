// Package lock guards against concurrent watchdog cycles. Overlapping
// scheduled invocations, or a redundant replica on another machine, must not
// both issue reboots from the same observations.
package lock

import (
	"context"
	"errors"
)

// ErrNotAcquired indicates the lock is currently held by another watchdog.
var ErrNotAcquired = errors.New("lock: not acquired")

// Manager coordinates access to the cycle lock.
type Manager interface {
	Acquire(context.Context) (Lease, error)
}

// Lease is a held lock. Releasing it lets the next watchdog proceed.
type Lease interface {
	Release(context.Context) error
}

// NoopManager hands out an immediately acquired lease without any remote
// coordination. It is the default for single-instance deployments.
type NoopManager struct{}

// NewNoopManager constructs a manager that always succeeds.
func NewNoopManager() *NoopManager { return &NoopManager{} }

// Acquire succeeds unless the context is already done.
func (*NoopManager) Acquire(ctx context.Context) (Lease, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return noopLease{}, nil
}

type noopLease struct{}

func (noopLease) Release(context.Context) error { return nil }

var (
	_ Manager = (*NoopManager)(nil)
	_ Lease   = (*noopLease)(nil)
)
