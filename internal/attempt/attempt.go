// Package attempt gates activation of a proctored attempt on the
// duplicate-attempt check. The check is client-optimistic: the local marker
// store is consulted first and blocks on its own, and an unreachable remote
// degrades to local-only rather than failing the gate.
package attempt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"proctord/internal/marker"
)

// ErrAttemptExists is returned when the identity has a prior attempt.
var ErrAttemptExists = errors.New("attempt: identity already attempted")

// RemoteChecker is the external duplicate-attempt query.
type RemoteChecker interface {
	HasPriorAttempt(ctx context.Context, identity string) (bool, error)
}

// Gate combines the local marker store with the remote check.
type Gate struct {
	remote  RemoteChecker
	markers *marker.Store
	logger  *slog.Logger
}

// NewGate creates a gate. remote may be nil, in which case only the local
// store is consulted.
func NewGate(remote RemoteChecker, markers *marker.Store, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		remote:  remote,
		markers: markers,
		logger:  logger.With("component", "attempt_gate"),
	}
}

// Allow returns nil when the identity may start an attempt. A local marker
// blocks unconditionally; the remote check is advisory when unreachable.
func (g *Gate) Allow(ctx context.Context, identity string) error {
	marked, err := g.markers.Has(identity)
	if err != nil {
		return fmt.Errorf("local marker check: %w", err)
	}
	if marked {
		return fmt.Errorf("%w: local marker", ErrAttemptExists)
	}

	if g.remote == nil {
		return nil
	}

	prior, err := g.remote.HasPriorAttempt(ctx, identity)
	if err != nil {
		// Local state wins over remote availability.
		g.logger.Warn("duplicate-attempt check unreachable, proceeding on local state",
			"identity", identity, "error", err)
		return nil
	}
	if prior {
		return fmt.Errorf("%w: remote record", ErrAttemptExists)
	}
	return nil
}
