package device

import (
	"context"

	"github.com/pkg/errors"

	"github.com/tsawler/go-dsstne/comm"
)

// ErrPeerFailed is returned on ranks that were healthy when another rank failed
var ErrPeerFailed = errors.New("a peer rank failed")

// Agree reports on every rank whether any rank failed
func (c *Context) Agree(ctx context.Context, failed bool) (bool, error) {
	if c.numprocs == 1 {
		return failed, nil
	}
	return comm.AnyTrue(ctx, c.comm, failed)
}

// BroadcastFailure shares rank 0's verdict with every rank. It precedes
// any decision only rank 0 can make (for example after reading a model
// file) so the group fails together instead of hanging in a collective.
func (c *Context) BroadcastFailure(ctx context.Context, failed bool) (bool, error) {
	if c.numprocs == 1 {
		return failed, nil
	}
	return comm.BcastBool(ctx, c.comm, 0, failed)
}

// Coordinate is the two-phase failure protocol. Every rank calls it with
// its local outcome. Phase one agrees on whether any rank failed; phase two
// tears this rank down locally if so. Healthy ranks then return
// ErrPeerFailed and the failing rank returns its own error.
func (c *Context) Coordinate(ctx context.Context, local error) error {
	failed, err := c.Agree(ctx, local != nil)
	if err != nil {
		// The group itself is gone; nothing left to agree with.
		_ = c.Shutdown()
		if local != nil {
			return local
		}
		return errors.Wrap(err, "failed to agree on run status")
	}
	if !failed {
		return nil
	}
	if local != nil {
		c.logger.Error("fatal error, shutting down", "kind", KindOf(local).String(), "error", local)
	}
	_ = c.Shutdown()
	if local != nil {
		return local
	}
	return ErrPeerFailed
}
