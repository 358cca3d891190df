package device

import (
	"context"

	"github.com/pkg/errors"

	"github.com/tsawler/go-dsstne/comm"
	"github.com/tsawler/go-dsstne/memory"
)

const (
	sendBufferName    = "p2p.send"
	receiveBufferName = "p2p.receive"
)

// SetCommBufferSize makes the send, receive and host staging buffers hold at
// least size elements. It is collective: on the peer-to-peer path every rank
// republishes its buffers and resolves the previous rank's, which become this
// rank's peer (their receive buffer) and peer-back (their send buffer).
func (c *Context) SetCommBufferSize(ctx context.Context, size uint64) error {
	if size <= c.commSize && c.send != nil {
		return nil
	}

	c.releaseCommBuffers()
	var err error
	if c.send, err = memory.NewBuffer[float32](c.mem, size, false, false); err != nil {
		return c.ResourceError("device.SetCommBufferSize", errors.Wrap(err, "send buffer"))
	}
	if c.receive, err = memory.NewBuffer[float32](c.mem, size, false, false); err != nil {
		c.releaseCommBuffers()
		return c.ResourceError("device.SetCommBufferSize", errors.Wrap(err, "receive buffer"))
	}
	if c.cpu, err = memory.NewBuffer[float32](c.mem, size, true, true); err != nil {
		c.releaseCommBuffers()
		return c.ResourceError("device.SetCommBufferSize", errors.Wrap(err, "host staging buffer"))
	}
	c.commSize = size

	if !c.p2p || c.numprocs == 1 {
		return nil
	}

	sm := c.comm.(comm.SharedMemory)
	sm.Expose(sendBufferName, c.send.Device())
	sm.Expose(receiveBufferName, c.receive.Device())
	if err := c.comm.Barrier(ctx); err != nil {
		return c.ResourceError("device.SetCommBufferSize", err)
	}
	prev := (c.id + c.numprocs - 1) % c.numprocs
	if c.peer, err = sm.Lookup(prev, receiveBufferName); err != nil {
		return c.ResourceError("device.SetCommBufferSize", err)
	}
	if c.peerBack, err = sm.Lookup(prev, sendBufferName); err != nil {
		return c.ResourceError("device.SetCommBufferSize", err)
	}
	// No rank may write into a peer's buffers before that peer has
	// finished publishing them.
	if err := c.comm.Barrier(ctx); err != nil {
		return c.ResourceError("device.SetCommBufferSize", err)
	}
	if c.id == 0 {
		c.logger.Debug("communication buffers allocated", "elements", size)
	}
	return nil
}

func (c *Context) releaseCommBuffers() {
	for _, b := range []*memory.Buffer[float32]{c.send, c.receive, c.cpu} {
		if b != nil {
			b.Deallocate()
		}
	}
	c.send, c.receive, c.cpu = nil, nil, nil
	c.peer, c.peerBack = nil, nil
	c.commSize = 0
}
