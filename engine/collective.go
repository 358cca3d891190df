package engine

import (
	"context"

	"github.com/tsawler/go-dsstne/comm"
	"github.com/tsawler/go-dsstne/dataset"
	"github.com/tsawler/go-dsstne/device"
	"github.com/tsawler/go-dsstne/kernels"
)

// columnRange maps a rank to the half-open column range it owns
type columnRange func(pos int) (lo, hi int)

// ringReduce sums the [rows][pitch] send buffers of every rank so that each
// rank ends up owning the complete sum over its own column range. Every
// stage pushes one range into the previous rank's receive buffer and folds
// in what the next rank pushed.
func ringReduce(ctx context.Context, dctx *device.Context, rows, pitch int, cols columnRange) error {
	np, id := dctx.NumProcs(), dctx.ID()
	send, recv, peer := dctx.SendBuffer(), dctx.ReceiveBuffer(), dctx.PeerBuffer()
	pos := (id + 1) % np
	for stage := 0; stage < np-1; stage++ {
		lo, hi := cols(pos)
		kernels.Copy2D(peer[lo:], pitch, send[lo:], pitch, hi-lo, rows)
		if err := dctx.Barrier(ctx); err != nil {
			return err
		}
		pos = (pos + 1) % np
		lo, hi = cols(pos)
		kernels.AddBuffers2D(send[lo:], pitch, recv[lo:], pitch, hi-lo, rows)
	}
	// peers must not start the next exchange while we still read recv
	return dctx.Barrier(ctx)
}

// ringGather circulates every rank's column range of the send buffer until
// all ranks hold the full [rows][pitch] block. The caller has already placed
// its own range.
func ringGather(ctx context.Context, dctx *device.Context, rows, pitch int, cols columnRange) error {
	np, id := dctx.NumProcs(), dctx.ID()
	send, peerBack := dctx.SendBuffer(), dctx.PeerBackBuffer()

	// the previous rank may still be reading its send buffer
	if err := dctx.Barrier(ctx); err != nil {
		return err
	}
	pos := id
	for stage := 0; stage < np-1; stage++ {
		lo, hi := cols(pos)
		kernels.Copy2D(peerBack[lo:], pitch, send[lo:], pitch, hi-lo, rows)
		if err := dctx.Barrier(ctx); err != nil {
			return err
		}
		pos = (pos + 1) % np
	}
	return dctx.Barrier(ctx)
}

// shardColumns is the column range of this layer's activations owned by
// rank pos under model parallelization
func (l *Layer) shardColumns(pos int) (int, int) {
	np := l.net.dctx.NumProcs()
	lo, hi := dataset.ShardRange(l.desc.Nx, pos, np)
	inner := int(l.stride / l.desc.Nx)
	return int(lo) * inner, int(hi) * inner
}

// Reduce sums the [batch][stride] contributions every rank left in the send
// buffer and writes this rank's column range into buffer, whose row pitch is
// localStride. The result overwrites buffer when updateCount is zero and is
// added to it otherwise.
func (l *Layer) Reduce(ctx context.Context, batch, stride uint32, buffer []float32, localStride, updateCount uint32) error {
	dctx := l.net.dctx
	if dctx.NumProcs() == 1 {
		return nil
	}
	rows, pitch := int(batch), int(stride)
	send := dctx.SendBuffer()
	if len(send) < rows*pitch {
		return dctx.ConfigError("Layer.Reduce", "layer %s: communication buffer holds %d values, need %d", l.name, len(send), rows*pitch)
	}

	if dctx.P2P() {
		if err := ringReduce(ctx, dctx, rows, pitch, l.shardColumns); err != nil {
			return err
		}
	} else {
		n := rows * pitch
		cpu := dctx.CPUBuffer()
		copy(cpu[:n], send[:n])
		if err := dctx.Comm().AllreduceFloat32(ctx, cpu[:n]); err != nil {
			return dctx.ResourceError("Layer.Reduce", err)
		}
		copy(send[:n], cpu[:n])
	}

	lo, hi := l.shardColumns(dctx.ID())
	if updateCount == 0 {
		kernels.Copy2D(buffer, int(localStride), send[lo:], pitch, hi-lo, rows)
	} else {
		kernels.AddBuffers2D(buffer, int(localStride), send[lo:], pitch, hi-lo, rows)
	}
	return nil
}

// Gather assembles the full [batch][stride] block in the send buffer from
// every rank's [batch][localStride] shard in buffer
func (l *Layer) Gather(ctx context.Context, batch, stride uint32, buffer []float32, localStride uint32) error {
	dctx := l.net.dctx
	np, id := dctx.NumProcs(), dctx.ID()
	rows, pitch := int(batch), int(stride)
	send := dctx.SendBuffer()
	if len(send) < rows*pitch {
		return dctx.ConfigError("Layer.Gather", "layer %s: communication buffer holds %d values, need %d", l.name, len(send), rows*pitch)
	}
	lo, hi := l.shardColumns(id)
	if np == 1 {
		kernels.Copy2D(send, pitch, buffer, int(localStride), hi-lo, rows)
		return nil
	}

	if dctx.P2P() {
		kernels.Copy2D(send[lo:], pitch, buffer, int(localStride), hi-lo, rows)
		return ringGather(ctx, dctx, rows, pitch, l.shardColumns)
	}

	cpu := dctx.CPUBuffer()
	kernels.Copy2D(cpu[lo:], pitch, buffer, int(localStride), hi-lo, rows)
	for root := 0; root < np; root++ {
		rlo, rhi := l.shardColumns(root)
		if err := broadcastColumns(ctx, dctx, root, cpu, rlo, rows, rhi-rlo, pitch); err != nil {
			return err
		}
	}
	copy(send[:rows*pitch], cpu[:rows*pitch])
	return nil
}

func broadcastColumns(ctx context.Context, dctx *device.Context, root int, buf []float32, offset, rows, width, pitch int) error {
	if width == 0 {
		return nil
	}
	if err := comm.BcastStrided(ctx, dctx.Comm(), root, buf, offset, rows, width, pitch); err != nil {
		return dctx.ResourceError("Layer.Gather", err)
	}
	return nil
}

// P2PAllreduce replaces buf on every rank with the elementwise sum over
// ranks, over the peer ring when it is available
func (n *Network) P2PAllreduce(ctx context.Context, buf []float32) error {
	dctx := n.dctx
	np := dctx.NumProcs()
	if np == 1 {
		return nil
	}
	size := len(buf)
	if err := dctx.SetCommBufferSize(ctx, uint64(size)); err != nil {
		return err
	}

	if !dctx.P2P() {
		cpu := dctx.CPUBuffer()
		copy(cpu[:size], buf)
		if err := dctx.Comm().AllreduceFloat32(ctx, cpu[:size]); err != nil {
			return dctx.ResourceError("Network.P2PAllreduce", err)
		}
		copy(buf, cpu[:size])
		return nil
	}

	cols := func(pos int) (int, int) {
		lo, hi := dataset.ShardRange(uint32(size), pos, np)
		return int(lo), int(hi)
	}
	send := dctx.SendBuffer()
	copy(send[:size], buf)
	if err := ringReduce(ctx, dctx, 1, size, cols); err != nil {
		return err
	}
	if err := ringGather(ctx, dctx, 1, size, cols); err != nil {
		return err
	}
	copy(buf, send[:size])
	return nil
}
