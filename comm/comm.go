// Package comm provides the message-passing substrate the execution core runs
// on: rank identity, barriers, broadcasts, all-reduce and point-to-point
// transfers, plus an optional shared-memory registry that stands in for
// peer-to-peer device mappings.
package comm

import (
	"context"

	"github.com/pkg/errors"
)

// Communicator is one participant's view of a process group.
// Every collective blocks until all ranks of the group have called it.
type Communicator interface {
	Rank() int
	Size() int

	Barrier(ctx context.Context) error

	// AllreduceFloat32 replaces buf on every rank with the elementwise sum over ranks.
	AllreduceFloat32(ctx context.Context, buf []float32) error

	BcastFloat32(ctx context.Context, root int, buf []float32) error
	BcastUint32(ctx context.Context, root int, buf []uint32) error
	BcastUint64(ctx context.Context, root int, buf []uint64) error
	BcastBytes(ctx context.Context, root int, buf []byte) error

	Send(ctx context.Context, dst int, buf []float32) error
	Recv(ctx context.Context, src int) ([]float32, error)
}

// SharedMemory is implemented by communicators whose ranks can address each
// other's buffers directly. Buffers must be exposed before peers look them up;
// a Barrier between the two phases is the caller's responsibility.
type SharedMemory interface {
	Expose(name string, buf []float32)
	Lookup(rank int, name string) ([]float32, error)
}

// AnyTrue reports on every rank whether any rank passed true
func AnyTrue(ctx context.Context, c Communicator, flag bool) (bool, error) {
	v := []float32{0}
	if flag {
		v[0] = 1
	}
	if err := c.AllreduceFloat32(ctx, v); err != nil {
		return false, errors.Wrap(err, "failed to reduce flag")
	}
	return v[0] > 0, nil
}

// BcastBool broadcasts a single flag from root
func BcastBool(ctx context.Context, c Communicator, root int, flag bool) (bool, error) {
	v := []uint32{0}
	if flag {
		v[0] = 1
	}
	if err := c.BcastUint32(ctx, root, v); err != nil {
		return false, err
	}
	return v[0] != 0, nil
}

// BcastString broadcasts a string from root as a length-prefixed byte sequence
func BcastString(ctx context.Context, c Communicator, root int, s *string) error {
	length := []uint64{uint64(len(*s))}
	if err := c.BcastUint64(ctx, root, length); err != nil {
		return errors.Wrap(err, "failed to broadcast string length")
	}
	buf := make([]byte, length[0])
	if c.Rank() == root {
		copy(buf, *s)
	}
	if err := c.BcastBytes(ctx, root, buf); err != nil {
		return errors.Wrap(err, "failed to broadcast string bytes")
	}
	*s = string(buf)
	return nil
}

// BcastStrided broadcasts a strided block from root: rows runs of rowLen
// elements starting at offset, consecutive runs stride elements apart.
// Non-root ranks receive the block into the same positions of buf.
func BcastStrided(ctx context.Context, c Communicator, root int, buf []float32, offset, rows, rowLen, stride int) error {
	if rows == 0 || rowLen == 0 {
		return nil
	}
	if last := offset + (rows-1)*stride + rowLen; last > len(buf) {
		return errors.Errorf("strided block ends at %d beyond buffer of %d", last, len(buf))
	}
	packed := make([]float32, rows*rowLen)
	if c.Rank() == root {
		for r := 0; r < rows; r++ {
			copy(packed[r*rowLen:(r+1)*rowLen], buf[offset+r*stride:offset+r*stride+rowLen])
		}
	}
	if err := c.BcastFloat32(ctx, root, packed); err != nil {
		return errors.Wrap(err, "failed to broadcast strided block")
	}
	if c.Rank() != root {
		for r := 0; r < rows; r++ {
			copy(buf[offset+r*stride:offset+r*stride+rowLen], packed[r*rowLen:(r+1)*rowLen])
		}
	}
	return nil
}
