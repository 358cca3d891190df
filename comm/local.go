package comm

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ErrGroupBroken is returned by every collective once a rank abandoned one
var ErrGroupBroken = errors.New("process group broken")

// round is one barrier generation
type round struct {
	done chan struct{}
	err  error
}

// Group is an in-process process group. Each rank is driven by its own
// goroutine through an Endpoint; collectives rendezvous on a shared barrier
// and exchange data through per-rank slots.
type Group struct {
	size int

	mu      sync.Mutex
	arrived int
	current *round
	broken  error

	slots  []interface{}
	mail   map[[2]int]chan []float32
	shared []map[string][]float32
}

// NewGroup creates a group of size ranks
func NewGroup(size int) (*Group, error) {
	if size <= 0 {
		return nil, fmt.Errorf("group size must be positive, got %d", size)
	}
	g := &Group{
		size:    size,
		current: &round{done: make(chan struct{})},
		slots:   make([]interface{}, size),
		mail:    make(map[[2]int]chan []float32),
		shared:  make([]map[string][]float32, size),
	}
	for src := 0; src < size; src++ {
		g.shared[src] = make(map[string][]float32)
		for dst := 0; dst < size; dst++ {
			g.mail[[2]int{src, dst}] = make(chan []float32, 16)
		}
	}
	return g, nil
}

// Size returns the number of ranks
func (g *Group) Size() int {
	return g.size
}

// Endpoint returns the communicator for rank
func (g *Group) Endpoint(rank int) *Endpoint {
	if rank < 0 || rank >= g.size {
		panic(fmt.Sprintf("rank %d out of range for group of %d", rank, g.size))
	}
	return &Endpoint{group: g, rank: rank}
}

// wait blocks until every rank has arrived or ctx ends
func (g *Group) wait(ctx context.Context) error {
	g.mu.Lock()
	if g.broken != nil {
		err := g.broken
		g.mu.Unlock()
		return err
	}
	r := g.current
	g.arrived++
	if g.arrived == g.size {
		g.arrived = 0
		g.current = &round{done: make(chan struct{})}
		close(r.done)
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()

	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		g.fail(errors.Wrap(ErrGroupBroken, ctx.Err().Error()))
		return ctx.Err()
	}
}

// fail marks the group broken and releases every waiter
func (g *Group) fail(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.broken != nil {
		return
	}
	g.broken = err
	g.current.err = err
	close(g.current.done)
}

// Endpoint is one rank's Communicator over a Group
type Endpoint struct {
	group *Group
	rank  int
}

func (e *Endpoint) Rank() int { return e.rank }
func (e *Endpoint) Size() int { return e.group.size }

func (e *Endpoint) Barrier(ctx context.Context) error {
	return e.group.wait(ctx)
}

func (e *Endpoint) AllreduceFloat32(ctx context.Context, buf []float32) error {
	g := e.group
	g.slots[e.rank] = buf
	if err := g.wait(ctx); err != nil {
		return err
	}
	sum := make([]float32, len(buf))
	var mismatch error
	for r := 0; r < g.size; r++ {
		src := g.slots[r].([]float32)
		if len(src) != len(buf) {
			mismatch = errors.Errorf("allreduce length mismatch: rank %d has %d elements, rank %d has %d",
				r, len(src), e.rank, len(buf))
			continue
		}
		for i, v := range src {
			sum[i] += v
		}
	}
	if err := g.wait(ctx); err != nil {
		return err
	}
	if mismatch != nil {
		return mismatch
	}
	copy(buf, sum)
	return nil
}

func bcast[T any](ctx context.Context, e *Endpoint, root int, buf []T) error {
	g := e.group
	if root < 0 || root >= g.size {
		return errors.Errorf("broadcast root %d out of range", root)
	}
	if e.rank == root {
		g.slots[root] = buf
	}
	if err := g.wait(ctx); err != nil {
		return err
	}
	var mismatch error
	if e.rank != root {
		src := g.slots[root].([]T)
		if len(src) != len(buf) {
			mismatch = errors.Errorf("broadcast length mismatch: root has %d elements, rank %d has %d",
				len(src), e.rank, len(buf))
		} else {
			copy(buf, src)
		}
	}
	if err := g.wait(ctx); err != nil {
		return err
	}
	return mismatch
}

func (e *Endpoint) BcastFloat32(ctx context.Context, root int, buf []float32) error {
	return bcast(ctx, e, root, buf)
}

func (e *Endpoint) BcastUint32(ctx context.Context, root int, buf []uint32) error {
	return bcast(ctx, e, root, buf)
}

func (e *Endpoint) BcastUint64(ctx context.Context, root int, buf []uint64) error {
	return bcast(ctx, e, root, buf)
}

func (e *Endpoint) BcastBytes(ctx context.Context, root int, buf []byte) error {
	return bcast(ctx, e, root, buf)
}

func (e *Endpoint) Send(ctx context.Context, dst int, buf []float32) error {
	if dst < 0 || dst >= e.group.size {
		return errors.Errorf("send destination %d out of range", dst)
	}
	msg := make([]float32, len(buf))
	copy(msg, buf)
	select {
	case e.group.mail[[2]int{e.rank, dst}] <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Endpoint) Recv(ctx context.Context, src int) ([]float32, error) {
	if src < 0 || src >= e.group.size {
		return nil, errors.Errorf("receive source %d out of range", src)
	}
	select {
	case msg := <-e.group.mail[[2]int{src, e.rank}]:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Expose publishes buf under name for the other ranks of the group
func (e *Endpoint) Expose(name string, buf []float32) {
	e.group.mu.Lock()
	e.group.shared[e.rank][name] = buf
	e.group.mu.Unlock()
}

// Lookup returns the buffer rank exposed under name
func (e *Endpoint) Lookup(rank int, name string) ([]float32, error) {
	if rank < 0 || rank >= e.group.size {
		return nil, errors.Errorf("peer rank %d out of range", rank)
	}
	e.group.mu.Lock()
	defer e.group.mu.Unlock()
	buf, ok := e.group.shared[rank][name]
	if !ok {
		return nil, errors.Errorf("rank %d has not exposed %q", rank, name)
	}
	return buf, nil
}

// Self returns a single-rank communicator
func Self() Communicator {
	g, _ := NewGroup(1)
	return g.Endpoint(0)
}

// Run starts size ranks over a fresh Group, each executing fn on its own
// goroutine. The first error cancels the others' context, which breaks any
// collective they are blocked in.
func Run(ctx context.Context, size int, fn func(ctx context.Context, c Communicator) error) error {
	g, err := NewGroup(size)
	if err != nil {
		return err
	}
	eg, egctx := errgroup.WithContext(ctx)
	for rank := 0; rank < size; rank++ {
		ep := g.Endpoint(rank)
		eg.Go(func() error {
			if err := fn(egctx, ep); err != nil {
				return errors.Wrapf(err, "rank %d", ep.Rank())
			}
			return nil
		})
	}
	return eg.Wait()
}
