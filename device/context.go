// Package device implements the execution context: one participant of a
// multi-rank run, its device binding, topology flags, memory accounting and
// the reusable communication buffers shared by every layer.
package device

import (
	"context"
	"log/slog"
	"math/bits"
	"math/rand/v2"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-dsstne/comm"
	"github.com/tsawler/go-dsstne/memory"
)

// Context is the explicit replacement for a process-wide device singleton.
// The run driver creates one per rank with Startup and passes it to every
// component that needs device or topology access.
type Context struct {
	cfg  Config
	comm comm.Communicator

	id       int
	numprocs int
	device   int

	warpSize uint32
	warpBits uint32
	warpMask uint32

	p2p        bool
	singleNode bool

	maxSparse       uint32
	maxSparseAnalog uint32

	mem     *memory.Manager
	scratch *memory.ScratchPool
	rng     *rand.Rand
	logger  *slog.Logger

	// communication buffers
	send     *memory.Buffer[float32]
	receive  *memory.Buffer[float32]
	cpu      *memory.Buffer[float32]
	peer     []float32
	peerBack []float32
	commSize uint64

	mu       sync.Mutex
	attached string
	shutdown bool
}

// Startup binds this rank to a device, probes peer-to-peer support across
// the group and creates the library handles.
func Startup(ctx context.Context, c comm.Communicator, config Config) (*Context, error) {
	if c == nil {
		return nil, errors.New("communicator cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid device configuration")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dc := &Context{
		cfg:             config,
		comm:            c,
		id:              c.Rank(),
		numprocs:        c.Size(),
		device:          c.Rank() % config.DevicesPerNode,
		warpSize:        config.WarpSize,
		warpBits:        uint32(bits.TrailingZeros32(config.WarpSize)),
		warpMask:        config.WarpSize - 1,
		maxSparse:       config.MaxSparse,
		maxSparseAnalog: config.MaxSparseAnalog,
		mem:             memory.NewManager(config.GPUMemory),
		scratch:         memory.NewScratchPool(),
		rng:             rand.New(rand.NewPCG(config.Seed, uint64(c.Rank()))),
		logger:          logger.With("rank", c.Rank()),
	}
	dc.singleNode = dc.numprocs <= config.DevicesPerNode

	// Peer access is only usable when every rank can map every other rank.
	_, shared := c.(comm.SharedMemory)
	capable := config.PeerToPeer && shared && config.CanMapHostMemory && dc.singleNode
	missing, err := comm.AnyTrue(ctx, c, !capable)
	if err != nil {
		return nil, dc.ResourceError("device.Startup", errors.Wrap(err, "failed to probe peer-to-peer support"))
	}
	dc.p2p = !missing

	if dc.id == 0 {
		dc.logger.Info("execution context started",
			"processes", dc.numprocs,
			"p2p", dc.p2p,
			"singleNode", dc.singleNode,
			"warpSize", dc.warpSize,
			"sm", config.SMVersion)
	}
	dc.logger.Debug("device bound", "device", dc.device)
	return dc, nil
}

// Shutdown releases communication buffers and handles. It is safe to call
// more than once and after a partial failure.
func (c *Context) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return nil
	}
	c.shutdown = true
	c.releaseCommBuffers()
	if c.attached != "" {
		c.logger.Debug("detaching network at shutdown", "network", c.attached)
		c.attached = ""
	}
	c.logger.Debug("execution context shut down",
		"cpuBytes", c.mem.CPUBytes(),
		"gpuBytes", c.mem.GPUBytes())
	return nil
}

// Closed reports whether Shutdown has run
func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdown
}

func (c *Context) ID() int                      { return c.id }
func (c *Context) NumProcs() int                { return c.numprocs }
func (c *Context) Device() int                  { return c.device }
func (c *Context) P2P() bool                    { return c.p2p }
func (c *Context) SingleNode() bool             { return c.singleNode }
func (c *Context) WarpSize() uint32             { return c.warpSize }
func (c *Context) WarpBits() uint32             { return c.warpBits }
func (c *Context) WarpMask() uint32             { return c.warpMask }
func (c *Context) MaxSparse() uint32            { return c.maxSparse }
func (c *Context) MaxSparseAnalog() uint32      { return c.maxSparseAnalog }
func (c *Context) ECC() bool                    { return c.cfg.ECC }
func (c *Context) SMVersion() int               { return c.cfg.SMVersion }
func (c *Context) Memory() *memory.Manager      { return c.mem }
func (c *Context) Scratch() *memory.ScratchPool { return c.scratch }
func (c *Context) Comm() comm.Communicator      { return c.comm }
func (c *Context) Logger() *slog.Logger         { return c.logger }
func (c *Context) Rand() *rand.Rand             { return c.rng }
func (c *Context) Config() Config               { return c.cfg }
func (c *Context) CommBufferSize() uint64       { return c.commSize }
func (c *Context) SendBuffer() []float32        { return deviceView(c.send) }
func (c *Context) ReceiveBuffer() []float32     { return deviceView(c.receive) }
func (c *Context) CPUBuffer() []float32         { return deviceView(c.cpu) }
func (c *Context) PeerBuffer() []float32        { return c.peer }
func (c *Context) PeerBackBuffer() []float32    { return c.peerBack }

func deviceView(b *memory.Buffer[float32]) []float32 {
	if b == nil {
		return nil
	}
	return b.Device()
}

// SetMaxSparse overrides the fused sparse thresholds
func (c *Context) SetMaxSparse(maxSparse, maxSparseAnalog uint32) {
	c.maxSparse = maxSparse
	c.maxSparseAnalog = maxSparseAnalog
}

// Pad rounds x up to the next multiple of the warp size
func (c *Context) Pad(x uint32) uint32 {
	return (x + c.warpMask) &^ c.warpMask
}

// Barrier synchronizes the device and then every rank. Device work is
// synchronous here, so only the group barrier remains.
func (c *Context) Barrier(ctx context.Context) error {
	if c.numprocs == 1 {
		return nil
	}
	if err := c.comm.Barrier(ctx); err != nil {
		return c.ResourceError("device.Barrier", err)
	}
	return nil
}

// Attach registers owner as the single network bound to this context
func (c *Context) Attach(owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return errors.New("execution context is shut down")
	}
	if c.attached != "" {
		return errors.Errorf("network %q is already attached; cannot attach %q", c.attached, owner)
	}
	c.attached = owner
	return nil
}

// Detach releases the network binding
func (c *Context) Detach() {
	c.mu.Lock()
	c.attached = ""
	c.mu.Unlock()
}

// Attached returns the name of the attached network
func (c *Context) Attached() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached
}
