package memory

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// DeviceType represents where a buffer's bytes are charged
type DeviceType int

const (
	CPU DeviceType = iota
	GPU
	Pinned // host memory mapped into the device address space
)

func (dt DeviceType) String() string {
	switch dt {
	case CPU:
		return "CPU"
	case GPU:
		return "GPU"
	case Pinned:
		return "Pinned"
	default:
		return "Unknown"
	}
}

// OutOfMemoryError reports an allocation that would exceed the device capacity.
type OutOfMemoryError struct {
	Requested uint64
	InUse     uint64
	Capacity  uint64
}

func (e *OutOfMemoryError) Error() string {
	return fmt.Sprintf("out of device memory: requested %d bytes with %d of %d in use",
		e.Requested, e.InUse, e.Capacity)
}

// Stats is a snapshot of a Manager's counters
type Stats struct {
	CPUBytes     int64
	GPUBytes     int64
	PeakGPUBytes int64
	Allocations  int64
}

// Manager tracks host and device byte usage for one participant.
// Every buffer allocate/deallocate charges or credits the counters, so a
// fully torn down run returns them to their starting values.
type Manager struct {
	capacity uint64 // 0 means unlimited

	cpuBytes    atomic.Int64
	gpuBytes    atomic.Int64
	allocations atomic.Int64

	peakMutex sync.Mutex
	peakGPU   int64
}

// NewManager creates a manager with the given device capacity in bytes
func NewManager(capacity uint64) *Manager {
	return &Manager{capacity: capacity}
}

// Capacity returns the device capacity in bytes (0 when unlimited)
func (m *Manager) Capacity() uint64 {
	return m.capacity
}

// reserve charges size bytes against the given device
func (m *Manager) reserve(size uint64, device DeviceType) error {
	switch device {
	case GPU:
		inUse := m.gpuBytes.Add(int64(size))
		if m.capacity > 0 && uint64(inUse) > m.capacity {
			m.gpuBytes.Add(-int64(size))
			return &OutOfMemoryError{Requested: size, InUse: uint64(inUse) - size, Capacity: m.capacity}
		}
		m.peakMutex.Lock()
		if inUse > m.peakGPU {
			m.peakGPU = inUse
		}
		m.peakMutex.Unlock()
	case CPU, Pinned:
		m.cpuBytes.Add(int64(size))
	default:
		return fmt.Errorf("unsupported device type: %d", device)
	}
	m.allocations.Add(1)
	return nil
}

// release credits size bytes back to the given device
func (m *Manager) release(size uint64, device DeviceType) {
	switch device {
	case GPU:
		m.gpuBytes.Add(-int64(size))
	case CPU, Pinned:
		m.cpuBytes.Add(-int64(size))
	}
	m.allocations.Add(-1)
}

// Stats returns the current counters
func (m *Manager) Stats() Stats {
	m.peakMutex.Lock()
	peak := m.peakGPU
	m.peakMutex.Unlock()
	return Stats{
		CPUBytes:     m.cpuBytes.Load(),
		GPUBytes:     m.gpuBytes.Load(),
		PeakGPUBytes: peak,
		Allocations:  m.allocations.Load(),
	}
}

// CPUBytes returns the bytes currently charged to host memory
func (m *Manager) CPUBytes() int64 {
	return m.cpuBytes.Load()
}

// GPUBytes returns the bytes currently charged to device memory
func (m *Manager) GPUBytes() int64 {
	return m.gpuBytes.Load()
}
