// Package backend defines the narrow GPU contract the raytracing fallback
// core is layered over, plus a registry and an always-available software
// implementation.
//
// The contract is deliberately small: allocate and free buffers addressed by
// 64-bit virtual address, map ranges for host access, record compute
// dispatches and barriers into command buffers, and order execution with
// fences. Everything the fallback emulates (acceleration-structure builds,
// shader-table walks, traversal) is expressed through these methods, so
// swapping the software arena for a real device backend changes no core
// code.
//
// Backends must be registered via Register() and are selected via Get() or
// Default().
package backend

import "errors"

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not available.
	ErrBackendNotAvailable = errors.New("backend: not available")

	// ErrNotInitialized is returned when operations are called before Init.
	ErrNotInitialized = errors.New("backend: not initialized")

	// ErrInvalidAddress is returned when an address does not fall inside a
	// live allocation.
	ErrInvalidAddress = errors.New("backend: address not in a live allocation")

	// ErrOutOfBounds is returned when a mapped range runs past the end of
	// its allocation.
	ErrOutOfBounds = errors.New("backend: range exceeds allocation")

	// ErrInvalidSize is returned when an allocation size is zero.
	ErrInvalidSize = errors.New("backend: invalid allocation size")

	// ErrUnsupportedKernel is returned when a backend is handed a kernel
	// type it cannot execute.
	ErrUnsupportedKernel = errors.New("backend: unsupported kernel type")

	// ErrDeviceRemoved is returned once the device has been lost. All
	// subsequent operations fail with it until a new backend is created.
	ErrDeviceRemoved = errors.New("backend: device removed")
)

// BlobAlignment is the required alignment of acceleration-structure blob
// addresses. Allocate always returns addresses at least this aligned.
const BlobAlignment = 256

// Kernel identifies a unit of compute work handed to RecordDispatch.
// Each backend type-asserts to the concrete kernel kinds it can execute:
// the software backend runs [KernelFunc] values on the host, the wgpu
// backend runs WGSL compute pipelines.
type Kernel interface {
	// KernelName returns a debug label for the kernel.
	KernelName() string
}

// KernelFunc is a host-executed kernel. The software backend invokes Fn
// once per thread group at submit time, in group order.
type KernelFunc struct {
	// Name is the debug label.
	Name string

	// Fn receives the 3D thread-group ID, the root constants recorded
	// with the dispatch, and the backend memory.
	Fn func(group [3]uint32, constants []uint32, mem Memory) error
}

// KernelName returns the debug label.
func (k KernelFunc) KernelName() string { return k.Name }

// Memory maps GPU virtual address ranges to host-visible bytes.
type Memory interface {
	// Map returns the bytes backing [addr, addr+size). The slice aliases
	// backend storage: writes land in the buffer once Unmap is called
	// (immediately, for the software backend).
	Map(addr uint64, size uint64) ([]byte, error)

	// Unmap releases a mapping obtained from Map and flushes writes.
	Unmap(addr uint64) error
}

// CommandBuffer records work for a single submission. Recording is not
// safe for concurrent use; distinct command buffers may record on distinct
// goroutines.
type CommandBuffer interface {
	// RecordDispatch records a compute dispatch of groups[0] x groups[1]
	// x groups[2] thread groups with the given root constants.
	RecordDispatch(k Kernel, groups [3]uint32, constants []uint32) error

	// RecordBarrier records a UAV barrier on the buffer containing addr:
	// work recorded after the barrier observes all writes to that buffer
	// from work recorded before it.
	RecordBarrier(addr uint64) error

	// RecordHostWork records host-side work executed in submission order.
	// The fallback's acceleration-structure builds run through this: the
	// build is "GPU work" from the caller's perspective but executes as
	// host emulation writing through Map.
	RecordHostWork(name string, fn func(mem Memory) error)
}

// ReleaseFunc is invoked when a buffer is freed, with its base address.
type ReleaseFunc func(addr uint64)

// Backend is the GPU contract the fallback core requires of its
// collaborator.
type Backend interface {
	Memory

	// Name returns the backend identifier (e.g., "software", "wgpu").
	Name() string

	// Init initializes the backend. It must be called before any other
	// operation and is idempotent.
	Init() error

	// Close releases all backend resources. The backend must not be used
	// after Close.
	Close()

	// Allocate creates a buffer of the given size and returns its GPU
	// virtual address, aligned to at least BlobAlignment.
	Allocate(size uint64) (uint64, error)

	// Free releases the buffer at the given base address and fires the
	// registered release callbacks.
	Free(addr uint64) error

	// NewCommandBuffer creates an empty command buffer for recording.
	NewCommandBuffer() CommandBuffer

	// Submit enqueues a recorded command buffer for execution and signals
	// the fence with signal when it completes.
	Submit(cb CommandBuffer, signal uint64) error

	// SignalFence sets the fence to value from the host.
	SignalFence(value uint64) error

	// WaitFence blocks until the fence reaches value.
	WaitFence(value uint64) error

	// NotifyRelease registers a callback fired whenever a buffer is
	// freed. The acceleration-structure store registers here at startup
	// so records never outlive their backing memory.
	NotifyRelease(fn ReleaseFunc)

	// NotifyDeviceRemoved registers a callback fired when the device is
	// lost. Device removal is fatal: every outstanding address becomes
	// invalid.
	NotifyDeviceRemoved(fn func())
}
