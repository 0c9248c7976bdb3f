// Package wgpu provides a GPU backend over gogpu/wgpu's HAL. Buffers are
// backed by device storage buffers with host shadows kept coherent through
// Map/Unmap, the traversal kernel is compiled and validated against the
// device at Init, and submissions synchronize through HAL fences.
//
// The backend registers itself as "wgpu"; import it for side effects and
// select it via the backend registry.
package wgpu

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	types "github.com/gogpu/gputypes"

	"github.com/gogpu/rtfallback"
	"github.com/gogpu/rtfallback/backend"

	// Register the Vulkan HAL backend.
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

func init() {
	backend.Register(backend.BackendWGPU, func() backend.Backend { return New() })
}

// arenaBase is the first virtual address handed out. Address zero stays
// unmapped so it keeps its conventional null meaning.
const arenaBase = 0x4000_0000

// fenceTimeoutNanos bounds device fence waits (5 seconds).
const fenceTimeoutNanos = 5_000_000_000

// allocation is one live buffer: a device storage buffer plus its host
// shadow. The shadow is the authoritative copy between submissions; Unmap
// and Submit flush it to the device.
type allocation struct {
	base   uint64
	buf    hal.Buffer
	shadow []byte
	dirty  bool
}

// Backend implements backend.Backend over a HAL device.
//
// Thread safety: safe for concurrent use; allocation state is protected by
// a mutex and the fence uses a condition variable.
type Backend struct {
	mu sync.Mutex

	instance hal.Instance
	device   hal.Device
	queue    hal.Queue
	external bool

	traversal *traversalPipeline

	allocs []allocation
	nextVA uint64

	releaseFns []backend.ReleaseFunc
	removedFns []func()

	fenceMu    sync.Mutex
	fenceCond  *sync.Cond
	fenceValue uint64

	initialized bool
	removed     bool
}

// New creates a wgpu backend that opens its own device at Init.
func New() *Backend {
	b := &Backend{nextVA: arenaBase}
	b.fenceCond = sync.NewCond(&b.fenceMu)
	return b
}

// NewWithProvider creates a wgpu backend sharing an external device. The
// provider must implement HalDevice() any and HalQueue() any returning
// hal.Device and hal.Queue (the gpucontext.DeviceProvider convention).
func NewWithProvider(provider any) (*Backend, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, fmt.Errorf("wgpu: provider does not expose HAL types")
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("wgpu: provider HalDevice is not hal.Device")
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("wgpu: provider HalQueue is not hal.Queue")
	}
	b := New()
	b.device = device
	b.queue = queue
	b.external = true
	return b, nil
}

// NewWithDeviceProvider creates a wgpu backend sharing the device of a
// gpucontext provider, for embedding the fallback into an application that
// already owns a GPU context. The provider's concrete type must also expose
// the HAL accessors NewWithProvider documents.
func NewWithDeviceProvider(provider gpucontext.DeviceProvider) (*Backend, error) {
	if provider == nil {
		return nil, fmt.Errorf("wgpu: nil device provider")
	}
	return NewWithProvider(provider)
}

// Name returns the backend identifier.
func (b *Backend) Name() string { return backend.BackendWGPU }

// Init opens the device (unless one was provided) and builds the traversal
// pipeline. It is idempotent.
func (b *Backend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.removed {
		return backend.ErrDeviceRemoved
	}
	if b.initialized {
		return nil
	}
	if b.device == nil {
		if err := b.openDevice(); err != nil {
			return err
		}
	}
	tp, err := newTraversalPipeline(b.device)
	if err != nil {
		b.closeDeviceLocked()
		return err
	}
	b.traversal = tp
	b.initialized = true
	rtfallback.Logger().Info("backend initialized", "backend", backend.BackendWGPU, "external_device", b.external)
	return nil
}

// openDevice creates a standalone Vulkan device for compute-only use.
func (b *Backend) openDevice() error {
	halBackend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return fmt.Errorf("%w: vulkan HAL backend not present", backend.ErrBackendNotAvailable)
	}
	instance, err := halBackend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return fmt.Errorf("wgpu: create instance: %w", err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		return fmt.Errorf("%w: no adapters", backend.ErrBackendNotAvailable)
	}
	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		return fmt.Errorf("wgpu: open device: %w", err)
	}
	b.instance = instance
	b.device = openDev.Device
	b.queue = openDev.Queue
	rtfallback.Logger().Info("device opened", "backend", backend.BackendWGPU, "adapter", selected.Info.Name)
	return nil
}

// Close releases all backend resources.
func (b *Backend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.allocs {
		b.device.DestroyBuffer(b.allocs[i].buf)
	}
	b.allocs = nil
	b.closeDeviceLocked()
	b.initialized = false
}

func (b *Backend) closeDeviceLocked() {
	if b.traversal != nil {
		b.traversal.destroy(b.device)
		b.traversal = nil
	}
	if !b.external && b.device != nil {
		b.device.Destroy()
		b.device = nil
		b.queue = nil
	}
}

// Allocate creates a storage buffer and returns its virtual address.
func (b *Backend) Allocate(size uint64) (uint64, error) {
	if size == 0 {
		return 0, backend.ErrInvalidSize
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return 0, err
	}

	buf, err := b.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "rtfallback-buffer",
		Size:  size,
		Usage: types.BufferUsageStorage | types.BufferUsageCopySrc | types.BufferUsageCopyDst,
	})
	if err != nil {
		return 0, fmt.Errorf("wgpu: create buffer: %w", err)
	}

	base := alignUp(b.nextVA, backend.BlobAlignment)
	b.nextVA = base + size
	b.allocs = append(b.allocs, allocation{base: base, buf: buf, shadow: make([]byte, size)})
	rtfallback.Logger().Debug("buffer allocated", "backend", backend.BackendWGPU, "addr", base, "size", size)
	return base, nil
}

// Free releases the buffer at the given base address and fires release
// callbacks.
func (b *Backend) Free(addr uint64) error {
	b.mu.Lock()
	if err := b.usable(); err != nil {
		b.mu.Unlock()
		return err
	}
	i := b.findLocked(addr)
	if i < 0 || b.allocs[i].base != addr {
		b.mu.Unlock()
		return fmt.Errorf("%w: %#x", backend.ErrInvalidAddress, addr)
	}
	buf := b.allocs[i].buf
	b.allocs = append(b.allocs[:i], b.allocs[i+1:]...)
	fns := append([]backend.ReleaseFunc(nil), b.releaseFns...)
	device := b.device
	b.mu.Unlock()

	device.DestroyBuffer(buf)
	for _, fn := range fns {
		fn(addr)
	}
	return nil
}

// Map returns the shadow bytes backing [addr, addr+size) and marks the
// allocation dirty. Writes reach the device on Unmap or at the next
// submission.
func (b *Backend) Map(addr uint64, size uint64) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return nil, err
	}
	i := b.findLocked(addr)
	if i < 0 {
		return nil, fmt.Errorf("%w: %#x", backend.ErrInvalidAddress, addr)
	}
	a := &b.allocs[i]
	off := addr - a.base
	if off+size > uint64(len(a.shadow)) {
		return nil, fmt.Errorf("%w: [%#x,+%d) in allocation of %d bytes",
			backend.ErrOutOfBounds, addr, size, len(a.shadow))
	}
	a.dirty = true
	return a.shadow[off : off+size], nil
}

// Unmap flushes the allocation's shadow to the device buffer.
func (b *Backend) Unmap(addr uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return err
	}
	i := b.findLocked(addr)
	if i < 0 {
		return fmt.Errorf("%w: %#x", backend.ErrInvalidAddress, addr)
	}
	b.flushLocked(&b.allocs[i])
	return nil
}

// flushLocked uploads a dirty shadow. The caller must hold b.mu.
func (b *Backend) flushLocked(a *allocation) {
	if !a.dirty {
		return
	}
	b.queue.WriteBuffer(a.buf, 0, a.shadow)
	a.dirty = false
}

// findLocked returns the index of the allocation containing addr, or -1.
// The caller must hold b.mu.
func (b *Backend) findLocked(addr uint64) int {
	i := sort.Search(len(b.allocs), func(i int) bool {
		return b.allocs[i].base > addr
	}) - 1
	if i < 0 {
		return -1
	}
	a := b.allocs[i]
	if addr >= a.base+uint64(len(a.shadow)) {
		return -1
	}
	return i
}

// usable returns the error state blocking operations, if any. The caller
// must hold b.mu.
func (b *Backend) usable() error {
	if b.removed {
		return backend.ErrDeviceRemoved
	}
	if !b.initialized {
		return backend.ErrNotInitialized
	}
	return nil
}

// op is one recorded command.
type op struct {
	name string
	run  func(mem backend.Memory) error
}

// commandBuffer records ops for in-order execution at Submit.
type commandBuffer struct {
	backend *Backend
	ops     []op
}

// NewCommandBuffer creates an empty command buffer.
func (b *Backend) NewCommandBuffer() backend.CommandBuffer {
	return &commandBuffer{backend: b}
}

// RecordDispatch records a compute dispatch. KernelFunc kernels execute on
// the host against the shadow memory; device-side execution of the WGSL
// traversal pipeline additionally needs HAL bind-group plumbing for
// caller-owned buffers, so the host path is authoritative for now.
func (c *commandBuffer) RecordDispatch(k backend.Kernel, groups [3]uint32, constants []uint32) error {
	fn, ok := k.(backend.KernelFunc)
	if !ok {
		return fmt.Errorf("%w: %T", backend.ErrUnsupportedKernel, k)
	}
	consts := append([]uint32(nil), constants...)
	c.ops = append(c.ops, op{
		name: fn.Name,
		run: func(mem backend.Memory) error {
			for z := uint32(0); z < groups[2]; z++ {
				for y := uint32(0); y < groups[1]; y++ {
					for x := uint32(0); x < groups[0]; x++ {
						if err := fn.Fn([3]uint32{x, y, z}, consts, mem); err != nil {
							return fmt.Errorf("kernel %q group (%d,%d,%d): %w", fn.Name, x, y, z, err)
						}
					}
				}
			}
			return nil
		},
	})
	return nil
}

// RecordBarrier records a UAV barrier. Host execution is sequential; the
// barrier validates liveness and forces a device flush of the buffer.
func (c *commandBuffer) RecordBarrier(addr uint64) error {
	c.ops = append(c.ops, op{
		name: "barrier",
		run: func(mem backend.Memory) error {
			return c.backend.Unmap(addr)
		},
	})
	return nil
}

// RecordHostWork records host-side work executed in submission order.
func (c *commandBuffer) RecordHostWork(name string, fn func(mem backend.Memory) error) {
	c.ops = append(c.ops, op{name: name, run: fn})
}

// Submit executes the recorded ops, flushes dirty shadows to the device,
// and signals the fence. A device fence round-trip orders the submission
// against prior queue work; a wait failure is treated as device loss.
func (b *Backend) Submit(cb backend.CommandBuffer, signal uint64) error {
	c, ok := cb.(*commandBuffer)
	if !ok || c.backend != b {
		return fmt.Errorf("%w: foreign command buffer %T", backend.ErrUnsupportedKernel, cb)
	}
	b.mu.Lock()
	err := b.usable()
	b.mu.Unlock()
	if err != nil {
		return err
	}

	var execErr error
	for _, o := range c.ops {
		if execErr = o.run(b); execErr != nil {
			execErr = fmt.Errorf("submit %q: %w", o.name, execErr)
			break
		}
	}
	c.ops = nil

	if execErr == nil {
		execErr = b.syncDevice()
	}
	if signal != 0 {
		_ = b.SignalFence(signal)
	}
	return execErr
}

// syncDevice flushes dirty shadows and round-trips a device fence.
func (b *Backend) syncDevice() error {
	b.mu.Lock()
	for i := range b.allocs {
		b.flushLocked(&b.allocs[i])
	}
	device, queue := b.device, b.queue
	b.mu.Unlock()

	fence, err := device.CreateFence()
	if err != nil {
		return fmt.Errorf("wgpu: create fence: %w", err)
	}
	defer device.DestroyFence(fence)
	if err := queue.Submit(nil, fence, 1); err != nil {
		return fmt.Errorf("wgpu: submit: %w", err)
	}
	if _, err := device.Wait(fence, 1, fenceTimeoutNanos); err != nil {
		b.forceRemoved()
		return fmt.Errorf("%w: fence wait: %v", backend.ErrDeviceRemoved, err)
	}
	return nil
}

// SignalFence sets the host fence to value and wakes waiters. The fence is
// monotonic: signaling a lower value is ignored.
func (b *Backend) SignalFence(value uint64) error {
	b.fenceMu.Lock()
	if value > b.fenceValue {
		b.fenceValue = value
		b.fenceCond.Broadcast()
	}
	b.fenceMu.Unlock()
	return nil
}

// WaitFence blocks until the host fence reaches value.
func (b *Backend) WaitFence(value uint64) error {
	b.fenceMu.Lock()
	for b.fenceValue < value {
		b.fenceCond.Wait()
	}
	b.fenceMu.Unlock()
	return nil
}

// NotifyRelease registers a callback fired whenever a buffer is freed.
func (b *Backend) NotifyRelease(fn backend.ReleaseFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releaseFns = append(b.releaseFns, fn)
}

// NotifyDeviceRemoved registers a callback fired when the device is lost.
func (b *Backend) NotifyDeviceRemoved(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removedFns = append(b.removedFns, fn)
}

// forceRemoved transitions into the removed state and fires callbacks.
func (b *Backend) forceRemoved() {
	b.mu.Lock()
	if b.removed {
		b.mu.Unlock()
		return
	}
	b.removed = true
	for i := range b.allocs {
		b.device.DestroyBuffer(b.allocs[i].buf)
	}
	b.allocs = nil
	fns := append([]func(){}, b.removedFns...)
	b.mu.Unlock()

	rtfallback.Logger().Warn("device removed", "backend", backend.BackendWGPU)
	for _, fn := range fns {
		fn()
	}
	_ = b.SignalFence(^uint64(0))
}

// alignUp rounds v up to the next multiple of align (a power of two).
func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
