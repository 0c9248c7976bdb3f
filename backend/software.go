package backend

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gogpu/rtfallback"
)

func init() {
	Register(BackendSoftware, func() Backend { return NewSoftware() })
}

// arenaBase is the first virtual address handed out by the software arena.
// Address zero stays unmapped so it can keep its conventional null meaning.
const arenaBase = 0x1000_0000

// allocation is one live buffer in the arena.
type allocation struct {
	base uint64
	buf  []byte
}

// Software is the host-emulation backend: buffers live in process memory,
// dispatches execute Go kernels, and fences complete at submit.
//
// Thread safety: Software is safe for concurrent use. Allocation state is
// protected by a mutex; the fence uses a condition variable so WaitFence
// blocks without spinning.
type Software struct {
	mu sync.Mutex

	// allocs is kept sorted by base address for binary-search resolution
	// of interior addresses.
	allocs []allocation

	// nextVA is the bump pointer for new allocations.
	nextVA uint64

	// releaseFns and removedFns are the registered lifecycle callbacks.
	releaseFns []ReleaseFunc
	removedFns []func()

	// fence state.
	fenceMu    sync.Mutex
	fenceCond  *sync.Cond
	fenceValue uint64

	initialized bool
	removed     bool
}

// NewSoftware creates a software backend. The backend must be initialized
// with Init() before use.
func NewSoftware() *Software {
	s := &Software{nextVA: arenaBase}
	s.fenceCond = sync.NewCond(&s.fenceMu)
	return s
}

// Name returns the backend identifier.
func (s *Software) Name() string { return BackendSoftware }

// Init initializes the backend. It is idempotent.
func (s *Software) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return ErrDeviceRemoved
	}
	if !s.initialized {
		s.initialized = true
		rtfallback.Logger().Info("backend initialized", "backend", BackendSoftware)
	}
	return nil
}

// Close releases all backend resources.
func (s *Software) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allocs = nil
	s.initialized = false
}

// Allocate creates a buffer and returns its virtual address.
func (s *Software) Allocate(size uint64) (uint64, error) {
	if size == 0 {
		return 0, ErrInvalidSize
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return 0, err
	}

	base := alignUp(s.nextVA, BlobAlignment)
	s.nextVA = base + size
	s.allocs = append(s.allocs, allocation{base: base, buf: make([]byte, size)})
	rtfallback.Logger().Debug("buffer allocated", "backend", BackendSoftware, "addr", base, "size", size)
	return base, nil
}

// Free releases the buffer at the given base address and fires release
// callbacks.
func (s *Software) Free(addr uint64) error {
	s.mu.Lock()
	if err := s.usable(); err != nil {
		s.mu.Unlock()
		return err
	}
	i := s.findLocked(addr)
	if i < 0 || s.allocs[i].base != addr {
		s.mu.Unlock()
		return fmt.Errorf("%w: %#x", ErrInvalidAddress, addr)
	}
	s.allocs = append(s.allocs[:i], s.allocs[i+1:]...)
	fns := append([]ReleaseFunc(nil), s.releaseFns...)
	s.mu.Unlock()

	// Callbacks run outside the lock: the store's handler takes its own
	// lock and may call back into the backend.
	for _, fn := range fns {
		fn(addr)
	}
	return nil
}

// Map returns the bytes backing [addr, addr+size). The slice aliases arena
// storage, so writes are visible immediately; Unmap is a no-op.
func (s *Software) Map(addr uint64, size uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}
	i := s.findLocked(addr)
	if i < 0 {
		return nil, fmt.Errorf("%w: %#x", ErrInvalidAddress, addr)
	}
	a := s.allocs[i]
	off := addr - a.base
	if off+size > uint64(len(a.buf)) {
		return nil, fmt.Errorf("%w: [%#x,+%d) in allocation of %d bytes",
			ErrOutOfBounds, addr, size, len(a.buf))
	}
	return a.buf[off : off+size], nil
}

// Unmap releases a mapping. Arena mappings alias storage directly, so there
// is nothing to flush.
func (s *Software) Unmap(addr uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return err
	}
	if i := s.findLocked(addr); i < 0 {
		return fmt.Errorf("%w: %#x", ErrInvalidAddress, addr)
	}
	return nil
}

// findLocked returns the index of the allocation containing addr, or -1.
// The caller must hold s.mu.
func (s *Software) findLocked(addr uint64) int {
	i := sort.Search(len(s.allocs), func(i int) bool {
		return s.allocs[i].base > addr
	}) - 1
	if i < 0 {
		return -1
	}
	a := s.allocs[i]
	if addr >= a.base+uint64(len(a.buf)) {
		return -1
	}
	return i
}

// usable returns the error state blocking operations, if any. The caller
// must hold s.mu.
func (s *Software) usable() error {
	if s.removed {
		return ErrDeviceRemoved
	}
	if !s.initialized {
		return ErrNotInitialized
	}
	return nil
}

// softwareOp is one recorded command.
type softwareOp struct {
	name string
	run  func(mem Memory) error
}

// softwareCommandBuffer records ops for in-order execution at Submit.
type softwareCommandBuffer struct {
	backend *Software
	ops     []softwareOp
}

// NewCommandBuffer creates an empty command buffer.
func (s *Software) NewCommandBuffer() CommandBuffer {
	return &softwareCommandBuffer{backend: s}
}

// RecordDispatch records a compute dispatch. The kernel must be a
// KernelFunc; anything else cannot execute on the host.
func (c *softwareCommandBuffer) RecordDispatch(k Kernel, groups [3]uint32, constants []uint32) error {
	fn, ok := k.(KernelFunc)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnsupportedKernel, k)
	}
	consts := append([]uint32(nil), constants...)
	c.ops = append(c.ops, softwareOp{
		name: fn.Name,
		run: func(mem Memory) error {
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

// RecordBarrier records a UAV barrier. Host execution is already sequential,
// so the barrier only validates that addr is live at submit time.
func (c *softwareCommandBuffer) RecordBarrier(addr uint64) error {
	c.ops = append(c.ops, softwareOp{
		name: "barrier",
		run: func(mem Memory) error {
			_, err := mem.Map(addr, 0)
			return err
		},
	})
	return nil
}

// RecordHostWork records host-side work executed in submission order.
func (c *softwareCommandBuffer) RecordHostWork(name string, fn func(mem Memory) error) {
	c.ops = append(c.ops, softwareOp{name: name, run: fn})
}

// Submit executes the recorded command buffer in order and signals the fence
// with signal when done. Execution errors abort the remaining ops; the fence
// still signals so waiters do not deadlock.
func (s *Software) Submit(cb CommandBuffer, signal uint64) error {
	c, ok := cb.(*softwareCommandBuffer)
	if !ok || c.backend != s {
		return fmt.Errorf("%w: foreign command buffer %T", ErrUnsupportedKernel, cb)
	}
	s.mu.Lock()
	err := s.usable()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	var execErr error
	for _, op := range c.ops {
		if execErr = op.run(s); execErr != nil {
			execErr = fmt.Errorf("submit %q: %w", op.name, execErr)
			break
		}
	}
	c.ops = nil

	if signal != 0 {
		_ = s.SignalFence(signal)
	}
	return execErr
}

// SignalFence sets the fence to value and wakes waiters. The fence is
// monotonic: signaling a lower value is ignored.
func (s *Software) SignalFence(value uint64) error {
	s.fenceMu.Lock()
	if value > s.fenceValue {
		s.fenceValue = value
		s.fenceCond.Broadcast()
	}
	s.fenceMu.Unlock()
	return nil
}

// WaitFence blocks until the fence reaches value.
func (s *Software) WaitFence(value uint64) error {
	s.fenceMu.Lock()
	for s.fenceValue < value {
		s.fenceCond.Wait()
	}
	s.fenceMu.Unlock()
	return nil
}

// NotifyRelease registers a callback fired whenever a buffer is freed.
func (s *Software) NotifyRelease(fn ReleaseFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseFns = append(s.releaseFns, fn)
}

// NotifyDeviceRemoved registers a callback fired when the device is lost.
func (s *Software) NotifyDeviceRemoved(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removedFns = append(s.removedFns, fn)
}

// ForceDeviceRemoved transitions the backend into the removed state and
// fires the registered callbacks. Real device backends enter this state on
// driver timeout; the software backend exposes it so hosts can exercise
// their recovery path.
func (s *Software) ForceDeviceRemoved() {
	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return
	}
	s.removed = true
	s.allocs = nil
	fns := append([]func(){}, s.removedFns...)
	s.mu.Unlock()

	rtfallback.Logger().Warn("device removed", "backend", BackendSoftware)
	for _, fn := range fns {
		fn()
	}
	// Unblock any fence waiters; every outstanding handle is invalid now.
	_ = s.SignalFence(^uint64(0))
}

// alignUp rounds v up to the next multiple of align (a power of two).
func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
