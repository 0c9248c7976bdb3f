// Package dispatch drives ray dispatches over a GPU backend: it owns the
// device-level objects (backend, acceleration-structure store, builder),
// records build and dispatch work into command lists, and executes shader
// records through host shader handlers.
package dispatch

import (
	"fmt"
	"sync"

	"github.com/gogpu/rtfallback"
	"github.com/gogpu/rtfallback/backend"
	"github.com/gogpu/rtfallback/builder"
	"github.com/gogpu/rtfallback/store"
)

// Device ties a backend to the acceleration-structure store and builder
// and sequences command-list submission with a monotonic fence.
type Device struct {
	mu      sync.Mutex
	backend backend.Backend
	store   *store.Store
	builder *builder.Builder
	fence   uint64
	removed bool
	closed  bool
}

// Open initializes the named backend (or the default when name is empty)
// and wraps it in a device.
func Open(name string) (*Device, error) {
	var b backend.Backend
	if name == "" {
		b = backend.Default()
	} else {
		b = backend.Get(name)
	}
	if b == nil {
		return nil, fmt.Errorf("%w: %q", backend.ErrBackendNotAvailable, name)
	}
	return NewDevice(b)
}

// NewDevice wraps an already-constructed backend. The device initializes
// the backend and attaches the store to its release and device-removal
// notifications.
func NewDevice(b backend.Backend) (*Device, error) {
	if err := b.Init(); err != nil {
		return nil, err
	}
	st := store.New()
	st.Attach(b)
	d := &Device{
		backend: b,
		store:   st,
		builder: builder.New(st),
	}
	b.NotifyDeviceRemoved(func() {
		d.mu.Lock()
		d.removed = true
		d.mu.Unlock()
		rtfallback.Logger().Error("device removed", "backend", b.Name())
	})
	return d, nil
}

// Backend returns the underlying backend.
func (d *Device) Backend() backend.Backend { return d.backend }

// Store returns the acceleration-structure store.
func (d *Device) Store() *store.Store { return d.store }

// Builder returns the acceleration-structure builder.
func (d *Device) Builder() *builder.Builder { return d.builder }

// PrebuildInfo returns conservative build sizes for inputs.
func (d *Device) PrebuildInfo(inputs builder.Inputs) (builder.Info, error) {
	return d.builder.PrebuildInfo(inputs)
}

// Allocate creates a backend buffer.
func (d *Device) Allocate(size uint64) (uint64, error) {
	return d.backend.Allocate(size)
}

// Free releases a backend buffer.
func (d *Device) Free(addr uint64) error {
	return d.backend.Free(addr)
}

// NewCommandList opens a command list for recording.
func (d *Device) NewCommandList() (*CommandList, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return nil, err
	}
	return &CommandList{
		dev: d,
		cb:  d.backend.NewCommandBuffer(),
	}, nil
}

// Submit enqueues a closed command list and returns the fence value that
// signals its completion.
func (d *Device) Submit(cl *CommandList) (uint64, error) {
	if err := cl.submittable(); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return 0, err
	}
	d.fence++
	signal := d.fence
	if err := d.backend.Submit(cl.cb, signal); err != nil {
		return 0, err
	}
	return signal, nil
}

// Wait blocks until the fence reaches value.
func (d *Device) Wait(value uint64) error {
	return d.backend.WaitFence(value)
}

// SubmitAndWait submits cl and blocks until it completes.
func (d *Device) SubmitAndWait(cl *CommandList) error {
	signal, err := d.Submit(cl)
	if err != nil {
		return err
	}
	return d.Wait(signal)
}

// Close releases the builder and the backend. The store's records are
// dropped with the backend's allocations.
func (d *Device) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	d.builder.Close()
	d.backend.Close()
}

func (d *Device) usableLocked() error {
	if d.closed {
		return fmt.Errorf("dispatch: device closed")
	}
	if d.removed {
		return rtfallback.ErrDeviceRemoved
	}
	return nil
}
