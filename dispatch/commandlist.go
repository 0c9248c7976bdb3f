package dispatch

import (
	"errors"
	"fmt"

	"github.com/gogpu/rtfallback"
	"github.com/gogpu/rtfallback/backend"
	"github.com/gogpu/rtfallback/builder"
	"github.com/gogpu/rtfallback/shadertable"
)

// ErrCommandListClosed is returned when recording into a closed list.
var ErrCommandListClosed = errors.New("dispatch: command list closed")

// workgroupSize is the thread-group edge used to decompose a dispatch.
const workgroupSize = 8

// maxTotalRays bounds width x height x depth of one dispatch.
const maxTotalRays = uint64(1) << 32

// DispatchDesc is one ray dispatch: the shader-record tables and the
// launch grid.
type DispatchDesc struct {
	Tables shadertable.Tables

	Width  uint32
	Height uint32
	Depth  uint32
}

// CommandList records acceleration-structure and dispatch work for a
// single submission.
//
// Validation failures at record latch onto the list: the failing call
// returns the error, every later recording call fails fast, and Close and
// Submit surface it again, so a poisoned list can never execute partially
// recorded work.
type CommandList struct {
	dev      *Device
	cb       backend.CommandBuffer
	closed   bool
	poisoned error

	prog *Program
	tlas uint64
}

// guard rejects recording on closed or poisoned lists.
func (c *CommandList) guard() error {
	if c.closed {
		return ErrCommandListClosed
	}
	return c.poisoned
}

// fail latches err as the list's poison state.
func (c *CommandList) fail(err error) error {
	if c.poisoned == nil {
		c.poisoned = err
	}
	return err
}

// BuildAccelerationStructure records a build or refit.
func (c *CommandList) BuildAccelerationStructure(desc builder.BuildDesc) error {
	if err := c.guard(); err != nil {
		return err
	}
	if err := c.dev.builder.Build(c.cb, c.dev.backend, desc); err != nil {
		return c.fail(err)
	}
	return nil
}

// CopyAccelerationStructure records a clone, compaction, serialization,
// deserialization, or visualization copy.
func (c *CommandList) CopyAccelerationStructure(desc builder.CopyDesc) error {
	if err := c.guard(); err != nil {
		return err
	}
	if err := c.dev.builder.Copy(c.cb, c.dev.backend, desc); err != nil {
		return c.fail(err)
	}
	return nil
}

// EmitPostbuildInfo records emission of one postbuild record per source
// into dest.
func (c *CommandList) EmitPostbuildInfo(infoType builder.InfoType, sources []uint64, dest uint64) error {
	if err := c.guard(); err != nil {
		return err
	}
	if err := c.dev.builder.EmitPostbuildInfo(c.cb, c.dev.backend, infoType, sources, dest); err != nil {
		return c.fail(err)
	}
	return nil
}

// Barrier records a UAV barrier on the buffer containing addr. Required
// between a bottom-level build and a top-level build that consumes it in
// the same list; without it the top-level build may observe stale bounds.
func (c *CommandList) Barrier(addr uint64) error {
	if err := c.guard(); err != nil {
		return err
	}
	if err := c.cb.RecordBarrier(addr); err != nil {
		return c.fail(err)
	}
	return nil
}

// SetPipeline binds the ray-tracing program for subsequent dispatches.
func (c *CommandList) SetPipeline(p *Program) error {
	if err := c.guard(); err != nil {
		return err
	}
	c.prog = p
	return nil
}

// SetTopLevelStructure binds the top-level acceleration structure for
// subsequent dispatches. The structure may be built earlier in this list;
// its contents are read at execution.
func (c *CommandList) SetTopLevelStructure(addr uint64) error {
	if err := c.guard(); err != nil {
		return err
	}
	c.tlas = addr
	return nil
}

// DispatchRays records a ray dispatch over the bound pipeline and
// top-level structure. A dispatch with any zero dimension records nothing
// and succeeds.
func (c *CommandList) DispatchRays(desc DispatchDesc) error {
	if err := c.guard(); err != nil {
		return err
	}
	if desc.Width == 0 || desc.Height == 0 || desc.Depth == 0 {
		return nil
	}
	total := uint64(desc.Width) * uint64(desc.Height) * uint64(desc.Depth)
	if total > maxTotalRays {
		return c.fail(fmt.Errorf("dispatch: %d rays exceed the dispatch limit", total))
	}
	if c.prog == nil {
		return c.fail(fmt.Errorf("%w: no pipeline bound", rtfallback.ErrIncompleteBinding))
	}
	if c.tlas == 0 {
		return c.fail(fmt.Errorf("%w: no top-level structure bound", rtfallback.ErrIncompleteBinding))
	}
	if err := desc.Tables.Validate(); err != nil {
		return c.fail(err)
	}

	groups := [3]uint32{
		(desc.Width + workgroupSize - 1) / workgroupSize,
		(desc.Height + workgroupSize - 1) / workgroupSize,
		desc.Depth,
	}
	kernel, constants := c.prog.kernel(desc, c.tlas)
	if err := c.cb.RecordDispatch(kernel, groups, constants); err != nil {
		return c.fail(err)
	}
	return nil
}

// Close finishes recording. A poisoned list returns its latched error and
// stays unsubmittable.
func (c *CommandList) Close() error {
	if c.closed {
		return ErrCommandListClosed
	}
	c.closed = true
	return c.poisoned
}

// submittable reports whether the list may be handed to Device.Submit.
func (c *CommandList) submittable() error {
	if c.poisoned != nil {
		return c.poisoned
	}
	if !c.closed {
		return errors.New("dispatch: command list not closed")
	}
	return nil
}
