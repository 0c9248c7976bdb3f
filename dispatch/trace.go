package dispatch

import (
	"fmt"

	"github.com/gogpu/rtfallback"
	"github.com/gogpu/rtfallback/backend"
	"github.com/gogpu/rtfallback/bvh"
	"github.com/gogpu/rtfallback/shadertable"
)

// RayGenFunc runs once per launch index and seeds rays via
// ShaderContext.TraceRay.
type RayGenFunc func(sc *ShaderContext) error

// MissFunc runs when a traced ray accepts no hit.
type MissFunc func(sc *ShaderContext) error

// HitFunc runs on a traced ray's accepted closest hit.
type HitFunc func(sc *ShaderContext, hit bvh.Hit) error

// Program binds host shader functions to a pipeline's exports. The
// identifier in each shader record resolves through the pipeline to an
// export name, which selects the handler here; the table walk and the
// record layout match what a device-executed pipeline would consume.
type Program struct {
	Pipeline *shadertable.Pipeline

	RayGen     map[string]RayGenFunc
	Miss       map[string]MissFunc
	ClosestHit map[string]HitFunc
}

// ShaderContext is the per-invocation state handed to shader handlers.
type ShaderContext struct {
	// LaunchIndex is this invocation's position in the dispatch grid.
	LaunchIndex [3]uint32

	// LaunchDims is the dispatch grid size.
	LaunchDims [3]uint32

	// Payload is the per-ray payload: set by the TraceRay caller,
	// mutated by hit and miss handlers.
	Payload any

	// LocalRecord is the current shader record's local root arguments
	// (the bytes after the identifier). It aliases table memory.
	LocalRecord []byte

	mem    backend.Memory
	prog   *Program
	tables shadertable.Tables
	tlas   uint64
	depth  uint32
}

// kernel builds the dispatch kernel and its root constants. The constants
// carry the launch dimensions, the top-level address, and the four table
// regions in a fixed layout, which is the ABI a device backend consumes;
// the host kernel reads the same constants and resolves handlers through
// the captured program.
func (p *Program) kernel(desc DispatchDesc, tlas uint64) (backend.Kernel, []uint32) {
	constants := packConstants(desc, tlas)
	tables := desc.Tables
	fn := func(group [3]uint32, c []uint32, mem backend.Memory) error {
		width, height := c[0], c[1]
		addr := uint64(c[3]) | uint64(c[4])<<32
		baseX := group[0] * workgroupSize
		baseY := group[1] * workgroupSize
		for ty := uint32(0); ty < workgroupSize; ty++ {
			for tx := uint32(0); tx < workgroupSize; tx++ {
				x, y := baseX+tx, baseY+ty
				if x >= width || y >= height {
					continue
				}
				sc := &ShaderContext{
					LaunchIndex: [3]uint32{x, y, group[2]},
					LaunchDims:  [3]uint32{c[0], c[1], c[2]},
					mem:         mem,
					prog:        p,
					tables:      tables,
					tlas:        addr,
				}
				if err := p.runRayGen(sc); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return backend.KernelFunc{Name: "DispatchRays", Fn: fn}, constants
}

// packConstants serializes the dispatch parameters: dims (3), top-level
// address (2), then address/size/stride pairs of the ray-generation, miss,
// hit-group, and callable regions (6 each).
func packConstants(desc DispatchDesc, tlas uint64) []uint32 {
	out := make([]uint32, 0, 29)
	out = append(out, desc.Width, desc.Height, desc.Depth)
	out = append(out, uint32(tlas), uint32(tlas>>32))
	for _, r := range []shadertable.Region{
		desc.Tables.RayGeneration, desc.Tables.Miss, desc.Tables.HitGroups, desc.Tables.Callable,
	} {
		out = append(out,
			uint32(r.Address), uint32(r.Address>>32),
			uint32(r.Size), uint32(r.Size>>32),
			uint32(r.Stride), uint32(r.Stride>>32))
	}
	return out
}

// runRayGen reads the ray-generation record and invokes its handler.
func (p *Program) runRayGen(sc *ShaderContext) error {
	id, local, err := readRecord(sc.mem, sc.tables.RayGeneration, 0)
	if err != nil {
		return fmt.Errorf("dispatch: ray generation record: %w", err)
	}
	name, ok := p.Pipeline.Resolve(id)
	if !ok {
		return fmt.Errorf("dispatch: ray generation record carries an unknown identifier")
	}
	if kind, _ := p.Pipeline.ExportKind(name); kind != shadertable.KindRayGeneration {
		return fmt.Errorf("dispatch: record %q is not a ray generation shader", name)
	}
	fn, ok := p.RayGen[name]
	if !ok {
		return fmt.Errorf("%w: no handler for %q", rtfallback.ErrIncompleteBinding, name)
	}
	sc.LocalRecord = local
	return fn(sc)
}

// readRecord maps record i of the region and splits it into identifier and
// local root arguments.
func readRecord(mem backend.Memory, r shadertable.Region, i uint64) (shadertable.Identifier, []byte, error) {
	var id shadertable.Identifier
	if r.IsZero() {
		return id, nil, fmt.Errorf("%w: table not bound", rtfallback.ErrIncompleteBinding)
	}
	if i >= r.RecordCount() {
		return id, nil, fmt.Errorf("dispatch: record %d out of range (table holds %d)", i, r.RecordCount())
	}
	raw, err := mem.Map(r.RecordAddress(i), r.Stride)
	if err != nil {
		return id, nil, err
	}
	copy(id[:], raw)
	return id, raw[shadertable.IdentifierSize:], nil
}

// TraceRay traces ray through the bound top-level structure and runs the
// matching closest-hit or miss handler. hitOffset is the ray's
// contribution to the hit-group record index and missIndex selects the
// miss record; payload becomes the handler's Payload. The accepted hit is
// returned alongside for callers that want the raw result. Tracing at the
// pipeline's maximum recursion depth returns no hit and runs no handlers.
func (sc *ShaderContext) TraceRay(ray bvh.Ray, hitOffset, missIndex uint32, payload any) (bvh.Hit, bool, error) {
	if sc.depth >= sc.prog.Pipeline.MaxDepth() {
		// A trace past the pipeline's declared recursion depth terminates
		// the ray: no traversal, no handlers, no fault.
		return bvh.Hit{}, false, nil
	}
	hit, ok := bvh.TraceTopLevel(sc.mem, sc.tlas, ray)

	child := &ShaderContext{
		LaunchIndex: sc.LaunchIndex,
		LaunchDims:  sc.LaunchDims,
		Payload:     payload,
		mem:         sc.mem,
		prog:        sc.prog,
		tables:      sc.tables,
		tlas:        sc.tlas,
		depth:       sc.depth + 1,
	}

	if !ok {
		return bvh.Hit{}, false, sc.runMiss(child, missIndex)
	}
	return hit, true, sc.runClosestHit(child, hitOffset, hit)
}

func (sc *ShaderContext) runMiss(child *ShaderContext, missIndex uint32) error {
	if sc.tables.Miss.IsZero() {
		return nil
	}
	id, local, err := readRecord(sc.mem, sc.tables.Miss, uint64(missIndex))
	if err != nil {
		return fmt.Errorf("dispatch: miss record %d: %w", missIndex, err)
	}
	name, ok := sc.prog.Pipeline.Resolve(id)
	if !ok {
		return fmt.Errorf("dispatch: miss record %d carries an unknown identifier", missIndex)
	}
	fn, ok := sc.prog.Miss[name]
	if !ok {
		return fmt.Errorf("%w: no handler for %q", rtfallback.ErrIncompleteBinding, name)
	}
	child.LocalRecord = local
	return fn(child)
}

func (sc *ShaderContext) runClosestHit(child *ShaderContext, hitOffset uint32, hit bvh.Hit) error {
	if sc.tables.HitGroups.IsZero() {
		return nil
	}
	// Record index: ray contribution + instance contribution + geometry
	// index, with a geometry multiplier of one.
	index := uint64(hitOffset) + uint64(hit.HitGroupOffset) + uint64(hit.GeometryIndex)
	id, local, err := readRecord(sc.mem, sc.tables.HitGroups, index)
	if err != nil {
		return fmt.Errorf("dispatch: hit group record %d: %w", index, err)
	}
	name, ok := sc.prog.Pipeline.Resolve(id)
	if !ok {
		return fmt.Errorf("dispatch: hit group record %d carries an unknown identifier", index)
	}
	hg, ok := sc.prog.Pipeline.HitGroup(name)
	if !ok {
		return fmt.Errorf("dispatch: record %q is not a hit group", name)
	}
	fn, ok := sc.prog.ClosestHit[hg.ClosestHit]
	if !ok {
		return fmt.Errorf("%w: no handler for %q", rtfallback.ErrIncompleteBinding, hg.ClosestHit)
	}
	child.LocalRecord = local
	return fn(child, hit)
}

// CountHits returns the number of primitives whose bounds and geometry the
// ray intersects, ignoring shader tables. Diagnostic counterpart of
// TraceRay.
func (sc *ShaderContext) CountHits(ray bvh.Ray) int {
	return bvh.CountTopLevelHits(sc.mem, sc.tlas, ray)
}
