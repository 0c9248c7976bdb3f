// Package builder constructs acceleration-structure blobs.
//
// Builds follow the linear-BVH recipe: primitive bounds and centroids,
// 32-bit Morton codes quantized against the global centroid bounds, a
// stable radix sort, and a common-prefix hierarchy that yields exactly N-1
// internal nodes for N primitives with deterministic topology. Refits reuse
// the frozen topology and only rewrite bounding volumes (and, for top-level
// structures, instance records).
//
// All builder errors are synchronous: validation happens before anything is
// recorded onto the command buffer, and no state mutation occurs on
// failure. Once recorded, the work is infallible from the host's
// perspective; execution faults surface through the backend's
// device-removed path.
package builder

import (
	"fmt"
	"math"

	"github.com/gogpu/rtfallback"
	"github.com/gogpu/rtfallback/backend"
	"github.com/gogpu/rtfallback/bvh"
	"github.com/gogpu/rtfallback/geometry"
	"github.com/gogpu/rtfallback/internal/parallel"
	"github.com/gogpu/rtfallback/store"
)

// Mode selects between a full build and a refit.
type Mode uint32

const (
	// ModeBuild constructs the structure from scratch.
	ModeBuild Mode = iota

	// ModeRefit recomputes bounding volumes over the topology of a prior
	// build at the same destination. Requires the prior build to carry
	// bvh.FlagAllowUpdate.
	ModeRefit
)

// String returns the string representation of Mode.
func (m Mode) String() string {
	switch m {
	case ModeBuild:
		return "Build"
	case ModeRefit:
		return "Refit"
	default:
		return "Unknown"
	}
}

// Inputs describes what to build.
type Inputs struct {
	// Kind selects bottom-level (geometry) or top-level (instances).
	Kind bvh.Kind

	// Flags records build options into the result header.
	Flags bvh.BuildFlags

	// Geometries is the geometry list for a bottom-level build. All
	// entries must share one geometry kind; triangle and AABB geometry
	// cannot mix within a structure.
	Geometries []geometry.Desc

	// InstanceAddr is the GPU address of the instance-record array for a
	// top-level build (bvh.InstanceSize bytes per record).
	InstanceAddr uint64

	// InstanceCount is the number of instance records.
	InstanceCount uint32
}

// Info is the conservative size contract returned by PrebuildInfo.
type Info struct {
	// ResultSize is an upper bound on the destination blob size.
	ResultSize uint64

	// ScratchSize is the scratch requirement of a full build.
	ScratchSize uint64

	// UpdateScratchSize is the scratch requirement of a refit.
	UpdateScratchSize uint64
}

// BuildDesc is one build request.
type BuildDesc struct {
	// Dest is the destination blob address (256-byte aligned).
	Dest uint64

	// Scratch is the caller-owned scratch address. Must hold at least
	// the PrebuildInfo scratch size for the selected mode, and must not
	// alias Dest.
	Scratch uint64

	// Inputs describes the geometry or instances.
	Inputs Inputs

	// Mode selects build or refit.
	Mode Mode
}

// scratchSlack is the fixed overhead added to scratch estimates so that
// counters and alignment never push actual consumption past the contract.
const scratchSlack = 256

// Builder records acceleration-structure work onto backend command
// buffers and registers results with the store.
//
// A Builder is safe for concurrent use by distinct command-list recordings;
// the store provides the necessary synchronization.
type Builder struct {
	store *store.Store
	pool  *parallel.WorkerPool
}

// New creates a builder that registers results with st.
func New(st *store.Store) *Builder {
	return &Builder{
		store: st,
		pool:  parallel.NewWorkerPool(0),
	}
}

// Close releases the builder's worker pool.
func (b *Builder) Close() {
	b.pool.Close()
}

// PrebuildInfo returns conservative result and scratch sizes for inputs.
// It is a pure function of the input counts and flags; no buffer contents
// are read.
func (b *Builder) PrebuildInfo(inputs Inputs) (Info, error) {
	count, geomKind, err := countPrimitives(inputs)
	if err != nil {
		return Info{}, err
	}

	var nodeCount uint32
	if count > 0 {
		nodeCount = 2*count - 1
	}
	result := alignUp(bvh.Size(inputs.Kind, geomKind, nodeCount, count), bvh.BlobAlignment)

	// Full builds consume two key arrays (sort ping-pong) of 8 bytes per
	// primitive; refits only a per-node visit pass with no scratch keys.
	scratch := alignUp(16*uint64(count)+scratchSlack, bvh.BlobAlignment)
	updateScratch := alignUp(uint64(count)+scratchSlack, bvh.BlobAlignment)

	return Info{
		ResultSize:        result,
		ScratchSize:       scratch,
		UpdateScratchSize: updateScratch,
	}, nil
}

// countPrimitives sums the primitive counts of the inputs and returns the
// uniform geometry kind of a bottom-level build.
func countPrimitives(inputs Inputs) (uint32, geometry.Kind, error) {
	if inputs.Kind == bvh.KindTopLevel {
		return inputs.InstanceCount, 0, nil
	}
	if inputs.Kind != bvh.KindBottomLevel {
		return 0, 0, fmt.Errorf("%w: unknown structure kind %d", rtfallback.ErrInvalidGeometry, inputs.Kind)
	}

	var total uint64
	geomKind := geometry.KindTriangles
	for i, g := range inputs.Geometries {
		if i > 0 && g.Kind != geomKind {
			return 0, 0, fmt.Errorf("%w: geometry %d mixes %s into a %s structure",
				rtfallback.ErrInvalidGeometry, i, g.Kind, geomKind)
		}
		geomKind = g.Kind
		switch g.Kind {
		case geometry.KindTriangles:
			if g.Triangles.IndexFormat != geometry.IndexFormatNone {
				total += uint64(g.Triangles.IndexCount) / 3
			} else {
				total += uint64(g.Triangles.VertexCount) / 3
			}
		case geometry.KindAABBs:
			total += g.AABBs.Count
		default:
			return 0, 0, fmt.Errorf("%w: unknown geometry kind %d", rtfallback.ErrInvalidGeometry, g.Kind)
		}
	}
	if total > math.MaxUint32/2 {
		return 0, 0, fmt.Errorf("%w: %d primitives exceed the structure limit", rtfallback.ErrInvalidGeometry, total)
	}
	return uint32(total), geomKind, nil
}

// Build validates desc and records the build onto cb. On success the
// destination is registered with the store at a fresh version; the recorded
// work populates Dest when the command buffer is submitted.
//
// Ordering note: a top-level build reads its referenced bottom-level
// headers at execution time. If those structures are built earlier in the
// same command buffer, the caller must separate the builds with a UAV
// barrier to observe the new bounds; this mirrors the hardware contract.
func (b *Builder) Build(cb backend.CommandBuffer, mem backend.Memory, desc BuildDesc) error {
	info, err := b.PrebuildInfo(desc.Inputs)
	if err != nil {
		return err
	}
	if desc.Dest%bvh.BlobAlignment != 0 {
		return fmt.Errorf("%w: destination %#x not %d-byte aligned",
			rtfallback.ErrInvalidGeometry, desc.Dest, bvh.BlobAlignment)
	}
	if _, err := mem.Map(desc.Dest, info.ResultSize); err != nil {
		return fmt.Errorf("builder: destination: %w", err)
	}
	needScratch := info.ScratchSize
	if desc.Mode == ModeRefit {
		needScratch = info.UpdateScratchSize
	}
	if _, err := mem.Map(desc.Scratch, needScratch); err != nil {
		return fmt.Errorf("%w: need %d bytes: %v", rtfallback.ErrInsufficientScratch, needScratch, err)
	}

	// Record-time validation reads the inputs once; execution re-reads
	// them so GPU-produced data and barrier ordering behave as on
	// hardware.
	var children []uint64
	switch desc.Inputs.Kind {
	case bvh.KindBottomLevel:
		for i, g := range desc.Inputs.Geometries {
			if _, err := geometry.Normalize(g, mem); err != nil {
				return fmt.Errorf("builder: geometry %d: %w", i, err)
			}
		}
	case bvh.KindTopLevel:
		instances, err := readInstances(mem, desc.Inputs)
		if err != nil {
			return err
		}
		children = childAddresses(instances)
	}

	if desc.Mode == ModeRefit {
		if err := b.validateRefit(desc, children); err != nil {
			return err
		}
	}

	version, err := b.store.Register(desc.Dest, desc.Inputs.Kind, desc.Inputs.Flags, children)
	if err != nil {
		return err
	}

	inputs := desc.Inputs
	dest, scratch := desc.Dest, desc.Scratch
	mode := desc.Mode
	cb.RecordHostWork(fmt.Sprintf("%s %s", mode, inputs.Kind), func(m backend.Memory) error {
		if mode == ModeRefit {
			return b.runRefit(m, dest, inputs, version)
		}
		return b.runBuild(m, dest, scratch, inputs, version)
	})

	rtfallback.Logger().Debug("build recorded",
		"kind", inputs.Kind.String(), "mode", mode.String(),
		"dest", dest, "result_size", info.ResultSize, "version", version)
	return nil
}

// validateRefit checks the refit preconditions against the store record of
// the destination.
func (b *Builder) validateRefit(desc BuildDesc, children []uint64) error {
	rec, ok := b.store.Lookup(desc.Dest)
	if !ok {
		return fmt.Errorf("%w: no prior build at %#x", rtfallback.ErrUpdateNotPermitted, desc.Dest)
	}
	if rec.Flags&bvh.FlagCompacted != 0 {
		return fmt.Errorf("%w: %#x is compacted", rtfallback.ErrUpdateNotPermitted, desc.Dest)
	}
	if rec.Flags&bvh.FlagAllowUpdate == 0 {
		return fmt.Errorf("%w: %#x built without the allow-update flag",
			rtfallback.ErrUpdateNotPermitted, desc.Dest)
	}
	if desc.Inputs.Kind != rec.Kind {
		return fmt.Errorf("%w: refit kind %s does not match prior build %s",
			rtfallback.ErrUpdateNotPermitted, desc.Inputs.Kind, rec.Kind)
	}
	if desc.Inputs.Kind == bvh.KindTopLevel {
		return b.store.ValidateRefitChildren(desc.Dest, children)
	}
	return nil
}

// readInstances maps and decodes the instance array of a top-level build.
func readInstances(mem backend.Memory, inputs Inputs) ([]bvh.Instance, error) {
	if inputs.InstanceCount == 0 {
		return nil, nil
	}
	raw, err := mem.Map(inputs.InstanceAddr, uint64(inputs.InstanceCount)*bvh.InstanceSize)
	if err != nil {
		return nil, fmt.Errorf("%w: instance buffer: %v", rtfallback.ErrInvalidGeometry, err)
	}
	return bvh.DecodeInstances(raw, inputs.InstanceCount), nil
}

// childAddresses returns the distinct bottom-level addresses referenced by
// the instances, in first-appearance order. Null instances (address zero)
// participate in the hierarchy but reference nothing.
func childAddresses(instances []bvh.Instance) []uint64 {
	seen := make(map[uint64]struct{}, len(instances))
	var out []uint64
	for _, inst := range instances {
		if inst.BLASAddress == 0 {
			continue
		}
		if _, ok := seen[inst.BLASAddress]; ok {
			continue
		}
		seen[inst.BLASAddress] = struct{}{}
		out = append(out, inst.BLASAddress)
	}
	return out
}

// alignUp rounds v up to the next multiple of align (a power of two).
func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
