// Package shadertable defines ray-tracing pipelines and the shader-record
// table layout the dispatcher consumes.
//
// A shader record is an opaque 32-byte shader identifier followed by the
// shader's local root arguments. Records live in caller-owned GPU memory;
// the pipeline only mints identifiers and validates table geometry. An
// identifier is a pure function of the pipeline contents and the export
// name, so identical pipelines mint identical identifiers and records
// survive serialization of the application's table buffers.
package shadertable

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/gogpu/rtfallback"
)

// Table layout constants.
const (
	// IdentifierSize is the size of a shader identifier.
	IdentifierSize = 32

	// RecordAlignment is the required alignment of record strides and
	// the ray-generation record.
	RecordAlignment = 32

	// TableAlignment is the required alignment of a table base address.
	TableAlignment = 64

	// MaxRecursionDepth is the largest permitted trace recursion depth.
	MaxRecursionDepth = 31
)

// Validation errors.
var (
	// ErrUnknownExport is returned when a name does not match a pipeline
	// export.
	ErrUnknownExport = errors.New("shadertable: unknown export")

	// ErrBadTable is returned when a table region violates the layout
	// rules.
	ErrBadTable = errors.New("shadertable: bad table region")
)

// ShaderKind classifies a pipeline export.
type ShaderKind uint32

const (
	// KindRayGeneration starts a dispatch.
	KindRayGeneration ShaderKind = iota

	// KindMiss runs when a ray finds no accepted hit.
	KindMiss

	// KindClosestHit runs on the accepted closest hit.
	KindClosestHit

	// KindAnyHit runs on candidate hits of non-opaque geometry.
	KindAnyHit

	// KindIntersection computes hits for procedural (AABB) geometry.
	KindIntersection

	// KindCallable is invoked explicitly from other shaders.
	KindCallable
)

// String returns the string representation of ShaderKind.
func (k ShaderKind) String() string {
	switch k {
	case KindRayGeneration:
		return "RayGeneration"
	case KindMiss:
		return "Miss"
	case KindClosestHit:
		return "ClosestHit"
	case KindAnyHit:
		return "AnyHit"
	case KindIntersection:
		return "Intersection"
	case KindCallable:
		return "Callable"
	default:
		return "Unknown"
	}
}

// Identifier is an opaque shader identifier. Applications copy it into the
// first IdentifierSize bytes of a shader record.
type Identifier [IdentifierSize]byte

// Export declares one shader entry point.
type Export struct {
	// Name is the unique export name.
	Name string

	// Kind classifies the shader.
	Kind ShaderKind
}

// HitGroupDesc groups the shaders that run for one geometry contribution.
// ClosestHit is required; AnyHit and Intersection are optional export
// names (empty means absent).
type HitGroupDesc struct {
	Name         string
	ClosestHit   string
	AnyHit       string
	Intersection string
}

// PipelineDesc describes a ray-tracing pipeline.
type PipelineDesc struct {
	// Exports are the shader entry points.
	Exports []Export

	// HitGroups are the named hit groups. Hit-group names share the
	// export namespace and also mint identifiers.
	HitGroups []HitGroupDesc

	// MaxRecursionDepth bounds nested trace calls, at most
	// MaxRecursionDepth.
	MaxRecursionDepth uint32

	// MaxPayloadSize and MaxAttributeSize bound the per-ray payload and
	// hit attributes in bytes.
	MaxPayloadSize   uint32
	MaxAttributeSize uint32
}

// Pipeline is an immutable compiled pipeline. It mints shader identifiers
// and resolves them back to exports at dispatch.
type Pipeline struct {
	desc  PipelineDesc
	salt  [IdentifierSize]byte
	byID  map[Identifier]string
	kinds map[string]ShaderKind
	hits  map[string]HitGroupDesc
}

// NewPipeline validates desc and compiles it.
func NewPipeline(desc PipelineDesc) (*Pipeline, error) {
	if desc.MaxRecursionDepth > MaxRecursionDepth {
		return nil, fmt.Errorf("shadertable: recursion depth %d exceeds %d",
			desc.MaxRecursionDepth, MaxRecursionDepth)
	}
	p := &Pipeline{
		desc:  desc,
		byID:  make(map[Identifier]string),
		kinds: make(map[string]ShaderKind),
		hits:  make(map[string]HitGroupDesc),
	}
	for _, e := range desc.Exports {
		if e.Name == "" {
			return nil, errors.New("shadertable: empty export name")
		}
		if _, dup := p.kinds[e.Name]; dup {
			return nil, fmt.Errorf("shadertable: duplicate export %q", e.Name)
		}
		p.kinds[e.Name] = e.Kind
	}
	for _, hg := range desc.HitGroups {
		if hg.Name == "" {
			return nil, errors.New("shadertable: empty hit group name")
		}
		if _, dup := p.kinds[hg.Name]; dup {
			return nil, fmt.Errorf("shadertable: duplicate export %q", hg.Name)
		}
		if err := p.checkHitShader(hg.ClosestHit, KindClosestHit, true); err != nil {
			return nil, fmt.Errorf("hit group %q: %w", hg.Name, err)
		}
		if err := p.checkHitShader(hg.AnyHit, KindAnyHit, false); err != nil {
			return nil, fmt.Errorf("hit group %q: %w", hg.Name, err)
		}
		if err := p.checkHitShader(hg.Intersection, KindIntersection, false); err != nil {
			return nil, fmt.Errorf("hit group %q: %w", hg.Name, err)
		}
		p.hits[hg.Name] = hg
	}

	// The salt folds every export into every identifier, so renaming or
	// adding a shader invalidates all records minted from the old
	// pipeline, as identifier reuse across incompatible pipelines would
	// otherwise dispatch the wrong shader.
	h := sha256.New()
	for _, e := range desc.Exports {
		fmt.Fprintf(h, "export %s %d\n", e.Name, e.Kind)
	}
	for _, hg := range desc.HitGroups {
		fmt.Fprintf(h, "hitgroup %s %s %s %s\n", hg.Name, hg.ClosestHit, hg.AnyHit, hg.Intersection)
	}
	copy(p.salt[:], h.Sum(nil))

	for name := range p.kinds {
		p.byID[p.mint(name)] = name
	}
	for name := range p.hits {
		p.byID[p.mint(name)] = name
	}
	return p, nil
}

func (p *Pipeline) checkHitShader(name string, want ShaderKind, required bool) error {
	if name == "" {
		if required {
			return errors.New("shadertable: missing closest-hit shader")
		}
		return nil
	}
	kind, ok := p.kinds[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownExport, name)
	}
	if kind != want {
		return fmt.Errorf("shadertable: export %q is %s, want %s", name, kind, want)
	}
	return nil
}

func (p *Pipeline) mint(name string) Identifier {
	h := sha256.New()
	h.Write(p.salt[:])
	h.Write([]byte(name))
	var id Identifier
	copy(id[:], h.Sum(nil))
	return id
}

// ShaderIdentifier returns the identifier of the named export or hit
// group.
func (p *Pipeline) ShaderIdentifier(name string) (Identifier, error) {
	_, isShader := p.kinds[name]
	_, isHitGroup := p.hits[name]
	if !isShader && !isHitGroup {
		return Identifier{}, fmt.Errorf("%w: %q", ErrUnknownExport, name)
	}
	return p.mint(name), nil
}

// Resolve maps an identifier read from a shader record back to its export
// name.
func (p *Pipeline) Resolve(id Identifier) (string, bool) {
	name, ok := p.byID[id]
	return name, ok
}

// ExportKind returns the kind of the named shader export. Hit-group names
// are not shader exports and report false.
func (p *Pipeline) ExportKind(name string) (ShaderKind, bool) {
	k, ok := p.kinds[name]
	return k, ok
}

// HitGroup returns the hit group definition for a resolved name.
func (p *Pipeline) HitGroup(name string) (HitGroupDesc, bool) {
	hg, ok := p.hits[name]
	return hg, ok
}

// MaxDepth returns the pipeline's recursion bound.
func (p *Pipeline) MaxDepth() uint32 { return p.desc.MaxRecursionDepth }

// RecordStride returns the smallest valid record stride for records whose
// local root arguments occupy localRootSize bytes.
func RecordStride(localRootSize uint32) uint32 {
	return (IdentifierSize + localRootSize + RecordAlignment - 1) &^ (RecordAlignment - 1)
}

// Region is one shader-record table in caller-owned memory.
type Region struct {
	// Address is the table base (TableAlignment-aligned).
	Address uint64

	// Size is the table byte size.
	Size uint64

	// Stride is the distance between records (RecordAlignment-aligned,
	// at least IdentifierSize). Zero is permitted only with zero Size.
	Stride uint64
}

// IsZero reports whether the region is absent.
func (r Region) IsZero() bool { return r.Address == 0 && r.Size == 0 }

// RecordCount returns the number of records the region holds.
func (r Region) RecordCount() uint64 {
	if r.Stride == 0 {
		return 0
	}
	return r.Size / r.Stride
}

// RecordAddress returns the address of record i. The caller is responsible
// for bounds-checking i against RecordCount.
func (r Region) RecordAddress(i uint64) uint64 {
	return r.Address + i*r.Stride
}

// Validate checks a region against the table layout rules. required marks
// regions that must be present.
func (r Region) Validate(name string, required bool) error {
	if r.IsZero() {
		if required {
			return fmt.Errorf("%w: %s table not bound", rtfallback.ErrIncompleteBinding, name)
		}
		return nil
	}
	if r.Address%TableAlignment != 0 {
		return fmt.Errorf("%w: %s base %#x not %d-byte aligned", ErrBadTable, name, r.Address, TableAlignment)
	}
	if r.Stride%RecordAlignment != 0 || r.Stride < IdentifierSize {
		return fmt.Errorf("%w: %s stride %d", ErrBadTable, name, r.Stride)
	}
	if r.Size%r.Stride != 0 {
		return fmt.Errorf("%w: %s size %d not a multiple of stride %d", ErrBadTable, name, r.Size, r.Stride)
	}
	return nil
}

// Tables is the full table binding of one dispatch.
type Tables struct {
	// RayGeneration holds exactly one record; its Stride must equal its
	// Size.
	RayGeneration Region

	// Miss, HitGroups, and Callable are indexed record arrays. Miss and
	// HitGroups are required when any geometry can miss or be hit;
	// Callable may be absent.
	Miss      Region
	HitGroups Region
	Callable  Region
}

// Validate checks every region of the binding.
func (t Tables) Validate() error {
	if t.RayGeneration.IsZero() {
		return fmt.Errorf("%w: ray generation record not bound", rtfallback.ErrIncompleteBinding)
	}
	if err := t.RayGeneration.Validate("ray generation", true); err != nil {
		return err
	}
	if t.RayGeneration.Stride != t.RayGeneration.Size {
		return fmt.Errorf("%w: ray generation stride %d must equal size %d",
			ErrBadTable, t.RayGeneration.Stride, t.RayGeneration.Size)
	}
	if err := t.Miss.Validate("miss", false); err != nil {
		return err
	}
	if err := t.HitGroups.Validate("hit group", false); err != nil {
		return err
	}
	return t.Callable.Validate("callable", false)
}
