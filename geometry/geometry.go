// Package geometry normalizes the geometry descriptors consumed by the
// acceleration-structure builder.
//
// Descriptors arrive in the host API's shape: GPU virtual addresses plus
// format, stride, and count information for either an (optionally indexed)
// triangle mesh or an array of axis-aligned bounding boxes. Normalize
// validates a descriptor, resolves its buffers, and produces a Canonical
// form that the builder iterates primitive-by-primitive without caring about
// the original encoding.
package geometry

import (
	"math"

	"github.com/gogpu/rtfallback/vecmath"
)

// Kind discriminates the two geometry encodings.
type Kind uint32

const (
	// KindTriangles is a triangle mesh, optionally indexed.
	KindTriangles Kind = iota

	// KindAABBs is an array of procedural-primitive bounding boxes.
	KindAABBs
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindTriangles:
		return "Triangles"
	case KindAABBs:
		return "AABBs"
	default:
		return "Unknown"
	}
}

// Flags carries per-geometry traversal hints.
type Flags uint32

const (
	// FlagOpaque marks the geometry opaque: any-hit shaders are skipped.
	FlagOpaque Flags = 1 << iota

	// FlagNoDuplicateAnyHit guarantees any-hit runs at most once per
	// primitive per ray.
	FlagNoDuplicateAnyHit
)

// VertexFormat enumerates the position formats accepted at intake.
// Compressed and packed formats are rejected here, not during build.
type VertexFormat uint32

const (
	// VertexFormatUnknown is the zero value and always rejected.
	VertexFormatUnknown VertexFormat = iota

	// VertexFormatR32G32B32Float is three float32 components.
	VertexFormatR32G32B32Float

	// VertexFormatR32G32B32A32Float is four float32 components; the w
	// component is ignored.
	VertexFormatR32G32B32A32Float

	// VertexFormatR16G16B16A16Float is half-precision positions. The
	// fallback does not decode half floats; intake rejects it.
	VertexFormatR16G16B16A16Float
)

// elementSize returns the byte size of one vertex, or 0 if unsupported.
func (f VertexFormat) elementSize() uint64 {
	switch f {
	case VertexFormatR32G32B32Float:
		return 12
	case VertexFormatR32G32B32A32Float:
		return 16
	default:
		return 0
	}
}

// IndexFormat enumerates index-buffer element widths.
type IndexFormat uint32

const (
	// IndexFormatNone marks a non-indexed mesh.
	IndexFormatNone IndexFormat = iota

	// IndexFormatUint16 is 16-bit indices.
	IndexFormatUint16

	// IndexFormatUint32 is 32-bit indices.
	IndexFormatUint32
)

// elementSize returns the byte size of one index, or 0 for IndexFormatNone.
func (f IndexFormat) elementSize() uint64 {
	switch f {
	case IndexFormatUint16:
		return 2
	case IndexFormatUint32:
		return 4
	default:
		return 0
	}
}

// aabbSize is the byte size of one min/max box (6 x float32).
const aabbSize = 24

// TrianglesDesc describes a triangle mesh by GPU address.
type TrianglesDesc struct {
	// IndexBuffer is the GPU address of the index data, or 0 when
	// IndexFormat is IndexFormatNone.
	IndexBuffer uint64

	// IndexFormat is the index element width.
	IndexFormat IndexFormat

	// IndexCount is the number of indices. Must be divisible by 3.
	IndexCount uint32

	// VertexBuffer is the GPU address of the position data.
	VertexBuffer uint64

	// VertexStride is the distance in bytes between consecutive vertices.
	VertexStride uint64

	// VertexFormat is the position format.
	VertexFormat VertexFormat

	// VertexCount is the number of vertices.
	VertexCount uint32

	// Transform is an optional GPU address of a 3x4 row-major affine
	// transform applied to every vertex, or 0 for none. Must be 16-byte
	// aligned when present.
	Transform uint64
}

// AABBsDesc describes an array of procedural bounding boxes by GPU address.
type AABBsDesc struct {
	// Count is the number of boxes.
	Count uint64

	// Buffer is the GPU address of the first box (min x,y,z then max
	// x,y,z as float32). Must be 4-byte aligned.
	Buffer uint64

	// Stride is the distance in bytes between consecutive boxes.
	// Must be at least 24 and 4-byte aligned.
	Stride uint64
}

// Desc is a tagged union over the two geometry encodings.
type Desc struct {
	// Kind selects which member is active.
	Kind Kind

	// Flags carries traversal hints for every primitive in the geometry.
	Flags Flags

	// Triangles is active when Kind is KindTriangles.
	Triangles TrianglesDesc

	// AABBs is active when Kind is KindAABBs.
	AABBs AABBsDesc
}

// Memory maps a GPU virtual address range to host-visible bytes.
// The GPU backend satisfies this; Normalize uses it to read vertex, index,
// transform, and box data during canonicalization.
type Memory interface {
	Map(addr uint64, size uint64) ([]byte, error)
}

// addressSpaceMax is the top of the 64-bit GPU address space; ranges must
// not wrap past it.
const addressSpaceMax = math.MaxUint64

// rangeFits reports whether [addr, addr+count*stride) stays inside the
// address space without overflowing.
func rangeFits(addr, count, stride uint64) bool {
	if count == 0 {
		return true
	}
	if stride != 0 && count > addressSpaceMax/stride {
		return false
	}
	size := count * stride
	return addr <= addressSpaceMax-size
}

// aligned reports whether addr is a multiple of align.
func aligned(addr, align uint64) bool {
	return addr%align == 0
}

// Canonical is the normalized geometry form. The builder iterates it
// uniformly: PrimitiveCount primitives, each with a bounding box and a
// centroid, regardless of whether the source was an indexed mesh, a flat
// vertex array, or an AABB array.
type Canonical struct {
	kind  Kind
	flags Flags

	// Triangle data: positions with any vertex transform already applied,
	// and indices decoded to uint32 (synthesized for non-indexed meshes).
	verts   []vecmath.Vec3
	indices []uint32

	// AABB data.
	boxes []vecmath.Box
}

// Kind returns the geometry kind.
func (c *Canonical) Kind() Kind { return c.kind }

// Flags returns the geometry flags.
func (c *Canonical) Flags() Flags { return c.flags }

// PrimitiveCount returns the number of primitives (triangles or boxes).
func (c *Canonical) PrimitiveCount() int {
	if c.kind == KindAABBs {
		return len(c.boxes)
	}
	return len(c.indices) / 3
}

// Triangle returns the three corner positions of triangle i.
func (c *Canonical) Triangle(i int) [3]vecmath.Vec3 {
	return [3]vecmath.Vec3{
		c.verts[c.indices[3*i]],
		c.verts[c.indices[3*i+1]],
		c.verts[c.indices[3*i+2]],
	}
}

// PrimitiveBox returns the bounding box of primitive i. Degenerate
// primitives yield boxes whose max equals min; they still participate in
// the hierarchy.
func (c *Canonical) PrimitiveBox(i int) vecmath.Box {
	if c.kind == KindAABBs {
		return c.boxes[i]
	}
	tri := c.Triangle(i)
	box := vecmath.Box{Min: tri[0], Max: tri[0]}
	box = box.Extend(tri[1])
	box = box.Extend(tri[2])
	return box
}

// Centroid returns the center of primitive i's bounding box. This is the
// point quantized into the Morton grid during the build's sort pass.
func (c *Canonical) Centroid(i int) vecmath.Vec3 {
	return c.PrimitiveBox(i).Centroid()
}
