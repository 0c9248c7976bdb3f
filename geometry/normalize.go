package geometry

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gogpu/rtfallback"
	"github.com/gogpu/rtfallback/vecmath"
)

// Normalize validates desc and produces its canonical form, reading buffer
// contents through mem.
//
// All validation failures wrap [rtfallback.ErrInvalidGeometry] and occur
// before any builder work is enqueued. Unsupported vertex formats are
// rejected here rather than surfacing as a mid-build fault.
func Normalize(desc Desc, mem Memory) (*Canonical, error) {
	switch desc.Kind {
	case KindTriangles:
		return normalizeTriangles(desc, mem)
	case KindAABBs:
		return normalizeAABBs(desc, mem)
	default:
		return nil, fmt.Errorf("%w: unknown geometry kind %d", rtfallback.ErrInvalidGeometry, desc.Kind)
	}
}

func normalizeTriangles(desc Desc, mem Memory) (*Canonical, error) {
	t := desc.Triangles

	elemSize := t.VertexFormat.elementSize()
	if elemSize == 0 {
		return nil, fmt.Errorf("%w: unsupported vertex format %d", rtfallback.ErrInvalidGeometry, t.VertexFormat)
	}
	if t.VertexStride < elemSize {
		return nil, fmt.Errorf("%w: vertex stride %d below element size %d",
			rtfallback.ErrInvalidGeometry, t.VertexStride, elemSize)
	}
	if !aligned(t.VertexBuffer, 4) || !aligned(t.VertexStride, 4) {
		return nil, fmt.Errorf("%w: vertex buffer and stride must be 4-byte aligned", rtfallback.ErrInvalidGeometry)
	}
	if !rangeFits(t.VertexBuffer, uint64(t.VertexCount), t.VertexStride) {
		return nil, fmt.Errorf("%w: vertex range exceeds address space", rtfallback.ErrInvalidGeometry)
	}
	if t.Transform != 0 && !aligned(t.Transform, 16) {
		return nil, fmt.Errorf("%w: transform must be 16-byte aligned", rtfallback.ErrInvalidGeometry)
	}

	switch t.IndexFormat {
	case IndexFormatNone:
		if t.IndexBuffer != 0 || t.IndexCount != 0 {
			return nil, fmt.Errorf("%w: index buffer supplied without an index format", rtfallback.ErrInvalidGeometry)
		}
		if t.VertexCount%3 != 0 {
			return nil, fmt.Errorf("%w: non-indexed vertex count %d not divisible by 3",
				rtfallback.ErrInvalidGeometry, t.VertexCount)
		}
	case IndexFormatUint16, IndexFormatUint32:
		isize := t.IndexFormat.elementSize()
		if !aligned(t.IndexBuffer, isize) {
			return nil, fmt.Errorf("%w: index buffer not %d-byte aligned", rtfallback.ErrInvalidGeometry, isize)
		}
		if t.IndexCount%3 != 0 {
			return nil, fmt.Errorf("%w: index count %d not divisible by 3", rtfallback.ErrInvalidGeometry, t.IndexCount)
		}
		if !rangeFits(t.IndexBuffer, uint64(t.IndexCount), isize) {
			return nil, fmt.Errorf("%w: index range exceeds address space", rtfallback.ErrInvalidGeometry)
		}
	default:
		return nil, fmt.Errorf("%w: unknown index format %d", rtfallback.ErrInvalidGeometry, t.IndexFormat)
	}

	var transform vecmath.Affine
	hasTransform := t.Transform != 0
	if hasTransform {
		raw, err := mem.Map(t.Transform, 48)
		if err != nil {
			return nil, fmt.Errorf("%w: transform: %v", rtfallback.ErrInvalidGeometry, err)
		}
		for i := range transform {
			transform[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	}

	verts := make([]vecmath.Vec3, t.VertexCount)
	if t.VertexCount > 0 {
		raw, err := mem.Map(t.VertexBuffer, uint64(t.VertexCount)*t.VertexStride)
		if err != nil {
			return nil, fmt.Errorf("%w: vertex buffer: %v", rtfallback.ErrInvalidGeometry, err)
		}
		for i := range verts {
			off := uint64(i) * t.VertexStride
			v := vecmath.Vec3{
				math.Float32frombits(binary.LittleEndian.Uint32(raw[off:])),
				math.Float32frombits(binary.LittleEndian.Uint32(raw[off+4:])),
				math.Float32frombits(binary.LittleEndian.Uint32(raw[off+8:])),
			}
			if hasTransform {
				v = transform.TransformPoint(v)
			}
			verts[i] = v
		}
	}

	var indices []uint32
	switch t.IndexFormat {
	case IndexFormatNone:
		indices = make([]uint32, t.VertexCount)
		for i := range indices {
			indices[i] = uint32(i)
		}
	case IndexFormatUint16:
		raw, err := mem.Map(t.IndexBuffer, uint64(t.IndexCount)*2)
		if err != nil {
			return nil, fmt.Errorf("%w: index buffer: %v", rtfallback.ErrInvalidGeometry, err)
		}
		indices = make([]uint32, t.IndexCount)
		for i := range indices {
			indices[i] = uint32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case IndexFormatUint32:
		raw, err := mem.Map(t.IndexBuffer, uint64(t.IndexCount)*4)
		if err != nil {
			return nil, fmt.Errorf("%w: index buffer: %v", rtfallback.ErrInvalidGeometry, err)
		}
		indices = make([]uint32, t.IndexCount)
		for i := range indices {
			indices[i] = binary.LittleEndian.Uint32(raw[i*4:])
		}
	}

	for i, idx := range indices {
		if idx >= t.VertexCount {
			return nil, fmt.Errorf("%w: index %d at position %d exceeds vertex count %d",
				rtfallback.ErrInvalidGeometry, idx, i, t.VertexCount)
		}
	}

	return &Canonical{
		kind:    KindTriangles,
		flags:   desc.Flags,
		verts:   verts,
		indices: indices,
	}, nil
}

func normalizeAABBs(desc Desc, mem Memory) (*Canonical, error) {
	a := desc.AABBs

	if a.Count > math.MaxUint32 {
		return nil, fmt.Errorf("%w: AABB count %d exceeds 32 bits", rtfallback.ErrInvalidGeometry, a.Count)
	}
	if a.Stride < aabbSize {
		return nil, fmt.Errorf("%w: AABB stride %d below element size %d",
			rtfallback.ErrInvalidGeometry, a.Stride, aabbSize)
	}
	if !aligned(a.Buffer, 4) || !aligned(a.Stride, 4) {
		return nil, fmt.Errorf("%w: AABB buffer and stride must be 4-byte aligned", rtfallback.ErrInvalidGeometry)
	}
	if !rangeFits(a.Buffer, a.Count, a.Stride) {
		return nil, fmt.Errorf("%w: AABB range exceeds address space", rtfallback.ErrInvalidGeometry)
	}

	boxes := make([]vecmath.Box, a.Count)
	if a.Count > 0 {
		raw, err := mem.Map(a.Buffer, a.Count*a.Stride)
		if err != nil {
			return nil, fmt.Errorf("%w: AABB buffer: %v", rtfallback.ErrInvalidGeometry, err)
		}
		for i := range boxes {
			off := uint64(i) * a.Stride
			var f [6]float32
			for j := range f {
				f[j] = math.Float32frombits(binary.LittleEndian.Uint32(raw[off+uint64(j)*4:]))
			}
			boxes[i] = vecmath.Box{
				Min: vecmath.Vec3{f[0], f[1], f[2]},
				Max: vecmath.Vec3{f[3], f[4], f[5]},
			}
		}
	}

	return &Canonical{
		kind:  KindAABBs,
		flags: desc.Flags,
		boxes: boxes,
	}, nil
}
