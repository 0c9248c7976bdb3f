package geometry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/gogpu/rtfallback"
	"github.com/gogpu/rtfallback/vecmath"
)

// fakeMemory is a flat address space for normalization tests.
type fakeMemory struct {
	base uint64
	data []byte
}

func (m *fakeMemory) Map(addr, size uint64) ([]byte, error) {
	if addr < m.base || addr+size > m.base+uint64(len(m.data)) {
		return nil, fmt.Errorf("range [%#x,+%d) out of bounds", addr, size)
	}
	off := addr - m.base
	return m.data[off : off+size], nil
}

const testBase = 0x1000

func newFakeMemory(size int) *fakeMemory {
	return &fakeMemory{base: testBase, data: make([]byte, size)}
}

func (m *fakeMemory) putF32(addr uint64, vals ...float32) {
	for i, v := range vals {
		binary.LittleEndian.PutUint32(m.data[addr-m.base+uint64(i)*4:], math.Float32bits(v))
	}
}

func (m *fakeMemory) putU16(addr uint64, vals ...uint16) {
	for i, v := range vals {
		binary.LittleEndian.PutUint16(m.data[addr-m.base+uint64(i)*2:], v)
	}
}

func TestNormalizeTrianglesNonIndexed(t *testing.T) {
	mem := newFakeMemory(256)
	mem.putF32(testBase,
		0, 0, 0,
		1, 0, 0,
		0, 1, 0,
	)

	canon, err := Normalize(Desc{
		Kind:  KindTriangles,
		Flags: FlagOpaque,
		Triangles: TrianglesDesc{
			VertexBuffer: testBase,
			VertexCount:  3,
			VertexStride: 12,
			VertexFormat: VertexFormatR32G32B32Float,
		},
	}, mem)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if canon.PrimitiveCount() != 1 {
		t.Fatalf("PrimitiveCount = %d, want 1", canon.PrimitiveCount())
	}
	if canon.Flags() != FlagOpaque {
		t.Errorf("Flags = %v, want FlagOpaque", canon.Flags())
	}
	tri := canon.Triangle(0)
	if tri[1] != (vecmath.Vec3{1, 0, 0}) {
		t.Errorf("Triangle(0)[1] = %v, want (1,0,0)", tri[1])
	}
	box := canon.PrimitiveBox(0)
	if box.Min != (vecmath.Vec3{0, 0, 0}) || box.Max != (vecmath.Vec3{1, 1, 0}) {
		t.Errorf("PrimitiveBox(0) = %v", box)
	}
}

func TestNormalizeTrianglesIndexed(t *testing.T) {
	mem := newFakeMemory(256)
	mem.putF32(testBase,
		0, 0, 0,
		1, 0, 0,
		0, 1, 0,
		1, 1, 0,
	)
	mem.putU16(testBase+64, 0, 1, 2, 1, 3, 2)

	canon, err := Normalize(Desc{
		Kind: KindTriangles,
		Triangles: TrianglesDesc{
			VertexBuffer: testBase,
			VertexCount:  4,
			VertexStride: 12,
			VertexFormat: VertexFormatR32G32B32Float,
			IndexBuffer:  testBase + 64,
			IndexFormat:  IndexFormatUint16,
			IndexCount:   6,
		},
	}, mem)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if canon.PrimitiveCount() != 2 {
		t.Fatalf("PrimitiveCount = %d, want 2", canon.PrimitiveCount())
	}
	tri := canon.Triangle(1)
	if tri[0] != (vecmath.Vec3{1, 0, 0}) || tri[1] != (vecmath.Vec3{1, 1, 0}) {
		t.Errorf("Triangle(1) = %v", tri)
	}
}

func TestNormalizeTrianglesTransform(t *testing.T) {
	mem := newFakeMemory(256)
	mem.putF32(testBase, 0, 0, 0, 1, 0, 0, 0, 1, 0)
	// Translation by (10, 0, 0).
	m := vecmath.TranslationAffine(10, 0, 0)
	mem.putF32(testBase+64, m[:]...)

	canon, err := Normalize(Desc{
		Kind: KindTriangles,
		Triangles: TrianglesDesc{
			VertexBuffer: testBase,
			VertexCount:  3,
			VertexStride: 12,
			VertexFormat: VertexFormatR32G32B32Float,
			Transform:    testBase + 64,
		},
	}, mem)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if got := canon.Triangle(0)[0]; got != (vecmath.Vec3{10, 0, 0}) {
		t.Errorf("transformed vertex = %v, want (10,0,0)", got)
	}
}

func TestNormalizeTrianglesRejects(t *testing.T) {
	mem := newFakeMemory(256)
	valid := TrianglesDesc{
		VertexBuffer: testBase,
		VertexCount:  3,
		VertexStride: 12,
		VertexFormat: VertexFormatR32G32B32Float,
	}

	tests := []struct {
		name   string
		mutate func(*TrianglesDesc)
	}{
		{"half float format", func(d *TrianglesDesc) { d.VertexFormat = VertexFormatR16G16B16A16Float }},
		{"unknown format", func(d *TrianglesDesc) { d.VertexFormat = VertexFormatUnknown }},
		{"stride below element", func(d *TrianglesDesc) { d.VertexStride = 8 }},
		{"unaligned buffer", func(d *TrianglesDesc) { d.VertexBuffer = testBase + 2 }},
		{"unaligned stride", func(d *TrianglesDesc) { d.VertexStride = 13 }},
		{"count not multiple of 3", func(d *TrianglesDesc) { d.VertexCount = 4 }},
		{"index without format", func(d *TrianglesDesc) { d.IndexBuffer = testBase + 64; d.IndexCount = 3 }},
		{"unaligned transform", func(d *TrianglesDesc) { d.Transform = testBase + 8 }},
		{"index count not multiple of 3", func(d *TrianglesDesc) {
			d.IndexFormat = IndexFormatUint16
			d.IndexBuffer = testBase + 64
			d.IndexCount = 4
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc := valid
			tt.mutate(&desc)
			_, err := Normalize(Desc{Kind: KindTriangles, Triangles: desc}, mem)
			if !errors.Is(err, rtfallback.ErrInvalidGeometry) {
				t.Errorf("got %v, want ErrInvalidGeometry", err)
			}
		})
	}
}

func TestNormalizeIndexOutOfRange(t *testing.T) {
	mem := newFakeMemory(256)
	mem.putU16(testBase+64, 0, 1, 7)

	_, err := Normalize(Desc{
		Kind: KindTriangles,
		Triangles: TrianglesDesc{
			VertexBuffer: testBase,
			VertexCount:  3,
			VertexStride: 12,
			VertexFormat: VertexFormatR32G32B32Float,
			IndexBuffer:  testBase + 64,
			IndexFormat:  IndexFormatUint16,
			IndexCount:   3,
		},
	}, mem)
	if !errors.Is(err, rtfallback.ErrInvalidGeometry) {
		t.Fatalf("got %v, want ErrInvalidGeometry", err)
	}
}

func TestNormalizeAABBs(t *testing.T) {
	mem := newFakeMemory(256)
	mem.putF32(testBase,
		0, 0, 0, 1, 1, 1,
		2, 2, 2, 3, 3, 3,
	)

	canon, err := Normalize(Desc{
		Kind: KindAABBs,
		AABBs: AABBsDesc{
			Count:  2,
			Buffer: testBase,
			Stride: 24,
		},
	}, mem)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if canon.Kind() != KindAABBs || canon.PrimitiveCount() != 2 {
		t.Fatalf("kind=%v count=%d", canon.Kind(), canon.PrimitiveCount())
	}
	if got := canon.PrimitiveBox(1); got.Min != (vecmath.Vec3{2, 2, 2}) || got.Max != (vecmath.Vec3{3, 3, 3}) {
		t.Errorf("PrimitiveBox(1) = %v", got)
	}
	if got := canon.Centroid(0); got != (vecmath.Vec3{0.5, 0.5, 0.5}) {
		t.Errorf("Centroid(0) = %v", got)
	}
}

func TestNormalizeAABBsRejects(t *testing.T) {
	mem := newFakeMemory(256)
	tests := []struct {
		name string
		desc AABBsDesc
	}{
		{"short stride", AABBsDesc{Count: 1, Buffer: testBase, Stride: 16}},
		{"unaligned buffer", AABBsDesc{Count: 1, Buffer: testBase + 2, Stride: 24}},
		{"unaligned stride", AABBsDesc{Count: 1, Buffer: testBase, Stride: 26}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(Desc{Kind: KindAABBs, AABBs: tt.desc}, mem)
			if !errors.Is(err, rtfallback.ErrInvalidGeometry) {
				t.Errorf("got %v, want ErrInvalidGeometry", err)
			}
		})
	}
}
