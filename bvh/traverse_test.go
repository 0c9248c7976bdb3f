package bvh

import (
	"fmt"
	"math"
	"testing"

	"github.com/gogpu/rtfallback/vecmath"
)

// regionMemory maps fixed address ranges for traversal tests.
type regionMemory map[uint64][]byte

func (m regionMemory) Map(addr, size uint64) ([]byte, error) {
	for base, buf := range m {
		if addr >= base && addr+size <= base+uint64(len(buf)) {
			off := addr - base
			return buf[off : off+size], nil
		}
	}
	return nil, fmt.Errorf("no region for [%#x,+%d)", addr, size)
}

func encodeTree(t *testing.T, tree *Tree) []byte {
	t.Helper()
	buf := make([]byte, tree.EncodedSize())
	if err := tree.Encode(buf); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return buf
}

func TestTraceRayClosest(t *testing.T) {
	view, err := DecodeView(encodeTree(t, twoTriangleTree()))
	if err != nil {
		t.Fatalf("DecodeView failed: %v", err)
	}

	// Both triangles sit on the ray; the closer one (z=0) wins.
	hit, ok := view.TraceRay(Ray{
		Origin: vecmath.Vec3{0.25, 0.25, -1},
		Dir:    vecmath.Vec3{0, 0, 1},
		TMax:   100,
	})
	if !ok {
		t.Fatal("expected a hit")
	}
	if hit.PrimitiveIndex != 0 {
		t.Errorf("PrimitiveIndex = %d, want 0", hit.PrimitiveIndex)
	}
	if math.Abs(float64(hit.T)-1) > 1e-5 {
		t.Errorf("T = %v, want 1", hit.T)
	}

	// TMin past the first triangle selects the second.
	hit, ok = view.TraceRay(Ray{
		Origin: vecmath.Vec3{0.25, 0.25, -1},
		Dir:    vecmath.Vec3{0, 0, 1},
		TMin:   2,
		TMax:   100,
	})
	if !ok || hit.PrimitiveIndex != 1 {
		t.Fatalf("hit = %+v ok=%v, want primitive 1", hit, ok)
	}

	// A ray outside both triangles misses.
	if _, ok := view.TraceRay(Ray{
		Origin: vecmath.Vec3{5, 5, -1},
		Dir:    vecmath.Vec3{0, 0, 1},
		TMax:   100,
	}); ok {
		t.Error("off-axis ray reported a hit")
	}

	// A ray parallel to the triangle plane misses.
	if _, ok := view.TraceRay(Ray{
		Origin: vecmath.Vec3{-1, 0.25, 0},
		Dir:    vecmath.Vec3{1, 0, 0},
		TMax:   100,
	}); ok {
		t.Error("coplanar ray reported a hit")
	}
}

func TestCountHits(t *testing.T) {
	view, err := DecodeView(encodeTree(t, twoTriangleTree()))
	if err != nil {
		t.Fatalf("DecodeView failed: %v", err)
	}

	r := Ray{Origin: vecmath.Vec3{0.25, 0.25, -1}, Dir: vecmath.Vec3{0, 0, 1}, TMax: 100}
	if got := view.CountHits(r); got != 2 {
		t.Errorf("CountHits = %d, want 2", got)
	}
	r.TMax = 3 // excludes the z=5 triangle
	if got := view.CountHits(r); got != 1 {
		t.Errorf("truncated CountHits = %d, want 1", got)
	}
}

// twoInstanceScene places the two-triangle structure twice: once at the
// origin and once translated by (10,0,0), with disjoint visibility masks.
func twoInstanceScene(t *testing.T) (regionMemory, uint64) {
	t.Helper()
	const blasAddr = 0x1000
	const tlasAddr = 0x8000

	blasBytes := encodeTree(t, twoTriangleTree())
	blasBounds, err := DecodeView(blasBytes)
	if err != nil {
		t.Fatalf("DecodeView failed: %v", err)
	}
	world0 := blasBounds.Header().RootBounds
	world1 := vecmath.TranslationAffine(10, 0, 0).TransformBox(world0)
	root := world0.Union(world1)

	tlas := &Tree{
		Header: Header{
			Kind:       KindTopLevel,
			NodeCount:  3,
			LeafCount:  2,
			RootBounds: root,
		},
		Nodes: []Node{
			{Bounds: root, Left: 1, Right: 2},
			{Bounds: world0, Left: LeafBit | 0, Right: 1},
			{Bounds: world1, Left: LeafBit | 1, Right: 1},
		},
		Instances: []Instance{
			{
				Transform:   vecmath.IdentityAffine(),
				ID:          100,
				Mask:        0x01,
				BLASAddress: blasAddr,
			},
			{
				Transform:      vecmath.TranslationAffine(10, 0, 0),
				ID:             200,
				Mask:           0x02,
				HitGroupOffset: 4,
				BLASAddress:    blasAddr,
			},
		},
	}

	return regionMemory{
		blasAddr: blasBytes,
		tlasAddr: encodeTree(t, tlas),
	}, tlasAddr
}

func TestTraceTopLevel(t *testing.T) {
	mem, tlasAddr := twoInstanceScene(t)

	// A ray through the translated instance must report world-space
	// identifiers from the instance record.
	hit, ok := TraceTopLevel(mem, tlasAddr, Ray{
		Origin: vecmath.Vec3{10.25, 0.25, -1},
		Dir:    vecmath.Vec3{0, 0, 1},
		TMax:   100,
		Mask:   0xff,
	})
	if !ok {
		t.Fatal("expected a hit")
	}
	if hit.InstanceIndex != 1 || hit.InstanceID != 200 || hit.HitGroupOffset != 4 {
		t.Errorf("hit = %+v, want instance 1 / id 200 / offset 4", hit)
	}
	if hit.PrimitiveIndex != 0 {
		t.Errorf("PrimitiveIndex = %d, want 0", hit.PrimitiveIndex)
	}
	if math.Abs(float64(hit.T)-1) > 1e-5 {
		t.Errorf("T = %v, want 1 (distances transfer unchanged)", hit.T)
	}

	// The same ray at the origin hits instance 0.
	hit, ok = TraceTopLevel(mem, tlasAddr, Ray{
		Origin: vecmath.Vec3{0.25, 0.25, -1},
		Dir:    vecmath.Vec3{0, 0, 1},
		TMax:   100,
		Mask:   0xff,
	})
	if !ok || hit.InstanceIndex != 0 || hit.InstanceID != 100 {
		t.Fatalf("hit = %+v ok=%v, want instance 0", hit, ok)
	}
}

func TestTraceTopLevelMask(t *testing.T) {
	mem, tlasAddr := twoInstanceScene(t)

	r := Ray{Origin: vecmath.Vec3{0.25, 0.25, -1}, Dir: vecmath.Vec3{0, 0, 1}, TMax: 100}

	// Instance 0 carries mask 0x01; a disjoint ray mask skips it.
	r.Mask = 0x02
	if _, ok := TraceTopLevel(mem, tlasAddr, r); ok {
		t.Error("masked-out instance reported a hit")
	}
	r.Mask = 0x01
	if _, ok := TraceTopLevel(mem, tlasAddr, r); !ok {
		t.Error("visible instance missed")
	}
	// A zero ray mask matches nothing.
	r.Mask = 0
	if got := CountTopLevelHits(mem, tlasAddr, r); got != 0 {
		t.Errorf("zero-mask CountTopLevelHits = %d, want 0", got)
	}
}

func TestCountTopLevelHits(t *testing.T) {
	mem, tlasAddr := twoInstanceScene(t)

	// A long ray down +z through x=0.25 pierces both triangles of
	// instance 0 only.
	r := Ray{Origin: vecmath.Vec3{0.25, 0.25, -1}, Dir: vecmath.Vec3{0, 0, 1}, TMax: 100, Mask: 0xff}
	if got := CountTopLevelHits(mem, tlasAddr, r); got != 2 {
		t.Errorf("CountTopLevelHits = %d, want 2", got)
	}
}

func TestMapBlob(t *testing.T) {
	mem, tlasAddr := twoInstanceScene(t)

	view, err := MapBlob(mem, tlasAddr)
	if err != nil {
		t.Fatalf("MapBlob failed: %v", err)
	}
	if view.Header().Kind != KindTopLevel || view.Header().LeafCount != 2 {
		t.Errorf("header = %+v", view.Header())
	}
	if _, err := MapBlob(mem, 0xf000); err == nil {
		t.Error("MapBlob of unmapped address succeeded")
	}
}

func TestTraceEmptyStructure(t *testing.T) {
	empty := &Tree{Header: Header{Kind: KindBottomLevel}}
	view, err := DecodeView(encodeTree(t, empty))
	if err != nil {
		t.Fatalf("DecodeView failed: %v", err)
	}
	if !view.IsEmpty() {
		t.Fatal("zero-node structure not reported empty")
	}
	r := Ray{Dir: vecmath.Vec3{0, 0, 1}, TMax: 100}
	if _, ok := view.TraceRay(r); ok {
		t.Error("empty structure reported a hit")
	}
	if got := view.CountHits(r); got != 0 {
		t.Errorf("CountHits on empty = %d, want 0", got)
	}
}
