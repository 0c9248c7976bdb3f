package bvh

import (
	"math"

	"github.com/gogpu/rtfallback/geometry"
	"github.com/gogpu/rtfallback/vecmath"
)

// traversalStackDepth bounds the explicit node stack. A binary hierarchy
// over 2^31 primitives never exceeds 64 live entries.
const traversalStackDepth = 64

// triEpsilon rejects near-parallel ray/triangle determinants.
const triEpsilon = 1e-8

// Ray is a traversal query. Dir need not be normalized; reported hit
// distances are in units of Dir's length.
type Ray struct {
	Origin vecmath.Vec3
	Dir    vecmath.Vec3

	// TMin and TMax bound the accepted hit interval.
	TMin float32
	TMax float32

	// Mask is tested against instance visibility masks during top-level
	// traversal. Zero-mask rays hit nothing; use 0xff to accept all.
	Mask uint8
}

// Hit describes the closest intersection found by traversal.
type Hit struct {
	// T is the hit distance along the ray.
	T float32

	// InstanceIndex and InstanceID identify the instance in a top-level
	// traversal. Both are zero for direct bottom-level queries.
	InstanceIndex uint32
	InstanceID    uint32

	// HitGroupOffset is the instance's shader-table offset contribution.
	HitGroupOffset uint32

	// GeometryIndex and PrimitiveIndex identify the primitive inside the
	// bottom-level structure.
	GeometryIndex  uint32
	PrimitiveIndex uint32
}

// Memory resolves GPU virtual addresses during top-level traversal, which
// must follow instance records to their bottom-level blobs.
type Memory interface {
	Map(addr uint64, size uint64) ([]byte, error)
}

// rayBoxEntry returns the entry distance of the ray into the box, or
// +Inf when the slab intervals do not overlap within [tMin, tMax].
func rayBoxEntry(r Ray, b vecmath.Box, tMax float32) float32 {
	tEnter := r.TMin
	tExit := tMax
	for axis := 0; axis < 3; axis++ {
		invD := 1 / r.Dir[axis]
		t0 := (b.Min[axis] - r.Origin[axis]) * invD
		t1 := (b.Max[axis] - r.Origin[axis]) * invD
		if t0 > t1 {
			t0, t1 = t1, t0
		}
		// A zero direction component yields NaN bounds; comparisons
		// with NaN are false, which correctly leaves the interval
		// untouched when the origin lies inside the slab.
		if t0 > tEnter {
			tEnter = t0
		}
		if t1 < tExit {
			tExit = t1
		}
	}
	if tEnter > tExit {
		return float32(math.Inf(1))
	}
	return tEnter
}

// rayTriangle runs Moller-Trumbore against a single triangle and returns
// the hit distance, or false when the ray misses or is parallel.
func rayTriangle(r Ray, tri [3]vecmath.Vec3) (float32, bool) {
	e1 := tri[1].Sub(tri[0])
	e2 := tri[2].Sub(tri[0])
	p := cross(r.Dir, e2)
	det := dot(e1, p)
	if det > -triEpsilon && det < triEpsilon {
		return 0, false
	}
	invDet := 1 / det
	s := r.Origin.Sub(tri[0])
	u := dot(s, p) * invDet
	if u < 0 || u > 1 {
		return 0, false
	}
	q := cross(s, e1)
	v := dot(r.Dir, q) * invDet
	if v < 0 || u+v > 1 {
		return 0, false
	}
	t := dot(e2, q) * invDet
	if t < r.TMin || t > r.TMax {
		return 0, false
	}
	return t, true
}

func cross(a, b vecmath.Vec3) vecmath.Vec3 {
	return vecmath.Vec3{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func dot(a, b vecmath.Vec3) float32 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

// TraceRay finds the closest intersection of r with a bottom-level
// structure. Procedural (AABB) primitives report the box entry distance;
// invoking intersection shaders is the dispatch emulation's concern, not
// the reference traversal's.
func (v View) TraceRay(r Ray) (Hit, bool) {
	if v.hdr.Kind != KindBottomLevel || v.IsEmpty() {
		return Hit{}, false
	}

	var stack [traversalStackDepth]uint32
	sp := 0
	stack[sp] = 0
	sp++

	best := Hit{T: r.TMax}
	found := false

	for sp > 0 {
		sp--
		n := v.Node(stack[sp])
		if rayBoxEntry(r, n.Bounds, best.T) == float32(math.Inf(1)) {
			continue
		}
		if !n.IsLeaf() {
			stack[sp] = n.Left
			stack[sp+1] = n.Right
			sp += 2
			continue
		}
		for i := uint32(0); i < n.LeafCount(); i++ {
			leafIdx := n.LeafStart() + i
			var t float32
			var ok bool
			if v.hdr.GeometryKind == geometry.KindTriangles {
				t, ok = rayTriangle(r, v.Triangle(leafIdx))
			} else {
				t = rayBoxEntry(r, n.Bounds, best.T)
				if t < r.TMin {
					t = r.TMin
				}
				ok = !math.IsInf(float64(t), 1)
			}
			if ok && t < best.T {
				leaf := v.Leaf(leafIdx)
				best = Hit{
					T:              t,
					GeometryIndex:  leaf.GeometryIndex,
					PrimitiveIndex: leaf.PrimitiveIndex,
				}
				found = true
			}
		}
	}
	return best, found
}

// CountHits returns the number of leaf primitives whose surface the ray
// intersects inside [TMin, TMax], ignoring ordering. This is the metric the
// validation dispatch kernels accumulate.
func (v View) CountHits(r Ray) int {
	if v.hdr.Kind != KindBottomLevel || v.IsEmpty() {
		return 0
	}

	var stack [traversalStackDepth]uint32
	sp := 0
	stack[sp] = 0
	sp++

	count := 0
	for sp > 0 {
		sp--
		n := v.Node(stack[sp])
		if rayBoxEntry(r, n.Bounds, r.TMax) == float32(math.Inf(1)) {
			continue
		}
		if !n.IsLeaf() {
			stack[sp] = n.Left
			stack[sp+1] = n.Right
			sp += 2
			continue
		}
		for i := uint32(0); i < n.LeafCount(); i++ {
			leafIdx := n.LeafStart() + i
			if v.hdr.GeometryKind == geometry.KindTriangles {
				if _, ok := rayTriangle(r, v.Triangle(leafIdx)); ok {
					count++
				}
			} else {
				count++
			}
		}
	}
	return count
}

// MapBlob maps the full blob at addr through mem: first the header to learn
// the size, then the complete byte range.
func MapBlob(mem Memory, addr uint64) (View, error) {
	hdrBytes, err := mem.Map(addr, HeaderSize)
	if err != nil {
		return View{}, err
	}
	h, err := DecodeHeader(hdrBytes)
	if err != nil {
		return View{}, err
	}
	full, err := mem.Map(addr, Size(h.Kind, h.GeometryKind, h.NodeCount, h.LeafCount))
	if err != nil {
		return View{}, err
	}
	return DecodeView(full)
}

// TraceTopLevel finds the closest intersection of r with the top-level
// structure at tlasAddr, following instance records into their bottom-level
// blobs through mem. Instances whose visibility mask does not overlap
// r.Mask are skipped.
func TraceTopLevel(mem Memory, tlasAddr uint64, r Ray) (Hit, bool) {
	tlas, err := MapBlob(mem, tlasAddr)
	if err != nil || tlas.hdr.Kind != KindTopLevel || tlas.IsEmpty() {
		return Hit{}, false
	}

	var stack [traversalStackDepth]uint32
	sp := 0
	stack[sp] = 0
	sp++

	best := Hit{T: r.TMax}
	found := false

	for sp > 0 {
		sp--
		n := tlas.Node(stack[sp])
		if rayBoxEntry(r, n.Bounds, best.T) == float32(math.Inf(1)) {
			continue
		}
		if !n.IsLeaf() {
			stack[sp] = n.Left
			stack[sp+1] = n.Right
			sp += 2
			continue
		}
		for i := uint32(0); i < n.LeafCount(); i++ {
			instIdx := n.LeafStart() + i
			inst := tlas.Instance(instIdx)
			if inst.Mask&r.Mask == 0 {
				continue
			}
			inv, ok := inst.Transform.Inverse()
			if !ok {
				continue
			}
			blas, err := MapBlob(mem, inst.BLASAddress)
			if err != nil {
				continue
			}
			// The object-space ray keeps the same parameterization:
			// hit distances transfer to world space unchanged.
			objRay := Ray{
				Origin: inv.TransformPoint(r.Origin),
				Dir:    inv.TransformVector(r.Dir),
				TMin:   r.TMin,
				TMax:   best.T,
				Mask:   r.Mask,
			}
			if hit, ok := blas.TraceRay(objRay); ok && hit.T < best.T {
				best = Hit{
					T:              hit.T,
					InstanceIndex:  instIdx,
					InstanceID:     inst.ID,
					HitGroupOffset: inst.HitGroupOffset,
					GeometryIndex:  hit.GeometryIndex,
					PrimitiveIndex: hit.PrimitiveIndex,
				}
				found = true
			}
		}
	}
	return best, found
}

// CountTopLevelHits accumulates CountHits across all visible instances.
func CountTopLevelHits(mem Memory, tlasAddr uint64, r Ray) int {
	tlas, err := MapBlob(mem, tlasAddr)
	if err != nil || tlas.hdr.Kind != KindTopLevel || tlas.IsEmpty() {
		return 0
	}

	count := 0
	for i := uint32(0); i < tlas.hdr.LeafCount; i++ {
		inst := tlas.Instance(i)
		if inst.Mask&r.Mask == 0 {
			continue
		}
		inv, ok := inst.Transform.Inverse()
		if !ok {
			continue
		}
		blas, err := MapBlob(mem, inst.BLASAddress)
		if err != nil {
			continue
		}
		objRay := Ray{
			Origin: inv.TransformPoint(r.Origin),
			Dir:    inv.TransformVector(r.Dir),
			TMin:   r.TMin,
			TMax:   r.TMax,
			Mask:   r.Mask,
		}
		count += blas.CountHits(objRay)
	}
	return count
}
