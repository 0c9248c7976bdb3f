// Package vecmath provides the small single-precision vector types shared by
// the acceleration-structure builder: 3-component vectors, axis-aligned
// boxes, 3x4 affine transforms, and Morton-code helpers.
//
// All arithmetic is float32. Bounding boxes follow the builder's conservatism
// rule: Expanded() grows the max corner by one ULP per axis so that rounding
// during hierarchy construction can never produce a box that excludes its
// contents.
package vecmath

import "math"

// Vec3 is a 3-component single-precision vector. Components are indexable
// by axis (0=x, 1=y, 2=z), which the builder relies on for per-axis passes.
type Vec3 [3]float32

// Add returns v + o.
func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{v[0] + o[0], v[1] + o[1], v[2] + o[2]}
}

// Sub returns v - o.
func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{v[0] - o[0], v[1] - o[1], v[2] - o[2]}
}

// Scale returns v * s.
func (v Vec3) Scale(s float32) Vec3 {
	return Vec3{v[0] * s, v[1] * s, v[2] * s}
}

// Min returns the component-wise minimum of v and o.
func (v Vec3) Min(o Vec3) Vec3 {
	return Vec3{min(v[0], o[0]), min(v[1], o[1]), min(v[2], o[2])}
}

// Max returns the component-wise maximum of v and o.
func (v Vec3) Max(o Vec3) Vec3 {
	return Vec3{max(v[0], o[0]), max(v[1], o[1]), max(v[2], o[2])}
}

// Box is an axis-aligned bounding box. A box with Min > Max on any axis is
// empty; EmptyBox() produces the canonical empty box that absorbs nothing
// and extends under Union.
type Box struct {
	Min Vec3
	Max Vec3
}

// EmptyBox returns the identity element for Union: every Union with it
// yields the other operand.
func EmptyBox() Box {
	return Box{
		Min: Vec3{math.MaxFloat32, math.MaxFloat32, math.MaxFloat32},
		Max: Vec3{-math.MaxFloat32, -math.MaxFloat32, -math.MaxFloat32},
	}
}

// IsEmpty reports whether the box contains no points.
func (b Box) IsEmpty() bool {
	return b.Min[0] > b.Max[0] || b.Min[1] > b.Max[1] || b.Min[2] > b.Max[2]
}

// Union returns the smallest box containing both b and o.
func (b Box) Union(o Box) Box {
	return Box{Min: b.Min.Min(o.Min), Max: b.Max.Max(o.Max)}
}

// Extend returns the smallest box containing b and the point p.
func (b Box) Extend(p Vec3) Box {
	return Box{Min: b.Min.Min(p), Max: b.Max.Max(p)}
}

// Centroid returns the center point of the box.
func (b Box) Centroid() Vec3 {
	return Vec3{
		(b.Min[0] + b.Max[0]) * 0.5,
		(b.Min[1] + b.Max[1]) * 0.5,
		(b.Min[2] + b.Max[2]) * 0.5,
	}
}

// Contains reports whether o lies entirely inside b. Empty boxes are
// contained by everything.
func (b Box) Contains(o Box) bool {
	if o.IsEmpty() {
		return true
	}
	return b.Min[0] <= o.Min[0] && b.Min[1] <= o.Min[1] && b.Min[2] <= o.Min[2] &&
		b.Max[0] >= o.Max[0] && b.Max[1] >= o.Max[1] && b.Max[2] >= o.Max[2]
}

// Expanded returns b with the max corner grown by one ULP per axis.
// Degenerate (zero-extent) axes still grow, so a flat triangle's box gains
// nonzero thickness. The min corner is left untouched: union arithmetic
// only ever rounds the max corner toward the interior.
func (b Box) Expanded() Box {
	return Box{
		Min: b.Min,
		Max: Vec3{ulpUp(b.Max[0]), ulpUp(b.Max[1]), ulpUp(b.Max[2])},
	}
}

// ulpUp returns the next float32 above f.
func ulpUp(f float32) float32 {
	return math.Nextafter32(f, float32(math.Inf(1)))
}

// Affine is a 3x4 row-major affine transform, laid out exactly as the
// instance-record transform in a top-level acceleration structure:
// row r occupies elements [4r, 4r+3], with the translation in column 3.
type Affine [12]float32

// IdentityAffine returns the identity transform.
func IdentityAffine() Affine {
	return Affine{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
	}
}

// TranslationAffine returns a pure translation transform.
func TranslationAffine(x, y, z float32) Affine {
	return Affine{
		1, 0, 0, x,
		0, 1, 0, y,
		0, 0, 1, z,
	}
}

// TransformPoint applies the affine transform to a point.
func (m Affine) TransformPoint(p Vec3) Vec3 {
	return Vec3{
		m[0]*p[0] + m[1]*p[1] + m[2]*p[2] + m[3],
		m[4]*p[0] + m[5]*p[1] + m[6]*p[2] + m[7],
		m[8]*p[0] + m[9]*p[1] + m[10]*p[2] + m[11],
	}
}

// TransformVector applies only the linear part of the transform (no
// translation), as appropriate for direction vectors.
func (m Affine) TransformVector(v Vec3) Vec3 {
	return Vec3{
		m[0]*v[0] + m[1]*v[1] + m[2]*v[2],
		m[4]*v[0] + m[5]*v[1] + m[6]*v[2],
		m[8]*v[0] + m[9]*v[1] + m[10]*v[2],
	}
}

// Inverse returns the inverse transform. The second result is false when
// the linear part is singular (the transform collapses space and cannot be
// inverted).
func (m Affine) Inverse() (Affine, bool) {
	// Cofactors of the 3x3 linear part.
	c00 := m[5]*m[10] - m[6]*m[9]
	c01 := m[6]*m[8] - m[4]*m[10]
	c02 := m[4]*m[9] - m[5]*m[8]

	det := m[0]*c00 + m[1]*c01 + m[2]*c02
	if det == 0 {
		return Affine{}, false
	}
	inv := 1 / det

	var r Affine
	r[0] = c00 * inv
	r[1] = (m[2]*m[9] - m[1]*m[10]) * inv
	r[2] = (m[1]*m[6] - m[2]*m[5]) * inv
	r[4] = c01 * inv
	r[5] = (m[0]*m[10] - m[2]*m[8]) * inv
	r[6] = (m[2]*m[4] - m[0]*m[6]) * inv
	r[8] = c02 * inv
	r[9] = (m[1]*m[8] - m[0]*m[9]) * inv
	r[10] = (m[0]*m[5] - m[1]*m[4]) * inv

	// Inverse translation: -R_inv * t.
	r[3] = -(r[0]*m[3] + r[1]*m[7] + r[2]*m[11])
	r[7] = -(r[4]*m[3] + r[5]*m[7] + r[6]*m[11])
	r[11] = -(r[8]*m[3] + r[9]*m[7] + r[10]*m[11])
	return r, true
}

// TransformBox returns the axis-aligned bounds of the transformed box.
// Each output axis takes its extremes from the per-component min/max of the
// transform rows applied to the input extents, so the eight corners never
// need to be enumerated.
func (m Affine) TransformBox(b Box) Box {
	out := Box{
		Min: Vec3{m[3], m[7], m[11]},
		Max: Vec3{m[3], m[7], m[11]},
	}
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			e := m[row*4+col]
			a := e * b.Min[col]
			c := e * b.Max[col]
			if a > c {
				a, c = c, a
			}
			out.Min[row] += a
			out.Max[row] += c
		}
	}
	return out
}
