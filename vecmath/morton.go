package vecmath

// MortonBits is the number of bits of spatial resolution per axis in a
// 32-bit Morton code (3 axes x 10 bits, top 2 bits unused).
const MortonBits = 10

// mortonCells is the number of quantization cells per axis.
const mortonCells = 1 << MortonBits

// spread1By2 inserts two zero bits between each of the low 10 bits of x.
func spread1By2(x uint32) uint32 {
	x &= 0x3ff
	x = (x | x<<16) & 0x030000ff
	x = (x | x<<8) & 0x0300f00f
	x = (x | x<<4) & 0x030c30c3
	x = (x | x<<2) & 0x09249249
	return x
}

// Morton3 interleaves the low 10 bits of x, y, z into a 30-bit Morton code.
// Nearby cells in 3D map to nearby codes, which is the ordering property the
// linear BVH build depends on.
func Morton3(x, y, z uint32) uint32 {
	return spread1By2(x) | spread1By2(y)<<1 | spread1By2(z)<<2
}

// MortonCode quantizes point p within the bounds box to the Morton grid and
// returns its code. Points on (or numerically past) the upper bound clamp to
// the last cell. A degenerate axis (zero extent) maps everything to cell 0.
func MortonCode(p Vec3, bounds Box) uint32 {
	var cell [3]uint32
	for axis := 0; axis < 3; axis++ {
		extent := bounds.Max[axis] - bounds.Min[axis]
		if extent <= 0 {
			continue
		}
		t := (p[axis] - bounds.Min[axis]) / extent
		c := int32(t * mortonCells)
		if c < 0 {
			c = 0
		}
		if c > mortonCells-1 {
			c = mortonCells - 1
		}
		cell[axis] = uint32(c)
	}
	return Morton3(cell[0], cell[1], cell[2])
}
