package builder

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/gogpu/rtfallback"
	"github.com/gogpu/rtfallback/backend"
	"github.com/gogpu/rtfallback/bvh"
	"github.com/gogpu/rtfallback/geometry"
	"github.com/gogpu/rtfallback/vecmath"
)

// primSet is the uniform primitive view a build runs over: N primitives,
// each with a conservative box and a sort centroid, plus the leaf payload
// arrays in input order.
type primSet struct {
	boxes     []vecmath.Box
	centroids []vecmath.Vec3

	leaves    []bvh.LeafRecord
	triangles [][3]vecmath.Vec3
	instances []bvh.Instance
	geomKind  geometry.Kind
}

func (p *primSet) count() uint32 { return uint32(len(p.boxes)) }

// runBuild executes a recorded full build against mem.
func (b *Builder) runBuild(mem backend.Memory, dest, scratch uint64, inputs Inputs, version uint64) error {
	prims, err := b.gatherPrimitives(mem, inputs)
	if err != nil {
		return err
	}
	tree := b.buildTree(mem, scratch, prims, inputs, version)
	return writeTree(mem, dest, tree)
}

// buildTree runs the sort and hierarchy passes over prims.
func (b *Builder) buildTree(mem backend.Memory, scratch uint64, prims *primSet, inputs Inputs, version uint64) *bvh.Tree {
	n := prims.count()
	tree := &bvh.Tree{
		Header: bvh.Header{
			Kind:         inputs.Kind,
			GeometryKind: prims.geomKind,
			LeafCount:    n,
			Flags:        inputs.Flags,
			Version:      version,
			RootBounds:   vecmath.EmptyBox(),
		},
		Leaves:    prims.leaves,
		Triangles: prims.triangles,
		Instances: prims.instances,
	}
	if n == 0 {
		return tree
	}
	if n == 1 {
		box := prims.boxes[0].Expanded()
		tree.Nodes = []bvh.Node{{Bounds: box, Left: bvh.LeafBit, Right: 1}}
		tree.Header.NodeCount = 1
		tree.Header.RootBounds = box
		return tree
	}

	order := b.sortByMorton(mem, scratch, prims)
	tree.Nodes = buildHierarchy(order)
	tree.Header.NodeCount = uint32(len(tree.Nodes))
	computeBounds(tree.Nodes, func(prim uint32) vecmath.Box {
		return prims.boxes[prim].Expanded()
	})
	tree.Header.RootBounds = tree.Nodes[0].Bounds
	return tree
}

// sortByMorton quantizes centroids into a 30-bit Morton grid and sorts the
// primitives by code, ties broken by input index. The returned keys are
// code<<32|index, ascending; the sort runs in the caller-provided scratch.
func (b *Builder) sortByMorton(mem backend.Memory, scratch uint64, prims *primSet) []uint64 {
	n := int(prims.count())

	centroidBounds := vecmath.EmptyBox()
	for _, c := range prims.centroids {
		centroidBounds = centroidBounds.Extend(c)
	}

	keys := mapScratchKeys(mem, scratch, n)
	tmp := mapScratchKeys(mem, scratch+8*uint64(n), n)
	b.pool.ForRange(n, func(start, end int) {
		for i := start; i < end; i++ {
			code := vecmath.MortonCode(prims.centroids[i], centroidBounds)
			putKey(keys, i, uint64(code)<<32|uint64(uint32(i)))
		}
	})

	// LSD radix sort over the code bits. Each pass is stable, and the
	// index tiebreak in the key low bits never enters a digit, so equal
	// codes keep input order.
	for shift := uint(32); shift < 64; shift += 8 {
		var count [257]int
		for i := 0; i < n; i++ {
			count[int(byte(getKey(keys, i)>>shift))+1]++
		}
		for d := 1; d < 257; d++ {
			count[d] += count[d-1]
		}
		for i := 0; i < n; i++ {
			k := getKey(keys, i)
			d := byte(k >> shift)
			putKey(tmp, count[d], k)
			count[d]++
		}
		keys, tmp = tmp, keys
	}

	out := make([]uint64, n)
	for i := range out {
		out[i] = getKey(keys, i)
	}
	return out
}

// mapScratchKeys views n 64-bit keys inside the scratch buffer. The range
// was probed at record time, so a failure here means device removal; the
// backend surfaces that separately and a local slice keeps the build
// deterministic.
func mapScratchKeys(mem backend.Memory, addr uint64, n int) []byte {
	raw, err := mem.Map(addr, 8*uint64(n))
	if err != nil {
		return make([]byte, 8*n)
	}
	return raw
}

func putKey(b []byte, i int, k uint64) { binary.LittleEndian.PutUint64(b[8*i:], k) }
func getKey(b []byte, i int) uint64    { return binary.LittleEndian.Uint64(b[8*i:]) }

// buildHierarchy derives the node array from the sorted keys using the
// common-prefix construction: primitive i's leaf node attaches where the
// prefix between neighboring keys changes, giving exactly n-1 internal
// nodes with topology that is a pure function of the key sequence.
//
// Node 0 is the root. Internal nodes occupy [0, n-2]; the leaf node of
// sorted position i is n-1+i, and stores the input primitive index from
// the key's low bits.
func buildHierarchy(keys []uint64) []bvh.Node {
	n := len(keys)
	nodes := make([]bvh.Node, 2*n-1)
	internal := n - 1

	delta := func(i, j int) int {
		if j < 0 || j >= n {
			return -1
		}
		return bits.LeadingZeros64(keys[i] ^ keys[j])
	}

	for i := 0; i < n; i++ {
		nodes[internal+i] = bvh.Node{
			Left:  bvh.LeafBit | uint32(keys[i]),
			Right: 1,
		}
	}

	for i := 0; i < internal; i++ {
		// Direction of the node's range: toward the neighbor sharing
		// the longer prefix.
		d := 1
		if delta(i, i-1) > delta(i, i+1) {
			d = -1
		}
		deltaMin := delta(i, i-d)

		// Exponential probe for an upper bound on the range length,
		// then binary-search the exact far end.
		lmax := 2
		for delta(i, i+lmax*d) > deltaMin {
			lmax *= 2
		}
		l := 0
		for t := lmax / 2; t >= 1; t /= 2 {
			if delta(i, i+(l+t)*d) > deltaMin {
				l += t
			}
		}
		j := i + l*d

		// Split position: the highest index in the range sharing the
		// full range prefix.
		deltaNode := delta(i, j)
		s := 0
		for t := (l + 1) / 2; ; t = (t + 1) / 2 {
			if delta(i, i+(s+t)*d) > deltaNode {
				s += t
			}
			if t == 1 {
				break
			}
		}
		gamma := i + s*d + min(d, 0)

		lo, hi := i, j
		if d < 0 {
			lo, hi = j, i
		}
		left := uint32(gamma)
		if lo == gamma {
			left = uint32(internal + gamma)
		}
		right := uint32(gamma + 1)
		if hi == gamma+1 {
			right = uint32(internal + gamma + 1)
		}
		nodes[i].Left = left
		nodes[i].Right = right
	}
	return nodes
}

// computeBounds fills in node bounds bottom-up. leafBox returns the
// conservative box of an input primitive; internal bounds are exact unions
// of child bounds.
func computeBounds(nodes []bvh.Node, leafBox func(prim uint32) vecmath.Box) {
	type frame struct {
		idx     uint32
		visited bool
	}
	stack := make([]frame, 0, 64)
	stack = append(stack, frame{idx: 0})
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := &nodes[f.idx]
		if n.IsLeaf() {
			n.Bounds = leafBox(n.LeafStart())
			continue
		}
		if f.visited {
			n.Bounds = nodes[n.Left].Bounds.Union(nodes[n.Right].Bounds)
			continue
		}
		stack = append(stack, frame{idx: f.idx, visited: true})
		stack = append(stack, frame{idx: n.Left})
		stack = append(stack, frame{idx: n.Right})
	}
}

// gatherPrimitives reads the build inputs from mem into a primSet.
func (b *Builder) gatherPrimitives(mem backend.Memory, inputs Inputs) (*primSet, error) {
	if inputs.Kind == bvh.KindTopLevel {
		return gatherInstances(mem, inputs)
	}

	prims := &primSet{geomKind: geometry.KindTriangles}
	for gi, g := range inputs.Geometries {
		canon, err := geometry.Normalize(g, mem)
		if err != nil {
			return nil, fmt.Errorf("builder: geometry %d: %w", gi, err)
		}
		prims.geomKind = canon.Kind()
		for pi := 0; pi < canon.PrimitiveCount(); pi++ {
			box := canon.PrimitiveBox(pi)
			prims.boxes = append(prims.boxes, box)
			prims.centroids = append(prims.centroids, box.Centroid())
			prims.leaves = append(prims.leaves, bvh.LeafRecord{
				GeometryIndex:  uint32(gi),
				PrimitiveIndex: uint32(pi),
				Flags:          canon.Flags(),
			})
			if canon.Kind() == geometry.KindTriangles {
				prims.triangles = append(prims.triangles, canon.Triangle(pi))
			}
		}
	}
	return prims, nil
}

// gatherInstances reads the instance array and the referenced bottom-level
// headers. An instance's box is its child's root bounds pushed through the
// instance transform; a null or empty child collapses to a point at the
// instance origin, keeping the leaf present for later refits.
func gatherInstances(mem backend.Memory, inputs Inputs) (*primSet, error) {
	instances, err := readInstances(mem, inputs)
	if err != nil {
		return nil, err
	}
	prims := &primSet{instances: instances}
	for i, inst := range instances {
		box, err := instanceBox(mem, inst)
		if err != nil {
			return nil, fmt.Errorf("builder: instance %d: %w", i, err)
		}
		prims.boxes = append(prims.boxes, box)
		prims.centroids = append(prims.centroids, box.Centroid())
	}
	return prims, nil
}

func instanceBox(mem backend.Memory, inst bvh.Instance) (vecmath.Box, error) {
	origin := vecmath.Vec3{inst.Transform[3], inst.Transform[7], inst.Transform[11]}
	point := vecmath.Box{Min: origin, Max: origin}
	if inst.BLASAddress == 0 {
		return point, nil
	}
	hdrBytes, err := mem.Map(inst.BLASAddress, bvh.HeaderSize)
	if err != nil {
		return vecmath.Box{}, fmt.Errorf("%w: bottom-level at %#x: %v",
			rtfallback.ErrDanglingReference, inst.BLASAddress, err)
	}
	hdr, err := bvh.DecodeHeader(hdrBytes)
	if err != nil {
		return vecmath.Box{}, fmt.Errorf("bottom-level at %#x: %w", inst.BLASAddress, err)
	}
	if hdr.NodeCount == 0 {
		return point, nil
	}
	return inst.Transform.TransformBox(hdr.RootBounds), nil
}

// writeTree encodes tree into the destination region.
func writeTree(mem backend.Memory, dest uint64, tree *bvh.Tree) error {
	dst, err := mem.Map(dest, tree.EncodedSize())
	if err != nil {
		return err
	}
	return tree.Encode(dst)
}

// runRefit executes a recorded refit: topology is read back from the prior
// blob at dest, leaf payloads and all bounding volumes are recomputed from
// the current inputs, and the blob is rewritten in place.
func (b *Builder) runRefit(mem backend.Memory, dest uint64, inputs Inputs, version uint64) error {
	view, err := bvh.MapBlob(mem, dest)
	if err != nil {
		return fmt.Errorf("builder: refit source: %w", err)
	}
	tree := view.Decode()

	prims, err := b.gatherPrimitives(mem, inputs)
	if err != nil {
		return err
	}
	if prims.count() != tree.Header.LeafCount {
		return fmt.Errorf("%w: refit has %d primitives, prior build %d",
			rtfallback.ErrUpdateNotPermitted, prims.count(), tree.Header.LeafCount)
	}

	tree.Leaves = prims.leaves
	tree.Triangles = prims.triangles
	tree.Instances = prims.instances
	tree.Header.Version = version

	if len(tree.Nodes) > 0 {
		computeBounds(tree.Nodes, func(prim uint32) vecmath.Box {
			return prims.boxes[prim].Expanded()
		})
		tree.Header.RootBounds = tree.Nodes[0].Bounds
	}
	return writeTree(mem, dest, tree)
}
