package bvh

import (
	"bytes"
	"errors"
	"testing"

	"github.com/gogpu/rtfallback/geometry"
	"github.com/gogpu/rtfallback/vecmath"
)

// twoTriangleTree builds a minimal bottom-level tree by hand: a root over
// two single-triangle leaves.
func twoTriangleTree() *Tree {
	tri0 := [3]vecmath.Vec3{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}}
	tri1 := [3]vecmath.Vec3{{0, 0, 5}, {1, 0, 5}, {0, 1, 5}}
	leaf0 := vecmath.Box{Min: vecmath.Vec3{0, 0, 0}, Max: vecmath.Vec3{1, 1, 0}}.Expanded()
	leaf1 := vecmath.Box{Min: vecmath.Vec3{0, 0, 5}, Max: vecmath.Vec3{1, 1, 5}}.Expanded()
	root := leaf0.Union(leaf1)

	return &Tree{
		Header: Header{
			Kind:         KindBottomLevel,
			GeometryKind: geometry.KindTriangles,
			NodeCount:    3,
			LeafCount:    2,
			Version:      7,
			RootBounds:   root,
		},
		Nodes: []Node{
			{Bounds: root, Left: 1, Right: 2},
			{Bounds: leaf0, Left: LeafBit | 0, Right: 1},
			{Bounds: leaf1, Left: LeafBit | 1, Right: 1},
		},
		Leaves: []LeafRecord{
			{GeometryIndex: 0, PrimitiveIndex: 0},
			{GeometryIndex: 0, PrimitiveIndex: 1, Flags: geometry.FlagOpaque},
		},
		Triangles: [][3]vecmath.Vec3{tri0, tri1},
	}
}

func TestTreeEncodeDecodeRoundtrip(t *testing.T) {
	tree := twoTriangleTree()

	if got, want := tree.EncodedSize(), uint64(HeaderSize+3*NodeSize+2*LeafRecordSize+2*TriangleSize); got != want {
		t.Fatalf("EncodedSize = %d, want %d", got, want)
	}
	buf := make([]byte, tree.EncodedSize())
	if err := tree.Encode(buf); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	view, err := DecodeView(buf)
	if err != nil {
		t.Fatalf("DecodeView failed: %v", err)
	}
	hdr := view.Header()
	if hdr.Kind != KindBottomLevel || hdr.NodeCount != 3 || hdr.LeafCount != 2 || hdr.Version != 7 {
		t.Fatalf("header mismatch: %+v", hdr)
	}
	if hdr.RootBounds != tree.Header.RootBounds {
		t.Errorf("RootBounds = %v, want %v", hdr.RootBounds, tree.Header.RootBounds)
	}

	back := view.Decode()
	for i := range tree.Nodes {
		if back.Nodes[i] != tree.Nodes[i] {
			t.Errorf("node %d = %+v, want %+v", i, back.Nodes[i], tree.Nodes[i])
		}
	}
	for i := range tree.Leaves {
		if back.Leaves[i] != tree.Leaves[i] {
			t.Errorf("leaf %d = %+v, want %+v", i, back.Leaves[i], tree.Leaves[i])
		}
	}
	for i := range tree.Triangles {
		if back.Triangles[i] != tree.Triangles[i] {
			t.Errorf("triangle %d mismatch", i)
		}
	}

	// Re-encoding the decoded tree reproduces the image bytewise.
	buf2 := make([]byte, back.EncodedSize())
	if err := back.Encode(buf2); err != nil {
		t.Fatalf("re-encode failed: %v", err)
	}
	if !bytes.Equal(buf, buf2) {
		t.Error("re-encoded blob differs from original")
	}
}

func TestDecodeErrors(t *testing.T) {
	tree := twoTriangleTree()
	buf := make([]byte, tree.EncodedSize())
	if err := tree.Encode(buf); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if _, err := DecodeHeader(buf[:32]); !errors.Is(err, ErrTruncated) {
		t.Errorf("short header: got %v, want ErrTruncated", err)
	}
	if _, err := DecodeView(buf[:HeaderSize]); !errors.Is(err, ErrTruncated) {
		t.Errorf("header-only view: got %v, want ErrTruncated", err)
	}
	bad := append([]byte(nil), buf...)
	bad[0] ^= 0xff
	if _, err := DecodeView(bad); !errors.Is(err, ErrBadMagic) {
		t.Errorf("corrupt magic: got %v, want ErrBadMagic", err)
	}
	if err := tree.Encode(buf[:len(buf)-1]); err == nil {
		t.Error("Encode into short buffer succeeded")
	}
}

func TestInstanceRoundtrip(t *testing.T) {
	inst := Instance{
		Transform:      vecmath.TranslationAffine(1, 2, 3),
		ID:             0xabcdef,
		Mask:           0x80,
		HitGroupOffset: 0x123456,
		Flags:          InstanceFlagForceOpaque | InstanceFlagTriangleFrontCCW,
		BLASAddress:    0xdead0000beef0000,
	}
	var buf [InstanceSize]byte
	EncodeInstance(buf[:], inst)
	if got := DecodeInstance(buf[:]); got != inst {
		t.Fatalf("DecodeInstance = %+v, want %+v", got, inst)
	}

	// 24-bit fields truncate silently; the packed byte carries the mask
	// and flags.
	wide := inst
	wide.ID = 0x1abcdef
	EncodeInstance(buf[:], wide)
	if got := DecodeInstance(buf[:]).ID; got != 0xabcdef {
		t.Errorf("truncated ID = %#x, want %#x", got, 0xabcdef)
	}
}

func TestSize(t *testing.T) {
	tests := []struct {
		name  string
		kind  Kind
		geom  geometry.Kind
		nodes uint32
		leafs uint32
		want  uint64
	}{
		{"empty", KindBottomLevel, geometry.KindTriangles, 0, 0, 64},
		{"one triangle", KindBottomLevel, geometry.KindTriangles, 1, 1, 64 + 32 + 16 + 36},
		{"one aabb", KindBottomLevel, geometry.KindAABBs, 1, 1, 64 + 32 + 16},
		{"one instance", KindTopLevel, 0, 1, 1, 64 + 32 + 64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Size(tt.kind, tt.geom, tt.nodes, tt.leafs); got != tt.want {
				t.Errorf("Size = %d, want %d", got, tt.want)
			}
		})
	}
}
