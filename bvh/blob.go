// Package bvh defines the GPU-readable bounding-volume-hierarchy blob
// produced by the builder, together with encode/decode helpers and a CPU
// reference traversal.
//
// A blob is a contiguous byte region at a 256-byte-aligned GPU virtual
// address:
//
//	header          64 bytes
//	node array      nodeCount x 32 bytes
//	leaf metadata   leafCount x 16 bytes   (bottom-level only)
//	triangle data   leafCount x 36 bytes   (bottom-level triangles only)
//	instance array  leafCount x 64 bytes   (top-level only)
//
// Node child links are node-array indices, never absolute addresses, so a
// blob can be cloned or relocated bytewise. Top-level instance records are
// the only place absolute addresses appear (the child bottom-level
// structure), which is also what serialization has to fix up.
package bvh

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/gogpu/rtfallback/geometry"
	"github.com/gogpu/rtfallback/vecmath"
)

// Blob layout constants.
const (
	// Magic identifies a fallback BVH blob ("FBVH", little endian).
	Magic uint32 = 0x48564246

	// HeaderSize is the fixed header size in bytes.
	HeaderSize = 64

	// NodeSize is the encoded size of one node.
	NodeSize = 32

	// LeafRecordSize is the encoded size of one bottom-level leaf
	// metadata record.
	LeafRecordSize = 16

	// TriangleSize is the encoded size of one leaf triangle (9 float32).
	TriangleSize = 36

	// InstanceSize is the encoded size of one top-level instance record.
	InstanceSize = 64

	// LeafBit marks a node's Left field as a leaf-metadata reference.
	LeafBit uint32 = 1 << 31

	// BlobAlignment is the required alignment of a blob's GPU address.
	BlobAlignment = 256
)

// Decode errors.
var (
	// ErrBadMagic is returned when a byte region does not start with a
	// fallback BVH header.
	ErrBadMagic = errors.New("bvh: bad magic")

	// ErrTruncated is returned when a blob is shorter than its header
	// claims.
	ErrTruncated = errors.New("bvh: truncated blob")
)

// Kind discriminates bottom-level from top-level structures.
type Kind uint32

const (
	// KindBottomLevel is a BVH over geometric primitives.
	KindBottomLevel Kind = 1

	// KindTopLevel is a BVH over instances of bottom-level structures.
	KindTopLevel Kind = 2
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindBottomLevel:
		return "BottomLevel"
	case KindTopLevel:
		return "TopLevel"
	default:
		return "Unknown"
	}
}

// BuildFlags carries build-time options recorded in the header.
type BuildFlags uint32

const (
	// FlagAllowUpdate marks the structure refittable: topology is frozen
	// and later builds may run in refit mode.
	FlagAllowUpdate BuildFlags = 1 << iota

	// FlagAllowCompaction marks the structure eligible for compaction.
	FlagAllowCompaction

	// FlagCompacted marks a compacted structure. Compacted structures
	// are immutable: refit and further compaction are rejected.
	FlagCompacted
)

// InstanceFlags is the 8-bit per-instance flag field.
type InstanceFlags uint8

const (
	// InstanceFlagTriangleCullDisable disables backface culling for the
	// instance.
	InstanceFlagTriangleCullDisable InstanceFlags = 1 << iota

	// InstanceFlagTriangleFrontCCW flips front-face winding.
	InstanceFlagTriangleFrontCCW

	// InstanceFlagForceOpaque treats all geometry in the instance as
	// opaque.
	InstanceFlagForceOpaque

	// InstanceFlagForceNonOpaque treats all geometry in the instance as
	// non-opaque.
	InstanceFlagForceNonOpaque
)

// Header is the fixed blob header.
type Header struct {
	// Kind is bottom-level or top-level.
	Kind Kind

	// GeometryKind is the primitive encoding of a bottom-level structure
	// (triangles or AABBs). Zero for top-level structures.
	GeometryKind geometry.Kind

	// NodeCount is the number of nodes. Zero for an empty structure.
	NodeCount uint32

	// LeafCount is the number of primitives (bottom-level) or instances
	// (top-level).
	LeafCount uint32

	// Flags records build options.
	Flags BuildFlags

	// Version is the store's monotonic build counter at build time.
	Version uint64

	// RootBounds is the bounding box of the root node, already expanded
	// for conservatism. Empty for an empty structure.
	RootBounds vecmath.Box
}

// Node is one hierarchy node. Internal nodes store child node indices in
// Left and Right. Leaf nodes set LeafBit in Left; the low 31 bits index the
// first leaf record and Right holds the record count.
type Node struct {
	Bounds vecmath.Box
	Left   uint32
	Right  uint32
}

// IsLeaf reports whether the node references leaf records.
func (n Node) IsLeaf() bool { return n.Left&LeafBit != 0 }

// LeafStart returns the index of the node's first leaf record.
func (n Node) LeafStart() uint32 { return n.Left &^ LeafBit }

// LeafCount returns the number of leaf records in the node.
func (n Node) LeafCount() uint32 { return n.Right }

// LeafRecord is per-primitive metadata in a bottom-level structure.
type LeafRecord struct {
	// GeometryIndex is the index of the geometry descriptor the
	// primitive came from.
	GeometryIndex uint32

	// PrimitiveIndex is the primitive's index within that geometry.
	PrimitiveIndex uint32

	// Flags is the geometry's intake flags.
	Flags geometry.Flags
}

// Instance is one top-level instance record.
type Instance struct {
	// Transform is the 3x4 object-to-world transform.
	Transform vecmath.Affine

	// ID is the 24-bit application instance identifier.
	ID uint32

	// Mask is the 8-bit visibility mask tested against the ray mask.
	Mask uint8

	// HitGroupOffset is the 24-bit shader-table hit-group offset.
	HitGroupOffset uint32

	// Flags is the 8-bit instance flag field.
	Flags InstanceFlags

	// BLASAddress is the GPU virtual address of the referenced
	// bottom-level structure.
	BLASAddress uint64
}

// Size returns the blob size in bytes for the given header parameters.
func Size(kind Kind, geomKind geometry.Kind, nodeCount, leafCount uint32) uint64 {
	size := uint64(HeaderSize) + uint64(nodeCount)*NodeSize
	switch kind {
	case KindTopLevel:
		size += uint64(leafCount) * InstanceSize
	default:
		size += uint64(leafCount) * LeafRecordSize
		if geomKind == geometry.KindTriangles {
			size += uint64(leafCount) * TriangleSize
		}
	}
	return size
}

// Tree is the in-memory form of a structure, used by the builder before
// encoding and by tools after decoding.
type Tree struct {
	Header    Header
	Nodes     []Node
	Leaves    []LeafRecord
	Triangles [][3]vecmath.Vec3
	Instances []Instance
}

// EncodedSize returns the number of bytes Encode will write.
func (t *Tree) EncodedSize() uint64 {
	return Size(t.Header.Kind, t.Header.GeometryKind,
		uint32(len(t.Nodes)), t.Header.LeafCount)
}

// Encode writes the tree into dst, which must be at least EncodedSize()
// bytes. The byte image is deterministic: identical trees encode to
// identical bytes.
func (t *Tree) Encode(dst []byte) error {
	need := t.EncodedSize()
	if uint64(len(dst)) < need {
		return fmt.Errorf("bvh: encode needs %d bytes, have %d", need, len(dst))
	}

	h := t.Header
	putU32(dst[0:], Magic)
	putU32(dst[4:], uint32(h.Kind))
	putU32(dst[8:], uint32(len(t.Nodes)))
	putU32(dst[12:], h.LeafCount)
	putU32(dst[16:], uint32(h.Flags))
	putU32(dst[20:], uint32(h.GeometryKind))
	binary.LittleEndian.PutUint64(dst[24:], h.Version)
	putVec3(dst[32:], h.RootBounds.Min)
	putVec3(dst[44:], h.RootBounds.Max)
	putU32(dst[56:], 0)
	putU32(dst[60:], 0)

	off := HeaderSize
	for _, n := range t.Nodes {
		putVec3(dst[off:], n.Bounds.Min)
		putU32(dst[off+12:], n.Left)
		putVec3(dst[off+16:], n.Bounds.Max)
		putU32(dst[off+28:], n.Right)
		off += NodeSize
	}

	switch h.Kind {
	case KindTopLevel:
		for _, inst := range t.Instances {
			EncodeInstance(dst[off:], inst)
			off += InstanceSize
		}
	default:
		for _, l := range t.Leaves {
			putU32(dst[off:], l.GeometryIndex)
			putU32(dst[off+4:], l.PrimitiveIndex)
			putU32(dst[off+8:], uint32(l.Flags))
			putU32(dst[off+12:], 0)
			off += LeafRecordSize
		}
		if h.GeometryKind == geometry.KindTriangles {
			for _, tri := range t.Triangles {
				putVec3(dst[off:], tri[0])
				putVec3(dst[off+12:], tri[1])
				putVec3(dst[off+24:], tri[2])
				off += TriangleSize
			}
		}
	}
	return nil
}

// EncodeInstance writes inst into the first InstanceSize bytes of dst.
// The encoding doubles as the host instance-descriptor format the top-level
// builder reads from the caller's instance buffer.
func EncodeInstance(dst []byte, inst Instance) {
	for i, f := range inst.Transform {
		putF32(dst[i*4:], f)
	}
	putU32(dst[48:], inst.ID&0xffffff|uint32(inst.Mask)<<24)
	putU32(dst[52:], inst.HitGroupOffset&0xffffff|uint32(inst.Flags)<<24)
	binary.LittleEndian.PutUint64(dst[56:], inst.BLASAddress)
}

// DecodeInstance decodes one InstanceSize-byte record.
func DecodeInstance(src []byte) Instance {
	var m vecmath.Affine
	for j := range m {
		m[j] = getF32(src[j*4:])
	}
	idMask := getU32(src[48:])
	hgFlags := getU32(src[52:])
	return Instance{
		Transform:      m,
		ID:             idMask & 0xffffff,
		Mask:           uint8(idMask >> 24),
		HitGroupOffset: hgFlags & 0xffffff,
		Flags:          InstanceFlags(hgFlags >> 24),
		BLASAddress:    binary.LittleEndian.Uint64(src[56:]),
	}
}

// DecodeInstances decodes count consecutive records.
func DecodeInstances(src []byte, count uint32) []Instance {
	out := make([]Instance, count)
	for i := range out {
		out[i] = DecodeInstance(src[i*InstanceSize:])
	}
	return out
}

// View is a read-only decoded window over an encoded blob. It keeps a
// reference to the underlying bytes and decodes nodes and records on
// demand, so traversal never copies the blob.
type View struct {
	data []byte
	hdr  Header
}

// DecodeHeader validates and decodes the fixed header at the start of
// data without requiring the full blob to be present.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrTruncated, len(data))
	}
	if getU32(data[0:]) != Magic {
		return Header{}, ErrBadMagic
	}
	return Header{
		Kind:         Kind(getU32(data[4:])),
		NodeCount:    getU32(data[8:]),
		LeafCount:    getU32(data[12:]),
		Flags:        BuildFlags(getU32(data[16:])),
		GeometryKind: geometry.Kind(getU32(data[20:])),
		Version:      binary.LittleEndian.Uint64(data[24:]),
		RootBounds: vecmath.Box{
			Min: getVec3(data[32:]),
			Max: getVec3(data[44:]),
		},
	}, nil
}

// DecodeView validates data as a blob and returns a view over it.
func DecodeView(data []byte) (View, error) {
	hdr, err := DecodeHeader(data)
	if err != nil {
		return View{}, err
	}
	need := Size(hdr.Kind, hdr.GeometryKind, hdr.NodeCount, hdr.LeafCount)
	if uint64(len(data)) < need {
		return View{}, fmt.Errorf("%w: have %d bytes, header needs %d", ErrTruncated, len(data), need)
	}
	return View{data: data, hdr: hdr}, nil
}

// Header returns the decoded header.
func (v View) Header() Header { return v.hdr }

// IsEmpty reports whether the structure contains no primitives (the
// zero-input sentinel).
func (v View) IsEmpty() bool { return v.hdr.NodeCount == 0 }

// Node decodes node i.
func (v View) Node(i uint32) Node {
	off := HeaderSize + int(i)*NodeSize
	return Node{
		Bounds: vecmath.Box{
			Min: getVec3(v.data[off:]),
			Max: getVec3(v.data[off+16:]),
		},
		Left:  getU32(v.data[off+12:]),
		Right: getU32(v.data[off+28:]),
	}
}

// Leaf decodes bottom-level leaf record i.
func (v View) Leaf(i uint32) LeafRecord {
	off := v.leafOffset() + int(i)*LeafRecordSize
	return LeafRecord{
		GeometryIndex:  getU32(v.data[off:]),
		PrimitiveIndex: getU32(v.data[off+4:]),
		Flags:          geometry.Flags(getU32(v.data[off+8:])),
	}
}

// Triangle decodes the vertices of leaf triangle i.
func (v View) Triangle(i uint32) [3]vecmath.Vec3 {
	off := v.leafOffset() + int(v.hdr.LeafCount)*LeafRecordSize + int(i)*TriangleSize
	return [3]vecmath.Vec3{
		getVec3(v.data[off:]),
		getVec3(v.data[off+12:]),
		getVec3(v.data[off+24:]),
	}
}

// Instance decodes top-level instance record i.
func (v View) Instance(i uint32) Instance {
	return DecodeInstance(v.data[v.leafOffset()+int(i)*InstanceSize:])
}

// Decode converts the full blob back into a Tree.
func (v View) Decode() *Tree {
	t := &Tree{Header: v.hdr}
	t.Nodes = make([]Node, v.hdr.NodeCount)
	for i := range t.Nodes {
		t.Nodes[i] = v.Node(uint32(i))
	}
	switch v.hdr.Kind {
	case KindTopLevel:
		t.Instances = make([]Instance, v.hdr.LeafCount)
		for i := range t.Instances {
			t.Instances[i] = v.Instance(uint32(i))
		}
	default:
		t.Leaves = make([]LeafRecord, v.hdr.LeafCount)
		for i := range t.Leaves {
			t.Leaves[i] = v.Leaf(uint32(i))
		}
		if v.hdr.GeometryKind == geometry.KindTriangles {
			t.Triangles = make([][3]vecmath.Vec3, v.hdr.LeafCount)
			for i := range t.Triangles {
				t.Triangles[i] = v.Triangle(uint32(i))
			}
		}
	}
	return t
}

// leafOffset returns the byte offset of the leaf (or instance) array.
func (v View) leafOffset() int {
	return HeaderSize + int(v.hdr.NodeCount)*NodeSize
}

func putU32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func getU32(b []byte) uint32    { return binary.LittleEndian.Uint32(b) }

func putF32(b []byte, v float32) { binary.LittleEndian.PutUint32(b, math.Float32bits(v)) }
func getF32(b []byte) float32    { return math.Float32frombits(binary.LittleEndian.Uint32(b)) }

func putVec3(b []byte, v vecmath.Vec3) {
	putF32(b[0:], v[0])
	putF32(b[4:], v[1])
	putF32(b[8:], v[2])
}

func getVec3(b []byte) vecmath.Vec3 {
	return vecmath.Vec3{getF32(b[0:]), getF32(b[4:]), getF32(b[8:])}
}
