package builder

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/gogpu/rtfallback"
	"github.com/gogpu/rtfallback/backend"
	"github.com/gogpu/rtfallback/bvh"
	"github.com/gogpu/rtfallback/geometry"
)

// InfoType selects which postbuild property to emit.
type InfoType uint32

const (
	// InfoCompactedSize is the exact byte size a compacting copy of the
	// structure will occupy.
	InfoCompactedSize InfoType = iota

	// InfoSerializationSize is the pair (serialized byte size, number of
	// bottom-level pointers) a serializing copy will produce.
	InfoSerializationSize

	// InfoCurrentSize is the structure's current byte size.
	InfoCurrentSize

	// InfoVisualizationSize is the byte size of the tools-visualization
	// decode of the structure.
	InfoVisualizationSize
)

// String returns the string representation of InfoType.
func (t InfoType) String() string {
	switch t {
	case InfoCompactedSize:
		return "CompactedSize"
	case InfoSerializationSize:
		return "SerializationSize"
	case InfoCurrentSize:
		return "CurrentSize"
	case InfoVisualizationSize:
		return "VisualizationSize"
	default:
		return "Unknown"
	}
}

// recordSize returns the emitted record size for the info type.
func (t InfoType) recordSize() uint64 {
	if t == InfoSerializationSize {
		return 16
	}
	return 8
}

// CopyMode selects the transformation applied by Copy.
type CopyMode uint32

const (
	// CopyClone duplicates the structure bytewise.
	CopyClone CopyMode = iota

	// CopyCompact writes the structure at its exact compacted size. The
	// result is immutable; compacting an already-compacted structure is
	// an identity copy.
	CopyCompact

	// CopySerialize writes a relocatable serialized image: a versioned
	// identifier, size fields, the blob, then the distinct bottom-level
	// addresses a top-level structure references.
	CopySerialize

	// CopyDeserialize reconstructs a structure from a serialized image,
	// patching bottom-level references through the remap table.
	CopyDeserialize

	// CopyVisualization decodes the structure into the stable
	// tools-visualization layout for inspection.
	CopyVisualization
)

// String returns the string representation of CopyMode.
func (m CopyMode) String() string {
	switch m {
	case CopyClone:
		return "Clone"
	case CopyCompact:
		return "Compact"
	case CopySerialize:
		return "Serialize"
	case CopyDeserialize:
		return "Deserialize"
	case CopyVisualization:
		return "Visualization"
	default:
		return "Unknown"
	}
}

// CopyDesc is one copy request.
type CopyDesc struct {
	// Source is the source structure address, or for CopyDeserialize the
	// address of the serialized image.
	Source uint64

	// Dest is the destination address.
	Dest uint64

	// Mode selects the transformation.
	Mode CopyMode

	// Remap translates serialized bottom-level addresses to their
	// current locations during CopyDeserialize. Addresses absent from
	// the table pass through unchanged.
	Remap map[uint64]uint64
}

// Serialized image layout.
const (
	// serializedHeaderSize is identifier (32) + serialized size (8) +
	// deserialized size (8) + pointer count (8).
	serializedHeaderSize = 56
)

// serializedIdentifier ties a serialized image to this builder revision.
// Deserialization compares all 32 bytes; any mismatch is rejected.
var serializedIdentifier = [32]byte{
	'F', 'B', 'V', 'H', '-', 'S', 'E', 'R', 0x4b, 0x1e, 0x9c, 0x27, 0x60, 0x3a, 0xd5, 0x81,
	1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// ParseSerializedHeader validates the identifier of a serialized image and
// returns its total size, the size the deserialized structure will occupy,
// and the number of bottom-level pointers it carries. Tools use this to
// inspect serialized images without a device.
func ParseSerializedHeader(data []byte) (total, deserialized, pointers uint64, err error) {
	if len(data) < serializedHeaderSize {
		return 0, 0, 0, fmt.Errorf("%w: %d bytes", rtfallback.ErrIncompatibleSerializedBlob, len(data))
	}
	if !bytes.Equal(data[:32], serializedIdentifier[:]) {
		return 0, 0, 0, fmt.Errorf("%w: identifier mismatch", rtfallback.ErrIncompatibleSerializedBlob)
	}
	total = binary.LittleEndian.Uint64(data[32:])
	deserialized = binary.LittleEndian.Uint64(data[40:])
	pointers = binary.LittleEndian.Uint64(data[48:])
	if total != serializedHeaderSize+8*pointers+deserialized {
		return 0, 0, 0, fmt.Errorf("%w: inconsistent sizes", rtfallback.ErrIncompatibleSerializedBlob)
	}
	return total, deserialized, pointers, nil
}

// EmitPostbuildInfo records the emission of one postbuild record per
// source structure into a packed array at dest. Sources are validated
// against the store at record time; record contents are computed from the
// blobs at execution time.
func (b *Builder) EmitPostbuildInfo(cb backend.CommandBuffer, mem backend.Memory, infoType InfoType, sources []uint64, dest uint64) error {
	for i, src := range sources {
		if _, ok := b.store.Lookup(src); !ok {
			return fmt.Errorf("%w: postbuild source %d at %#x is not a built structure",
				rtfallback.ErrDanglingReference, i, src)
		}
	}
	stride := infoType.recordSize()
	if _, err := mem.Map(dest, stride*uint64(len(sources))); err != nil {
		return fmt.Errorf("builder: postbuild destination: %w", err)
	}

	srcs := append([]uint64(nil), sources...)
	cb.RecordHostWork("EmitPostbuildInfo "+infoType.String(), func(m backend.Memory) error {
		out, err := m.Map(dest, stride*uint64(len(srcs)))
		if err != nil {
			return err
		}
		for i, src := range srcs {
			view, err := bvh.MapBlob(m, src)
			if err != nil {
				return err
			}
			rec := out[uint64(i)*stride:]
			switch infoType {
			case InfoSerializationSize:
				size, ptrs := serializedSize(view)
				binary.LittleEndian.PutUint64(rec, size)
				binary.LittleEndian.PutUint64(rec[8:], ptrs)
			case InfoVisualizationSize:
				binary.LittleEndian.PutUint64(rec, visualizationSize(view))
			default:
				h := view.Header()
				binary.LittleEndian.PutUint64(rec,
					bvh.Size(h.Kind, h.GeometryKind, h.NodeCount, h.LeafCount))
			}
		}
		return nil
	})
	return nil
}

// serializedSize returns the serialized image size of view and the number
// of bottom-level pointers it will carry: one per distinct non-null child
// a top-level structure references, zero for a bottom-level one.
func serializedSize(view bvh.View) (uint64, uint64) {
	ptrs := uint64(len(childrenOf(view)))
	h := view.Header()
	blob := bvh.Size(h.Kind, h.GeometryKind, h.NodeCount, h.LeafCount)
	return serializedHeaderSize + 8*ptrs + blob, ptrs
}

// visualizationSize returns the size of the tools-visualization decode: an
// 8-byte header, then per-instance records for a top-level structure or
// per-geometry summaries for a bottom-level one.
func visualizationSize(view bvh.View) uint64 {
	h := view.Header()
	if h.Kind == bvh.KindTopLevel {
		return 8 + uint64(h.LeafCount)*bvh.InstanceSize
	}
	return 8 + uint64(geometryCount(view))*16
}

func geometryCount(view bvh.View) uint32 {
	h := view.Header()
	var max uint32
	for i := uint32(0); i < h.LeafCount; i++ {
		if g := view.Leaf(i).GeometryIndex + 1; g > max {
			max = g
		}
	}
	return max
}

// Copy validates desc and records the copy onto cb. Clone, compact, and
// deserialize destinations are registered with the store; serialize and
// visualization destinations are plain buffers.
func (b *Builder) Copy(cb backend.CommandBuffer, mem backend.Memory, desc CopyDesc) error {
	switch desc.Mode {
	case CopyClone, CopyCompact, CopySerialize, CopyVisualization:
		return b.copyFromStructure(cb, mem, desc)
	case CopyDeserialize:
		return b.copyDeserialize(cb, mem, desc)
	default:
		return fmt.Errorf("builder: unknown copy mode %d", desc.Mode)
	}
}

func (b *Builder) copyFromStructure(cb backend.CommandBuffer, mem backend.Memory, desc CopyDesc) error {
	rec, ok := b.store.Lookup(desc.Source)
	if !ok {
		return fmt.Errorf("%w: copy source %#x is not a built structure",
			rtfallback.ErrDanglingReference, desc.Source)
	}
	view, err := bvh.MapBlob(mem, desc.Source)
	if err != nil {
		return fmt.Errorf("builder: copy source: %w", err)
	}

	var need uint64
	destFlags := rec.Flags
	switch desc.Mode {
	case CopyClone:
		h := view.Header()
		need = bvh.Size(h.Kind, h.GeometryKind, h.NodeCount, h.LeafCount)
	case CopyCompact:
		if rec.Flags&(bvh.FlagAllowCompaction|bvh.FlagCompacted) == 0 {
			return fmt.Errorf("%w: %#x built without the allow-compaction flag",
				rtfallback.ErrUpdateNotPermitted, desc.Source)
		}
		h := view.Header()
		need = bvh.Size(h.Kind, h.GeometryKind, h.NodeCount, h.LeafCount)
		destFlags = rec.Flags&^bvh.FlagAllowUpdate | bvh.FlagCompacted
	case CopySerialize:
		need, _ = serializedSize(view)
	case CopyVisualization:
		need = visualizationSize(view)
	}
	if _, err := mem.Map(desc.Dest, need); err != nil {
		return fmt.Errorf("builder: copy destination: %w", err)
	}

	if desc.Mode == CopyClone || desc.Mode == CopyCompact {
		children := childrenOf(view)
		if desc.Dest%bvh.BlobAlignment != 0 {
			return fmt.Errorf("%w: destination %#x not %d-byte aligned",
				rtfallback.ErrInvalidGeometry, desc.Dest, bvh.BlobAlignment)
		}
		if _, err := b.store.Register(desc.Dest, rec.Kind, destFlags, children); err != nil {
			return err
		}
	}

	src, dst, mode, flags := desc.Source, desc.Dest, desc.Mode, destFlags
	cb.RecordHostWork("Copy "+mode.String(), func(m backend.Memory) error {
		return runCopy(m, src, dst, mode, flags)
	})
	return nil
}

// childrenOf returns the distinct bottom-level addresses a top-level view
// references.
func childrenOf(view bvh.View) []uint64 {
	h := view.Header()
	if h.Kind != bvh.KindTopLevel {
		return nil
	}
	instances := make([]bvh.Instance, h.LeafCount)
	for i := range instances {
		instances[i] = view.Instance(uint32(i))
	}
	return childAddresses(instances)
}

// runCopy executes a recorded non-deserializing copy.
func runCopy(m backend.Memory, src, dst uint64, mode CopyMode, flags bvh.BuildFlags) error {
	view, err := bvh.MapBlob(m, src)
	if err != nil {
		return err
	}
	switch mode {
	case CopyClone, CopyCompact:
		tree := view.Decode()
		tree.Header.Flags = flags
		return writeTree(m, dst, tree)
	case CopySerialize:
		return runSerialize(m, view, dst)
	case CopyVisualization:
		return runVisualization(m, view, dst)
	default:
		return fmt.Errorf("builder: unknown copy mode %d", mode)
	}
}

func runSerialize(m backend.Memory, view bvh.View, dst uint64) error {
	h := view.Header()
	total, ptrs := serializedSize(view)
	blobSize := bvh.Size(h.Kind, h.GeometryKind, h.NodeCount, h.LeafCount)

	out, err := m.Map(dst, total)
	if err != nil {
		return err
	}
	copy(out[:32], serializedIdentifier[:])
	binary.LittleEndian.PutUint64(out[32:], total)
	binary.LittleEndian.PutUint64(out[40:], blobSize)
	binary.LittleEndian.PutUint64(out[48:], ptrs)

	// Blob first, then the pointer fixups.
	if err := view.Decode().Encode(out[serializedHeaderSize : serializedHeaderSize+blobSize]); err != nil {
		return err
	}
	off := serializedHeaderSize + blobSize
	for _, addr := range childrenOf(view) {
		binary.LittleEndian.PutUint64(out[off:], addr)
		off += 8
	}
	return nil
}

func runVisualization(m backend.Memory, view bvh.View, dst uint64) error {
	h := view.Header()
	out, err := m.Map(dst, visualizationSize(view))
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(out, uint32(h.Kind))

	if h.Kind == bvh.KindTopLevel {
		binary.LittleEndian.PutUint32(out[4:], h.LeafCount)
		for i := uint32(0); i < h.LeafCount; i++ {
			bvh.EncodeInstance(out[8+i*bvh.InstanceSize:], view.Instance(i))
		}
		return nil
	}

	// Per-geometry summary: kind, flags, and primitive count of each
	// geometry that contributed leaves.
	count := geometryCount(view)
	binary.LittleEndian.PutUint32(out[4:], count)
	type summary struct {
		flags geometry.Flags
		prims uint32
	}
	sums := make([]summary, count)
	for i := uint32(0); i < h.LeafCount; i++ {
		l := view.Leaf(i)
		sums[l.GeometryIndex].flags = l.Flags
		sums[l.GeometryIndex].prims++
	}
	for g, s := range sums {
		rec := out[8+g*16:]
		binary.LittleEndian.PutUint32(rec, uint32(g))
		binary.LittleEndian.PutUint32(rec[4:], uint32(h.GeometryKind))
		binary.LittleEndian.PutUint32(rec[8:], uint32(s.flags))
		binary.LittleEndian.PutUint32(rec[12:], s.prims)
	}
	return nil
}

func (b *Builder) copyDeserialize(cb backend.CommandBuffer, mem backend.Memory, desc CopyDesc) error {
	hdr, err := mem.Map(desc.Source, serializedHeaderSize)
	if err != nil {
		return fmt.Errorf("builder: serialized source: %w", err)
	}
	total, blobSize, _, err := ParseSerializedHeader(hdr)
	if err != nil {
		return err
	}
	img, err := mem.Map(desc.Source, total)
	if err != nil {
		return fmt.Errorf("builder: serialized source: %w", err)
	}
	if desc.Dest%bvh.BlobAlignment != 0 {
		return fmt.Errorf("%w: destination %#x not %d-byte aligned",
			rtfallback.ErrInvalidGeometry, desc.Dest, bvh.BlobAlignment)
	}
	if _, err := mem.Map(desc.Dest, blobSize); err != nil {
		return fmt.Errorf("builder: copy destination: %w", err)
	}

	view, err := bvh.DecodeView(img[serializedHeaderSize : serializedHeaderSize+blobSize])
	if err != nil {
		return fmt.Errorf("%w: %v", rtfallback.ErrIncompatibleSerializedBlob, err)
	}
	tree := view.Decode()
	remapInstances(tree, desc.Remap)

	rec := tree.Header
	children := childAddresses(tree.Instances)
	if _, err := b.store.Register(desc.Dest, rec.Kind, rec.Flags, children); err != nil {
		return err
	}

	dst := desc.Dest
	cb.RecordHostWork("Copy Deserialize", func(m backend.Memory) error {
		return writeTree(m, dst, tree)
	})
	return nil
}

// remapInstances rewrites each instance's bottom-level address through the
// remap table.
func remapInstances(tree *bvh.Tree, remap map[uint64]uint64) {
	for i := range tree.Instances {
		if addr, ok := remap[tree.Instances[i].BLASAddress]; ok {
			tree.Instances[i].BLASAddress = addr
		}
	}
}
