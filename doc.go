// Package rtfallback implements a software fallback for a hardware
// raytracing extension on top of a general-purpose GPU compute backend.
//
// When the underlying driver has no native raytracing support, rtfallback
// emulates acceleration-structure management, shader-table layout, and ray
// dispatch using compute work and host-side bookkeeping. The package tree
// mirrors the pipeline:
//
//   - geometry: normalizes triangle and AABB geometry descriptors.
//   - builder: constructs bounding volume hierarchies (LBVH) for bottom-level
//     (geometry) and top-level (instance) acceleration structures, and
//     implements refit, compaction, clone, and serialization.
//   - bvh: the GPU-readable blob layout and a CPU reference traversal.
//   - store: tracks live acceleration structures by GPU virtual address.
//   - shadertable: computes shader identifiers and record strides.
//   - dispatch: the device, the command-list state machine, and the
//     ray-grid decomposition.
//   - backend: the narrow GPU contract plus a software arena backend; a
//     wgpu-based backend lives in backend/wgpu.
//
// The root package defines the error taxonomy and logging hook shared by
// all subpackages.
//
// rtfallback produces no log output by default. Call SetLogger to enable
// structured logging.
package rtfallback
