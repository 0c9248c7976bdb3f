// Package store tracks live acceleration structures by GPU virtual address.
//
// The store is the only shared mutable state between command-list
// recordings. It holds weak references: blobs are owned by the caller's GPU
// allocations, and the store learns about their death through the backend's
// release callback. Parent/child relationships (top-level structures
// referencing bottom-level ones) are expressed as address references
// resolved through the store, never as owning pointers, so the potential
// reference cycle of the hierarchy never becomes an ownership cycle.
package store

import (
	"fmt"
	"sync"

	"github.com/gogpu/rtfallback"
	"github.com/gogpu/rtfallback/backend"
	"github.com/gogpu/rtfallback/bvh"
)

// Record describes one tracked acceleration structure.
type Record struct {
	// Address is the blob's GPU virtual address.
	Address uint64

	// Kind is bottom-level or top-level.
	Kind bvh.Kind

	// Flags are the build flags of the most recent build.
	Flags bvh.BuildFlags

	// Version is the store's monotonic build counter value assigned at
	// the most recent successful build of this address.
	Version uint64

	// Children maps referenced bottom-level addresses to the version
	// each had when this top-level structure was last built. Nil for
	// bottom-level records.
	Children map[uint64]uint64
}

// Store maintains the address-to-record mapping for one device.
//
// Thread safety: lookups take a read lock, registration and lifecycle
// notifications take the write lock. Distinct command lists may record on
// distinct goroutines; the store is their only synchronization point.
type Store struct {
	mu      sync.RWMutex
	records map[uint64]*Record

	// parents maps a bottom-level address to the set of top-level
	// addresses whose last build referenced it.
	parents map[uint64]map[uint64]struct{}

	// nextVersion is the monotonic build counter.
	nextVersion uint64
}

// New creates an empty store.
func New() *Store {
	return &Store{
		records: make(map[uint64]*Record),
		parents: make(map[uint64]map[uint64]struct{}),
	}
}

// Attach registers the store's lifecycle callbacks with the backend:
// buffer releases unregister records, and device removal clears the store.
// Call once at device startup.
func (s *Store) Attach(b backend.Backend) {
	b.NotifyRelease(s.release)
	b.NotifyDeviceRemoved(s.Clear)
}

// Lookup returns a copy of the record at addr.
func (s *Store) Lookup(addr uint64) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[addr]
	if !ok {
		return Record{}, false
	}
	out := *r
	if r.Children != nil {
		out.Children = make(map[uint64]uint64, len(r.Children))
		for k, v := range r.Children {
			out.Children[k] = v
		}
	}
	return out, true
}

// Count returns the number of tracked structures.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Register records a successful build at addr and returns the version
// assigned to it. children lists the bottom-level addresses a top-level
// build references; each must already be registered or the registration
// fails with [rtfallback.ErrDanglingReference] and no state changes.
//
// Re-registering an address (a rebuild) replaces the record and bumps the
// version.
func (s *Store) Register(addr uint64, kind bvh.Kind, flags bvh.BuildFlags, children []uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var childVersions map[uint64]uint64
	if kind == bvh.KindTopLevel {
		childVersions = make(map[uint64]uint64, len(children))
		for _, c := range children {
			cr, ok := s.records[c]
			if !ok || cr.Kind != bvh.KindBottomLevel {
				return 0, fmt.Errorf("%w: instance references %#x", rtfallback.ErrDanglingReference, c)
			}
			childVersions[c] = cr.Version
		}
	}

	// Drop stale parent links from a previous build of this address.
	s.unlinkParentsLocked(addr)

	s.nextVersion++
	s.records[addr] = &Record{
		Address:  addr,
		Kind:     kind,
		Flags:    flags,
		Version:  s.nextVersion,
		Children: childVersions,
	}
	for c := range childVersions {
		set := s.parents[c]
		if set == nil {
			set = make(map[uint64]struct{})
			s.parents[c] = set
		}
		set[addr] = struct{}{}
	}

	rtfallback.Logger().Debug("acceleration structure registered",
		"addr", addr, "kind", kind.String(), "version", s.nextVersion)
	return s.nextVersion, nil
}

// ValidateRefitChildren checks that every referenced bottom-level address
// is still registered at the exact version captured when the top-level
// structure at addr was last built. A refit over changed children would
// traverse stale bounds, so it is rejected with
// [rtfallback.ErrDanglingReference].
func (s *Store) ValidateRefitChildren(addr uint64, children []uint64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[addr]
	if !ok {
		return fmt.Errorf("%w: refit target %#x not registered", rtfallback.ErrDanglingReference, addr)
	}
	for _, c := range children {
		cr, ok := s.records[c]
		if !ok {
			return fmt.Errorf("%w: instance references %#x", rtfallback.ErrDanglingReference, c)
		}
		want, ok := rec.Children[c]
		if !ok || cr.Version != want {
			return fmt.Errorf("%w: %#x rebuilt since the last top-level build (version %d, expected %d)",
				rtfallback.ErrDanglingReference, c, cr.Version, want)
		}
	}
	return nil
}

// release is the backend buffer-release callback. Any record whose blob
// lived at addr is dropped; top-level structures still referencing a
// dropped bottom-level structure fail their next build-time validation.
func (s *Store) release(addr uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[addr]; !ok {
		return
	}
	if set := s.parents[addr]; len(set) > 0 {
		rtfallback.Logger().Warn("bottom-level structure freed while referenced",
			"addr", addr, "parents", len(set))
	}
	delete(s.parents, addr)
	s.unlinkParentsLocked(addr)
	delete(s.records, addr)
}

// unlinkParentsLocked removes addr from the parent sets of its children.
// The caller must hold s.mu.
func (s *Store) unlinkParentsLocked(addr uint64) {
	old, ok := s.records[addr]
	if !ok || old.Children == nil {
		return
	}
	for c := range old.Children {
		if set := s.parents[c]; set != nil {
			delete(set, addr)
			if len(set) == 0 {
				delete(s.parents, c)
			}
		}
	}
}

// Clear drops every record. Called on device removal: all outstanding
// handles are invalid and the host must build a new device.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.records)
	s.records = make(map[uint64]*Record)
	s.parents = make(map[uint64]map[uint64]struct{})
	if n > 0 {
		rtfallback.Logger().Warn("store cleared", "dropped", n)
	}
}
