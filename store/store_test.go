package store

import (
	"errors"
	"testing"

	"github.com/gogpu/rtfallback"
	"github.com/gogpu/rtfallback/backend"
	"github.com/gogpu/rtfallback/bvh"
)

func TestRegisterAndLookup(t *testing.T) {
	s := New()

	v1, err := s.Register(0x1000, bvh.KindBottomLevel, bvh.FlagAllowUpdate, nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	v2, err := s.Register(0x2000, bvh.KindBottomLevel, 0, nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if v2 <= v1 {
		t.Errorf("versions not monotonic: %d then %d", v1, v2)
	}

	rec, ok := s.Lookup(0x1000)
	if !ok {
		t.Fatal("Lookup missed a registered address")
	}
	if rec.Kind != bvh.KindBottomLevel || rec.Flags != bvh.FlagAllowUpdate || rec.Version != v1 {
		t.Errorf("record = %+v", rec)
	}
	if _, ok := s.Lookup(0x3000); ok {
		t.Error("Lookup hit an unregistered address")
	}
	if s.Count() != 2 {
		t.Errorf("Count = %d, want 2", s.Count())
	}
}

func TestRegisterRebuildBumpsVersion(t *testing.T) {
	s := New()
	v1, _ := s.Register(0x1000, bvh.KindBottomLevel, 0, nil)
	v2, err := s.Register(0x1000, bvh.KindBottomLevel, 0, nil)
	if err != nil {
		t.Fatalf("rebuild Register failed: %v", err)
	}
	if v2 <= v1 {
		t.Errorf("rebuild version %d not above %d", v2, v1)
	}
	if s.Count() != 1 {
		t.Errorf("Count = %d after rebuild, want 1", s.Count())
	}
}

func TestRegisterTopLevelChildren(t *testing.T) {
	s := New()

	// A top-level build over unregistered children fails and changes
	// nothing.
	if _, err := s.Register(0x8000, bvh.KindTopLevel, 0, []uint64{0x1000}); !errors.Is(err, rtfallback.ErrDanglingReference) {
		t.Fatalf("got %v, want ErrDanglingReference", err)
	}
	if s.Count() != 0 {
		t.Errorf("failed registration left %d records", s.Count())
	}

	cv, _ := s.Register(0x1000, bvh.KindBottomLevel, 0, nil)
	if _, err := s.Register(0x8000, bvh.KindTopLevel, 0, []uint64{0x1000}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	rec, _ := s.Lookup(0x8000)
	if rec.Children[0x1000] != cv {
		t.Errorf("captured child version = %d, want %d", rec.Children[0x1000], cv)
	}

	// A top-level address is not a valid child.
	if _, err := s.Register(0x9000, bvh.KindTopLevel, 0, []uint64{0x8000}); !errors.Is(err, rtfallback.ErrDanglingReference) {
		t.Errorf("top-level child accepted: %v", err)
	}
}

func TestValidateRefitChildren(t *testing.T) {
	s := New()
	s.Register(0x1000, bvh.KindBottomLevel, bvh.FlagAllowUpdate, nil)
	s.Register(0x8000, bvh.KindTopLevel, bvh.FlagAllowUpdate, []uint64{0x1000})

	if err := s.ValidateRefitChildren(0x8000, []uint64{0x1000}); err != nil {
		t.Fatalf("ValidateRefitChildren failed: %v", err)
	}

	// Rebuilding the child bumps its version; the captured version no
	// longer matches and the refit is rejected.
	s.Register(0x1000, bvh.KindBottomLevel, bvh.FlagAllowUpdate, nil)
	if err := s.ValidateRefitChildren(0x8000, []uint64{0x1000}); !errors.Is(err, rtfallback.ErrDanglingReference) {
		t.Errorf("stale child accepted: %v", err)
	}

	// An unregistered refit target is rejected.
	if err := s.ValidateRefitChildren(0x7000, nil); !errors.Is(err, rtfallback.ErrDanglingReference) {
		t.Errorf("unknown target accepted: %v", err)
	}

	// A child the last build never referenced is rejected.
	s.Register(0x2000, bvh.KindBottomLevel, 0, nil)
	if err := s.ValidateRefitChildren(0x8000, []uint64{0x2000}); !errors.Is(err, rtfallback.ErrDanglingReference) {
		t.Errorf("unreferenced child accepted: %v", err)
	}
}

func TestAttachLifecycle(t *testing.T) {
	b := backend.NewSoftware()
	if err := b.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer b.Close()

	s := New()
	s.Attach(b)

	addr, err := b.Allocate(256)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if _, err := s.Register(addr, bvh.KindBottomLevel, 0, nil); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// Freeing the buffer drops the record through the release callback.
	if err := b.Free(addr); err != nil {
		t.Fatalf("Free failed: %v", err)
	}
	if _, ok := s.Lookup(addr); ok {
		t.Error("record survived buffer free")
	}

	// Device removal clears everything.
	addr2, _ := b.Allocate(256)
	s.Register(addr2, bvh.KindBottomLevel, 0, nil)
	b.ForceDeviceRemoved()
	if s.Count() != 0 {
		t.Errorf("Count = %d after device removal, want 0", s.Count())
	}
}
