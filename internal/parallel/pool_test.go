package parallel

import (
	"sync/atomic"
	"testing"
)

func TestForRangeCoversAll(t *testing.T) {
	p := NewWorkerPool(4)
	defer p.Close()

	const n = 1000
	var visits [n]atomic.Int32
	p.ForRange(n, func(start, end int) {
		for i := start; i < end; i++ {
			visits[i].Add(1)
		}
	})
	for i := range visits {
		if got := visits[i].Load(); got != 1 {
			t.Fatalf("index %d visited %d times", i, got)
		}
	}
}

func TestForRangeSmallInputs(t *testing.T) {
	p := NewWorkerPool(8)
	defer p.Close()

	// Fewer items than workers still covers everything exactly once.
	var count atomic.Int32
	p.ForRange(3, func(start, end int) {
		count.Add(int32(end - start))
	})
	if count.Load() != 3 {
		t.Errorf("covered %d indices, want 3", count.Load())
	}

	// Zero and negative ranges are no-ops.
	p.ForRange(0, func(start, end int) { t.Error("fn called for n=0") })
	p.ForRange(-5, func(start, end int) { t.Error("fn called for n<0") })
}

func TestExecuteAll(t *testing.T) {
	p := NewWorkerPool(2)
	defer p.Close()

	var sum atomic.Int64
	work := make([]func(), 64)
	for i := range work {
		v := int64(i)
		work[i] = func() { sum.Add(v) }
	}
	p.ExecuteAll(work)
	if got := sum.Load(); got != 64*63/2 {
		t.Errorf("sum = %d, want %d", got, 64*63/2)
	}

	// Empty work returns immediately.
	p.ExecuteAll(nil)
}

func TestDefaultWorkerCount(t *testing.T) {
	p := NewWorkerPool(0)
	defer p.Close()
	if p.Workers() < 1 {
		t.Errorf("Workers = %d, want >= 1", p.Workers())
	}
}

func TestCloseIdempotent(t *testing.T) {
	p := NewWorkerPool(2)
	p.Close()
	p.Close()

	// A closed pool drops new work instead of blocking.
	p.ExecuteAll([]func(){func() { t.Error("work ran after Close") }})
}
