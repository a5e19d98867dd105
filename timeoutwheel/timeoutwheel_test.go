package timeoutwheel_test

import (
	"sort"
	"testing"

	"pgregory.net/rapid"

	"github.com/vancouver-project/vancouvervmm/timeoutwheel"
)

func TestAllocExhaustion(t *testing.T) {
	w := timeoutwheel.New(3)
	var handles []timeoutwheel.Handle
	for i := 0; i < 3; i++ {
		h := w.Alloc()
		if h == 0 {
			t.Fatalf("Alloc %d returned sentinel before capacity was exhausted", i)
		}
		handles = append(handles, h)
	}
	if h := w.Alloc(); h != 0 {
		t.Fatalf("Alloc past capacity returned %d, want sentinel 0", h)
	}

	w.Cancel(handles[0])
	if h := w.Alloc(); h == 0 {
		t.Fatal("Alloc after Cancel returned sentinel, want a reused handle")
	}
}

func TestRequestRejectsUnknownHandle(t *testing.T) {
	w := timeoutwheel.New(2)
	if w.Request(0, 100) {
		t.Fatal("Request accepted the reserved zero handle")
	}
	if w.Request(99, 100) {
		t.Fatal("Request accepted an out-of-range handle")
	}
}

func TestTriggerOrdersByDeadlineThenHandle(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 16).Draw(t, "n")
		w := timeoutwheel.New(n)

		type armed struct {
			h   timeoutwheel.Handle
			abs uint64
		}
		var entries []armed
		for i := 0; i < n; i++ {
			h := w.Alloc()
			abs := uint64(rapid.IntRange(0, 10).Draw(t, "abs"))
			w.Request(h, abs)
			entries = append(entries, armed{h, abs})
		}

		sort.Slice(entries, func(i, j int) bool {
			if entries[i].abs != entries[j].abs {
				return entries[i].abs < entries[j].abs
			}
			return entries[i].h < entries[j].h
		})

		for _, want := range entries {
			got, ok := w.Trigger(10)
			if !ok {
				t.Fatalf("Trigger returned no handle, want %d", want.h)
			}
			if got != want.h {
				t.Fatalf("Trigger returned handle %d, want %d (deadline order violated)", got, want.h)
			}
		}
		if _, ok := w.Trigger(10); ok {
			t.Fatal("Trigger returned a handle after every armed handle was drained")
		}
	})
}

func TestTriggerRespectsNow(t *testing.T) {
	w := timeoutwheel.New(4)
	h1 := w.Alloc()
	w.Request(h1, 100)
	h2 := w.Alloc()
	w.Request(h2, 50)

	if _, ok := w.Trigger(10); ok {
		t.Fatal("Trigger fired a handle whose deadline is in the future")
	}
	got, ok := w.Trigger(50)
	if !ok || got != h2 {
		t.Fatalf("Trigger(50) = (%d, %v), want (%d, true)", got, ok, h2)
	}
}

func TestPendingMatchesPostTriggerOrder(t *testing.T) {
	w := timeoutwheel.New(5)
	deadlines := []uint64{30, 10, 20, 10, 5}
	var handles []timeoutwheel.Handle
	for _, d := range deadlines {
		h := w.Alloc()
		w.Request(h, d)
		handles = append(handles, h)
	}

	pending := w.Pending()
	if len(pending) != len(handles) {
		t.Fatalf("Pending returned %d handles, want %d", len(pending), len(handles))
	}

	var drained []timeoutwheel.Handle
	for {
		h, ok := w.Trigger(^uint64(0))
		if !ok {
			break
		}
		drained = append(drained, h)
	}

	if len(pending) != len(drained) {
		t.Fatalf("Pending/drain length mismatch: %d vs %d", len(pending), len(drained))
	}
	for i := range pending {
		if pending[i] != drained[i] {
			t.Fatalf("Pending order %v does not match drain order %v", pending, drained)
		}
	}
}
