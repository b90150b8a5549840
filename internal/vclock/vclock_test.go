package vclock

import "testing"

func TestIncrementMonotonic(t *testing.T) {
	c := New()
	c.Increment("a")
	first, _ := c.Get("a")
	c.Increment("a")
	second, _ := c.Get("a")

	if second.Count != first.Count+1 {
		t.Fatalf("count = %d, want %d", second.Count, first.Count+1)
	}
	if second.TimeUs < first.TimeUs {
		t.Fatalf("time_us went backwards: %d -> %d", first.TimeUs, second.TimeUs)
	}
	if second.InsertUs != first.InsertUs {
		t.Fatalf("insert_us changed on increment: %d -> %d", first.InsertUs, second.InsertUs)
	}
}

func TestMergeKeepsGreaterCount(t *testing.T) {
	a := New()
	a.Update("x", 5, 100)
	b := New()
	b.Update("x", 7, 50)

	a.Merge(b)
	e, _ := a.Get("x")
	if e.Count != 7 {
		t.Fatalf("count = %d, want 7", e.Count)
	}
}

func TestMergeTieBreaksOnTime(t *testing.T) {
	a := New()
	a.Update("x", 5, 100)
	b := New()
	b.Update("x", 5, 200)

	a.Merge(b)
	e, _ := a.Get("x")
	if e.TimeUs != 200 {
		t.Fatalf("time_us = %d, want 200 (tie-break on greater time)", e.TimeUs)
	}
}

func TestDescendsRequiresAllActorCounts(t *testing.T) {
	a := New()
	a.Update("x", 3, 1)
	a.Update("y", 3, 1)

	b := New()
	b.Update("x", 3, 1)
	b.Update("y", 4, 1)

	if a.Descends(b) {
		t.Fatalf("a should not descend b: y lags")
	}

	a.Update("y", 4, 1)
	if !a.Descends(b) {
		t.Fatalf("a should descend b after catching up")
	}
}

func TestMergeIsJoinSemilattice(t *testing.T) {
	a := New()
	a.Update("x", 2, 1)
	b := New()
	b.Update("x", 5, 1)
	b.Update("y", 1, 1)

	merged := a.Clone()
	merged.Merge(b)

	if !merged.Descends(a) {
		t.Fatalf("merge(a,b) must descend a")
	}
	if !merged.Descends(b) {
		t.Fatalf("merge(a,b) must descend b")
	}
}

func TestTrimNoopBelowLowerBound(t *testing.T) {
	c := New()
	for i := 0; i < 5; i++ {
		c.Update(string(rune('a'+i)), 1, uint64(i))
	}
	opts := TrimOpts{LowerBound: 10, YoungBound: 0, UpperBound: 1, OldBound: 0}
	c.Trim(1000, opts)
	if c.Size() != 5 {
		t.Fatalf("size = %d, want 5 (no-op below lower bound)", c.Size())
	}
}

func TestTrimRespectsUpperBound(t *testing.T) {
	c := New()
	for i := 0; i < 20; i++ {
		c.Update(string(rune('a'+i)), 1, uint64(i*1000))
	}
	opts := TrimOpts{LowerBound: 5, YoungBound: 0, UpperBound: 3, OldBound: 1 << 62}
	c.Trim(uint64(20*1000), opts)
	if c.Size() > 3 {
		t.Fatalf("size = %d, want <= 3 after trim with upper bound 3", c.Size())
	}
}
