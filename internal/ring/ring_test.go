package ring

import (
	"testing"

	"github.com/adred-codev/meshring/internal/node"
)

func mkNode(id string) node.Node {
	return node.Node{ID: id, Host: "127.0.0.1", Port: 9000}
}

func TestInsertIsIdempotentAndExact(t *testing.T) {
	r := New(3, 2)
	n := mkNode("a")
	r.Insert(n, 0)
	r.Insert(n, 0)

	if r.Size() != 3 {
		t.Fatalf("size = %d, want 3", r.Size())
	}
	if r.Weight("a") != 3 {
		t.Fatalf("weight = %d, want 3", r.Weight("a"))
	}
}

func TestRemoveDropsAllVirtualKeys(t *testing.T) {
	r := New(3, 2)
	r.Insert(mkNode("a"), 0)
	r.Insert(mkNode("b"), 0)
	r.Remove(mkNode("a"))

	if r.Size() != 3 {
		t.Fatalf("size = %d, want 3 after removing a", r.Size())
	}
	if r.NumberNodes() != 1 {
		t.Fatalf("numberNodes = %d, want 1", r.NumberNodes())
	}
}

func TestFindIsStableAcrossEquivalentRings(t *testing.T) {
	r1 := New(3, 2)
	r2 := New(3, 2)
	for _, id := range []string{"a", "b", "c"} {
		r1.Insert(mkNode(id), 0)
		r2.Insert(mkNode(id), 0)
	}

	for _, key := range []string{"foo", "bar", "baz", "qux"} {
		n1, ok1 := r1.Find(key)
		n2, ok2 := r2.Find(key)
		if !ok1 || !ok2 || n1.ID != n2.ID {
			t.Fatalf("find(%q) diverged: %v vs %v", key, n1, n2)
		}
	}
}

func TestNextEmptyWhenSizeAtOrBelowRFactor(t *testing.T) {
	r := New(3, 2)
	n := mkNode("a")
	r.Insert(n, 0)

	if got := r.Next(n, 0); len(got) != 0 {
		t.Fatalf("next on single-node ring = %v, want empty", got)
	}
}

func TestNextReturnsDistinctNeighborsUpToPFactor(t *testing.T) {
	r := New(3, 2)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		r.Insert(mkNode(id), 0)
	}
	got := r.Next(mkNode("a"), 0)
	if len(got) > 2 {
		t.Fatalf("next returned %d nodes, want <= pfactor=2", len(got))
	}
	seen := map[string]bool{}
	for _, n := range got {
		if n.ID == "a" {
			t.Fatalf("next included self")
		}
		if seen[n.ID] {
			t.Fatalf("next returned duplicate %s", n.ID)
		}
		seen[n.ID] = true
	}
}

func TestMergeRequiresMatchingParams(t *testing.T) {
	r1 := New(3, 2)
	r2 := New(4, 2)
	if err := r1.Merge(r2); err != ErrParamMismatch {
		t.Fatalf("err = %v, want ErrParamMismatch", err)
	}
}

func TestMergeUnionsKeysAndIntersectRestoresOverlap(t *testing.T) {
	r1 := New(3, 2)
	r1.Insert(mkNode("a"), 0)
	r2 := New(3, 2)
	r2.Insert(mkNode("a"), 0)
	r2.Insert(mkNode("b"), 0)

	if err := r1.Merge(r2); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if r1.NumberNodes() != 2 {
		t.Fatalf("after merge numberNodes = %d, want 2", r1.NumberNodes())
	}

	if err := r1.Intersect(r2); err != nil {
		t.Fatalf("intersect: %v", err)
	}
	if r1.NumberNodes() != 2 {
		t.Fatalf("after intersect (equal sets) numberNodes = %d, want 2", r1.NumberNodes())
	}
}

func TestEqualsRequiresSameKeysAndParams(t *testing.T) {
	r1 := New(3, 2)
	r1.Insert(mkNode("a"), 0)
	r2 := r1.Clone()
	if !r1.Equals(r2) {
		t.Fatalf("clone should equal original")
	}
	r2.Insert(mkNode("b"), 0)
	if r1.Equals(r2) {
		t.Fatalf("rings with different node sets should not be equal")
	}
}

func TestEveryNodeExactlyZeroOrRFactorPositions(t *testing.T) {
	r := New(4, 2)
	r.Insert(mkNode("a"), 0)
	r.Insert(mkNode("b"), 0)
	r.Remove(mkNode("b"))

	if w := r.Weight("a"); w != 0 && w != 4 {
		t.Fatalf("weight(a) = %d, want 0 or rfactor=4", w)
	}
	if w := r.Weight("b"); w != 0 {
		t.Fatalf("weight(b) = %d, want 0 after remove", w)
	}
}
