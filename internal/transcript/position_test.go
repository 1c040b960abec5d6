package transcript

import "testing"

func TestComparePositionsOrdering(t *testing.T) {
	a := Position{{Ord: 10, Replica: "a"}}
	b := Position{{Ord: 20, Replica: "a"}}
	if ComparePositions(a, b) != -1 {
		t.Fatalf("expected a < b")
	}
	if ComparePositions(b, a) != 1 {
		t.Fatalf("expected b > a")
	}
	if ComparePositions(a, a) != 0 {
		t.Fatalf("expected a == a")
	}

	// A position sorts before any of its extensions.
	ext := Position{{Ord: 10, Replica: "a"}, {Ord: 5, Replica: "b"}}
	if ComparePositions(a, ext) != -1 {
		t.Fatalf("expected prefix < extension")
	}

	// Equal ordinals break ties by replica.
	ra := Position{{Ord: 10, Replica: "a"}}
	rb := Position{{Ord: 10, Replica: "b"}}
	if ComparePositions(ra, rb) != -1 {
		t.Fatalf("expected replica tie-break a < b")
	}
}

func TestBetweenBounds(t *testing.T) {
	left := Position{{Ord: 10, Replica: "a"}}
	right := Position{{Ord: 20, Replica: "a"}}
	mid := Between(left, right, "c")
	if ComparePositions(left, mid) != -1 {
		t.Fatalf("expected left < mid, got %v", mid)
	}
	if ComparePositions(mid, right) != -1 {
		t.Fatalf("expected mid < right, got %v", mid)
	}
}

func TestBetweenOpenEnds(t *testing.T) {
	first := Between(nil, nil, "a")
	if len(first) == 0 {
		t.Fatalf("expected a fresh position")
	}
	after := Between(first, nil, "a")
	if ComparePositions(first, after) != -1 {
		t.Fatalf("expected first < after")
	}
	before := Between(nil, first, "a")
	if ComparePositions(before, first) != -1 {
		t.Fatalf("expected before < first")
	}
}

func TestBetweenAdjacent(t *testing.T) {
	left := Position{{Ord: 10, Replica: "a"}}
	right := Position{{Ord: 11, Replica: "a"}}
	mid := Between(left, right, "b")
	if ComparePositions(left, mid) != -1 || ComparePositions(mid, right) != -1 {
		t.Fatalf("expected left < mid < right with adjacent ordinals, got %v", mid)
	}
}

func TestBetweenEqualOrdDifferentReplica(t *testing.T) {
	left := Position{{Ord: 10, Replica: "a"}}
	right := Position{{Ord: 10, Replica: "b"}}
	mid := Between(left, right, "c")
	if ComparePositions(left, mid) != -1 || ComparePositions(mid, right) != -1 {
		t.Fatalf("expected left < mid < right with replica tie-break, got %v", mid)
	}
}

func TestBetweenRepeatedInsertsStayOrdered(t *testing.T) {
	// Repeatedly inserting before the same right bound must keep minting
	// strictly decreasing fresh positions.
	right := Position{{Ord: 2, Replica: "a"}}
	prev := right
	for i := 0; i < 64; i++ {
		p := Between(nil, prev, "b")
		if ComparePositions(p, prev) != -1 {
			t.Fatalf("iteration %d: expected %v < %v", i, p, prev)
		}
		prev = p
	}
}
