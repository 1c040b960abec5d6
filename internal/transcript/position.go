package transcript

// PosSeg is one level of a position identifier.
type PosSeg struct {
	Ord     uint64 `json:"ord"`
	Replica string `json:"replica"`
}

// Position is a dense ordering key in the style of Logoot: a path of
// (ordinal, replica) segments compared lexicographically. Two replicas can
// always mint a fresh position between any pair of neighbours without
// coordination, and comparison is total, so concurrent inserts land in the
// same order everywhere.
type Position []PosSeg

const maxOrd = uint64(1) << 32

// ComparePositions returns -1, 0 or 1. A position is less than any of its
// extensions.
func ComparePositions(a, b Position) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i].Ord != b[i].Ord {
			if a[i].Ord < b[i].Ord {
				return -1
			}
			return 1
		}
		if a[i].Replica != b[i].Replica {
			if a[i].Replica < b[i].Replica {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// Between mints a position strictly between left and right for the given
// replica. A nil left means the start of the sequence, a nil right the end.
func Between(left, right Position, replica string) Position {
	prefix := make(Position, 0, len(left)+1)
	boundedByRight := true
	for depth := 0; ; depth++ {
		var lo uint64
		loSeg := PosSeg{Replica: replica}
		if depth < len(left) {
			lo = left[depth].Ord
			loSeg = left[depth]
		}
		hi := maxOrd
		if boundedByRight && depth < len(right) {
			hi = right[depth].Ord
		}
		if hi > lo+1 {
			return append(prefix, PosSeg{Ord: lo + (hi-lo)/2, Replica: replica})
		}
		// No room at this depth; descend along the left bound. Once we
		// commit to an ordinal below the right bound, right no longer
		// constrains deeper levels.
		if hi > lo {
			boundedByRight = false
		} else if boundedByRight && depth < len(right) && depth < len(left) && left[depth].Replica != right[depth].Replica {
			boundedByRight = false
		}
		prefix = append(prefix, PosSeg{Ord: lo, Replica: loSeg.Replica})
	}
}

func (p Position) clone() Position {
	if p == nil {
		return nil
	}
	out := make(Position, len(p))
	copy(out, p)
	return out
}
