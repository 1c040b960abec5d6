package transcript

import (
	"fmt"
	"strconv"
	"strings"
)

// ID identifies a token or paragraph. It is minted once by the replica
// that created the element and is never reused, so approval state can
// follow the element across hypothesis revisions.
type ID struct {
	Replica string `json:"replica"`
	Clock   uint64 `json:"clock"`
}

func (id ID) IsZero() bool {
	return id.Replica == "" && id.Clock == 0
}

func (id ID) String() string {
	return id.Replica + "#" + strconv.FormatUint(id.Clock, 10)
}

// Less orders ids by clock first so that the causally-earliest write wins
// deterministic tie-breaks; replica name breaks exact ties.
func (id ID) Less(other ID) bool {
	if id.Clock != other.Clock {
		return id.Clock < other.Clock
	}
	return id.Replica < other.Replica
}

// ParseID reverses String. Used when ids travel through presence payloads.
func ParseID(s string) (ID, error) {
	i := strings.LastIndexByte(s, '#')
	if i < 0 {
		return ID{}, fmt.Errorf("malformed id %q", s)
	}
	clock, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("malformed id %q: %w", s, err)
	}
	return ID{Replica: s[:i], Clock: clock}, nil
}

// Rev is a lamport revision stamp for last-writer-wins registers.
type Rev struct {
	Clock   uint64 `json:"clock"`
	Replica string `json:"replica"`
}

func (r Rev) IsZero() bool {
	return r.Replica == "" && r.Clock == 0
}

// After reports whether r supersedes other under LWW resolution.
func (r Rev) After(other Rev) bool {
	if r.Clock != other.Clock {
		return r.Clock > other.Clock
	}
	return r.Replica > other.Replica
}

// Before reports whether r is the causally-earlier stamp. Among concurrent
// approvals the earliest stamp wins, so this is the approval comparator.
func (r Rev) Before(other Rev) bool {
	if r.Clock != other.Clock {
		return r.Clock < other.Clock
	}
	return r.Replica < other.Replica
}
