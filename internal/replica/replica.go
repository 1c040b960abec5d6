package replica

import (
	"fmt"
	"sync"
	"time"

	"github.com/jutukuva/livecaption/internal/transcript"
)

// Presence is ephemeral per-participant metadata. It rides a separate
// channel from document sync and is never part of a snapshot.
type Presence struct {
	Replica   string    `json:"replica"`
	Name      string    `json:"name"`
	Color     string    `json:"color"`
	Role      string    `json:"role"`
	Cursor    string    `json:"cursor,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Replica wraps a document in a conflict-free replicated container. Local
// mutations apply optimistically and are returned as encoded updates for
// the transport; remote updates merge in through ApplyUpdate. While the
// transport is offline, outgoing updates accumulate in a pending buffer
// that the transport drains on reconnect.
type Replica struct {
	id  string
	doc *transcript.Document

	mu       sync.Mutex
	seq      uint64
	pending  [][]byte
	online   bool
	presence map[string]Presence
	onChange []func(remote bool)
}

func New(id string) *Replica {
	return &Replica{
		id:       id,
		doc:      transcript.NewDocument(),
		presence: make(map[string]Presence),
	}
}

func (r *Replica) ID() string { return r.id }

// Document exposes the underlying ledger for read paths and for the
// engines that build ops. Callers hold no lock; access is serialized by
// the owning event loop.
func (r *Replica) Document() *transcript.Document { return r.doc }

// NextRev stamps a fresh lamport revision for a local write.
func (r *Replica) NextRev() transcript.Rev {
	return transcript.Rev{Clock: r.doc.NextClock(), Replica: r.id}
}

// NewID mints a fresh element id.
func (r *Replica) NewID() transcript.ID {
	return transcript.ID{Replica: r.id, Clock: r.doc.NextClock()}
}

// Apply applies local ops optimistically and returns the encoded update to
// hand to the transport. If the transport is offline the update is also
// buffered for reconciliation.
func (r *Replica) Apply(ops ...transcript.Op) ([]byte, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	changed := false
	for _, op := range ops {
		if r.doc.Apply(op) {
			changed = true
		}
	}
	r.mu.Lock()
	r.seq++
	u := transcript.Update{Origin: r.id, Seq: r.seq, Ops: ops}
	r.mu.Unlock()

	data, err := transcript.EncodeUpdate(u)
	if err != nil {
		return nil, fmt.Errorf("apply local ops: %w", err)
	}
	r.mu.Lock()
	if !r.online {
		r.pending = append(r.pending, data)
	}
	r.mu.Unlock()
	if changed {
		r.notify(false)
	}
	return data, nil
}

// ApplyUpdate merges a remote update. Updates from this replica echoed back
// by the relay are ignored.
func (r *Replica) ApplyUpdate(data []byte) (bool, error) {
	u, err := transcript.DecodeUpdate(data)
	if err != nil {
		return false, err
	}
	if u.Origin == r.id {
		return false, nil
	}
	changed := r.doc.ApplyUpdate(u)
	if changed {
		r.notify(true)
	}
	return changed, nil
}

// Snapshot serializes full document state.
func (r *Replica) Snapshot() ([]byte, error) {
	return r.doc.Snapshot()
}

// ApplySnapshot merges server state on join or reconnect; local edits made
// offline survive the merge.
func (r *Replica) ApplySnapshot(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := r.doc.ApplySnapshot(data); err != nil {
		return err
	}
	r.notify(true)
	return nil
}

// SetOnline flips connectivity state. Going online returns the buffered
// updates for the transport to flush, oldest first.
func (r *Replica) SetOnline(online bool) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.online = online
	if !online {
		return nil
	}
	buffered := r.pending
	r.pending = nil
	return buffered
}

func (r *Replica) Online() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online
}

// OnChange registers a callback invoked after any state change; remote is
// true when the change came from another replica.
func (r *Replica) OnChange(fn func(remote bool)) {
	r.mu.Lock()
	r.onChange = append(r.onChange, fn)
	r.mu.Unlock()
}

func (r *Replica) notify(remote bool) {
	r.mu.Lock()
	subs := make([]func(bool), len(r.onChange))
	copy(subs, r.onChange)
	r.mu.Unlock()
	for _, fn := range subs {
		fn(remote)
	}
}

// ApplyPresence records a participant sighting.
func (r *Replica) ApplyPresence(p Presence) {
	if p.Replica == "" {
		return
	}
	r.mu.Lock()
	r.presence[p.Replica] = p
	r.mu.Unlock()
}

// RemovePresence drops a departed participant.
func (r *Replica) RemovePresence(replicaID string) {
	r.mu.Lock()
	delete(r.presence, replicaID)
	r.mu.Unlock()
}

// Participants lists current presence, evicting entries older than maxAge
// when maxAge is positive.
func (r *Replica) Participants(maxAge time.Duration, now time.Time) []Presence {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Presence, 0, len(r.presence))
	for id, p := range r.presence {
		if maxAge > 0 && now.Sub(p.UpdatedAt) > maxAge {
			delete(r.presence, id)
			continue
		}
		out = append(out, p)
	}
	return out
}
