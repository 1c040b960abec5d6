package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jutukuva/livecaption/internal/config"
	"github.com/jutukuva/livecaption/internal/protocol"
	"github.com/jutukuva/livecaption/internal/replica"
	"github.com/jutukuva/livecaption/internal/store"
	"github.com/jutukuva/livecaption/internal/transcript"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testRoomConfig() config.RoomConfig {
	return config.RoomConfig{
		PresenceIntervalMS:  2000,
		ConnectionTimeoutMS: 10000,
		ReapIntervalMS:      5000,
	}
}

// capture records published frames per subject.
type capture struct {
	mu    sync.Mutex
	sent  map[string][][]byte
	count int
}

func newCapture() *capture {
	return &capture{sent: make(map[string][][]byte)}
}

func (c *capture) publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent[subject] = append(c.sent[subject], data)
	c.count++
	return nil
}

// memPersister is an in-memory Persister.
type memPersister struct {
	mu        sync.Mutex
	sessions  map[string]store.Session
	snapshots map[string][]byte
}

func newMemPersister() *memPersister {
	return &memPersister{sessions: make(map[string]store.Session), snapshots: make(map[string][]byte)}
}

func (m *memPersister) SaveSession(ctx context.Context, sess store.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.Code] = sess
	return nil
}

func (m *memPersister) SaveSnapshot(ctx context.Context, code string, state []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[code] = append([]byte(nil), state...)
	return nil
}

func (m *memPersister) LoadSnapshot(ctx context.Context, code string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.snapshots[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	return state, nil
}

func newTestServer(t *testing.T, cfg config.RoomConfig, persist Persister) (*Server, *capture) {
	t.Helper()
	s := NewServer(context.Background(), cfg, nil, persist, newLogger())
	t.Cleanup(s.Close)
	c := newCapture()
	s.publish = c.publish
	return s, c
}

func syncFrame(t *testing.T, rep *replica.Replica, ops ...transcript.Op) []byte {
	t.Helper()
	update, err := rep.Apply(ops...)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	frame, err := protocol.Encode(protocol.SyncMessage{Origin: rep.ID(), Payload: update})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return frame
}

func wordOp(rep *replica.Replica, ord uint64, text string) transcript.Op {
	id := rep.NewID()
	return transcript.Op{
		Kind:         transcript.OpInsertTokens,
		Paragraph:    transcript.ID{Replica: rep.ID(), Clock: 1},
		ParagraphPos: transcript.Position{{Ord: 50, Replica: rep.ID()}},
		Tokens: []*transcript.Token{{
			ID:       id,
			Position: transcript.Position{{Ord: ord, Replica: rep.ID()}},
			Text:     text,
			Rev:      transcript.Rev{Clock: id.Clock, Replica: rep.ID()},
		}},
	}
}

func TestJoinCreatesRoomAndReturnsSnapshot(t *testing.T) {
	s, _ := newTestServer(t, testRoomConfig(), nil)

	reply := s.Join("abc123", protocol.JoinRequest{Replica: "r1", Name: "alice", Role: "host"})
	if !reply.Accepted {
		t.Fatalf("join refused: %s", reply.Reason)
	}
	if len(reply.Snapshot) == 0 {
		t.Fatalf("expected a snapshot in the reply")
	}

	h := s.Health()
	if h.ActiveRoomCount != 1 || h.TotalConnectionCount != 1 {
		t.Fatalf("unexpected health: %+v", h)
	}
}

func TestJoinSecretCheck(t *testing.T) {
	cfg := testRoomConfig()
	cfg.Secret = "hunter2"
	s, _ := newTestServer(t, cfg, nil)

	reply := s.Join("abc123", protocol.JoinRequest{Replica: "r1"})
	if reply.Accepted {
		t.Fatalf("join without secret must be refused")
	}
	reply = s.Join("abc123", protocol.JoinRequest{Replica: "r1", Secret: "hunter2"})
	if !reply.Accepted {
		t.Fatalf("join with secret refused: %s", reply.Reason)
	}
}

func TestHandleFrameAppliesAndRebroadcasts(t *testing.T) {
	s, c := newTestServer(t, testRoomConfig(), nil)
	s.Join("abc123", protocol.JoinRequest{Replica: "r1"})
	s.Join("abc123", protocol.JoinRequest{Replica: "r2"})

	sender := replica.New("r1")
	frame := syncFrame(t, sender, wordOp(sender, 10, "tere"))
	s.HandleFrame("abc123", frame)

	// The room replica merged the update.
	r := s.getRoom("abc123")
	if r == nil {
		t.Fatalf("room missing")
	}
	paras := r.rep.Document().Paragraphs()
	if len(paras) != 1 || paras[0].Text() != "tere" {
		t.Fatalf("room replica did not merge the update")
	}

	// The raw frame went out on the shared down subject exactly once.
	down := c.sent[protocol.SubjectDown("abc123")]
	if len(down) != 1 {
		t.Fatalf("expected 1 rebroadcast, got %d", len(down))
	}
	if string(down[0]) != string(frame) {
		t.Fatalf("rebroadcast must forward the frame unchanged")
	}
}

func TestHandleFrameUnknownRoomDropped(t *testing.T) {
	s, c := newTestServer(t, testRoomConfig(), nil)
	sender := replica.New("r1")
	s.HandleFrame("nosuch", syncFrame(t, sender, wordOp(sender, 10, "tere")))
	if c.count != 0 {
		t.Fatalf("frames for unknown rooms must be dropped")
	}
}

func TestLateJoinerGetsFullState(t *testing.T) {
	s, _ := newTestServer(t, testRoomConfig(), nil)
	s.Join("abc123", protocol.JoinRequest{Replica: "r1"})

	sender := replica.New("r1")
	s.HandleFrame("abc123", syncFrame(t, sender, wordOp(sender, 10, "tere")))
	s.HandleFrame("abc123", syncFrame(t, sender, wordOp(sender, 20, "maailm")))

	reply := s.Join("abc123", protocol.JoinRequest{Replica: "r2"})
	late := replica.New("r2")
	if err := late.ApplySnapshot(reply.Snapshot); err != nil {
		t.Fatalf("apply snapshot: %v", err)
	}
	paras := late.Document().Paragraphs()
	if len(paras) != 1 || paras[0].Text() != "tere maailm" {
		t.Fatalf("late joiner must see full state, got %v", paras)
	}
}

func TestLeaveDestroysEmptyRoomAndPersists(t *testing.T) {
	persist := newMemPersister()
	s, _ := newTestServer(t, testRoomConfig(), persist)
	s.Join("abc123", protocol.JoinRequest{Replica: "r1", Role: "host"})

	sender := replica.New("r1")
	s.HandleFrame("abc123", syncFrame(t, sender, wordOp(sender, 10, "tere")))

	s.Leave("abc123", "r1")
	if h := s.Health(); h.ActiveRoomCount != 0 {
		t.Fatalf("empty room must be destroyed, health %+v", h)
	}
	if _, ok := persist.snapshots["abc123"]; !ok {
		t.Fatalf("destroyed room must persist its final snapshot")
	}
	if _, ok := persist.sessions["abc123"]; !ok {
		t.Fatalf("host join must persist the session record")
	}

	// A later join restores the snapshot.
	reply := s.Join("abc123", protocol.JoinRequest{Replica: "r2"})
	restored := replica.New("r2")
	if err := restored.ApplySnapshot(reply.Snapshot); err != nil {
		t.Fatalf("apply snapshot: %v", err)
	}
	paras := restored.Document().Paragraphs()
	if len(paras) != 1 || paras[0].Text() != "tere" {
		t.Fatalf("restored room must carry the persisted document")
	}
}

func TestReapDropsStaleConnections(t *testing.T) {
	s, _ := newTestServer(t, testRoomConfig(), nil)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return base }
	s.Join("abc123", protocol.JoinRequest{Replica: "r1"})
	s.Join("abc123", protocol.JoinRequest{Replica: "r2"})

	// r2 keeps sending presence, r1 goes silent.
	later := base.Add(8 * time.Second)
	s.clock = func() time.Time { return later }
	r := s.getRoom("abc123")
	s.touch(r, "r2")

	s.reap(base.Add(11 * time.Second))

	h := s.Health()
	if h.TotalConnectionCount != 1 {
		t.Fatalf("expected the silent connection reaped, health %+v", h)
	}

	// Everyone silent: the room itself goes away.
	s.reap(base.Add(time.Hour))
	if h := s.Health(); h.ActiveRoomCount != 0 {
		t.Fatalf("expected room destroyed after full timeout, health %+v", h)
	}
}

func TestConcurrentJoinsAndFrames(t *testing.T) {
	persist := newMemPersister()
	s, _ := newTestServer(t, testRoomConfig(), persist)

	// Frames are prepared up front; the goroutine below only delivers them,
	// like the bus subscription does.
	sender := replica.New("writer")
	frames := make([][]byte, 64)
	for i := range frames {
		frames[i] = syncFrame(t, sender, wordOp(sender, uint64(10+i), "sona"))
	}

	s.Join("abc123", protocol.JoinRequest{Replica: "writer"})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, frame := range frames {
			s.HandleFrame("abc123", frame)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 32; i++ {
			reply := s.Join("abc123", protocol.JoinRequest{Replica: fmt.Sprintf("viewer-%d", i)})
			if !reply.Accepted || len(reply.Snapshot) == 0 {
				t.Errorf("join %d failed: %+v", i, reply)
				return
			}
		}
	}()
	wg.Wait()

	s.PersistAll(context.Background())

	r := s.getRoom("abc123")
	var words int
	r.mu.Lock()
	r.rep.Document().EachToken(func(_ *transcript.Paragraph, _ *transcript.Token) bool {
		words++
		return true
	})
	r.mu.Unlock()
	if words != 64 {
		t.Fatalf("expected all 64 words merged, got %d", words)
	}
	if _, ok := persist.snapshots["abc123"]; !ok {
		t.Fatalf("expected a persisted snapshot")
	}
}

func TestClosePersistsRooms(t *testing.T) {
	persist := newMemPersister()
	ctx, cancel := context.WithCancel(context.Background())
	s := NewServer(ctx, testRoomConfig(), nil, persist, newLogger())
	c := newCapture()
	s.publish = c.publish

	s.Join("abc123", protocol.JoinRequest{Replica: "r1", Role: "host"})
	sender := replica.New("r1")
	s.HandleFrame("abc123", syncFrame(t, sender, wordOp(sender, 10, "tere")))

	// Shutdown order in the daemon: the parent context dies before Close.
	cancel()
	s.Close()

	state, ok := persist.snapshots["abc123"]
	if !ok {
		t.Fatalf("close must persist live rooms after the parent context is gone")
	}
	restored := replica.New("check")
	if err := restored.ApplySnapshot(state); err != nil {
		t.Fatalf("apply snapshot: %v", err)
	}
	paras := restored.Document().Paragraphs()
	if len(paras) != 1 || paras[0].Text() != "tere" {
		t.Fatalf("persisted snapshot must carry the document, got %v", paras)
	}
}

func TestStats(t *testing.T) {
	s, _ := newTestServer(t, testRoomConfig(), nil)
	s.Join("room-a", protocol.JoinRequest{Replica: "r1"})
	s.Join("room-a", protocol.JoinRequest{Replica: "r2"})
	s.Join("room-b", protocol.JoinRequest{Replica: "r3"})

	stats := s.Stats()
	if len(stats) != 2 {
		t.Fatalf("expected 2 rooms, got %d", len(stats))
	}
	counts := map[string]int{}
	for _, st := range stats {
		counts[st.RoomName] = st.ConnectionCount
	}
	if counts["room-a"] != 2 || counts["room-b"] != 1 {
		t.Fatalf("unexpected stats: %v", counts)
	}
}
