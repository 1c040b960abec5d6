package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jutukuva/livecaption/internal/bus"
	"github.com/jutukuva/livecaption/internal/config"
	"github.com/jutukuva/livecaption/internal/protocol"
	"github.com/jutukuva/livecaption/internal/replica"
	"github.com/jutukuva/livecaption/internal/store"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Persister is the narrow slice of the store the relay needs; nil disables
// persistence.
type Persister interface {
	SaveSession(ctx context.Context, sess store.Session) error
	SaveSnapshot(ctx context.Context, code string, state []byte) error
	LoadSnapshot(ctx context.Context, code string) ([]byte, error)
}

// HealthStatus is the /health payload.
type HealthStatus struct {
	Status               string `json:"status"`
	ActiveRoomCount      int    `json:"activeRoomCount"`
	TotalConnectionCount int    `json:"totalConnectionCount"`
}

// RoomStats is one entry of the /stats payload.
type RoomStats struct {
	RoomName        string    `json:"roomName"`
	ConnectionCount int       `json:"connectionCount"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Server holds one server-side replica per room and rebroadcasts frames
// between the room's connections. It contains no document-semantic logic:
// no approval rules, no segmentation, just merge-and-forward.
type Server struct {
	cfg     config.RoomConfig
	log     *slog.Logger
	persist Persister
	publish func(subject string, data []byte) error
	clock   func() time.Time

	mu    sync.RWMutex
	rooms map[string]*room

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup

	meter        metric.Meter
	framesSynced metric.Int64Counter
}

type room struct {
	name      string
	rep       *replica.Replica
	createdAt time.Time

	// mu serializes connection bookkeeping and every document operation on
	// rep: join snapshots, incoming updates and persistence snapshots run on
	// different bus goroutines. Presence ops lock inside the replica.
	mu    sync.Mutex
	conns map[string]*conn
}

type conn struct {
	replica  string
	name     string
	lastSeen time.Time
}

func NewServer(parent context.Context, cfg config.RoomConfig, busClient *bus.Client, persist Persister, log *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(parent)
	s := &Server{
		cfg:     cfg,
		log:     log.With(slog.String("component", "relay")),
		persist: persist,
		clock:   time.Now,
		rooms:   make(map[string]*room),
		ctx:     ctx,
		cancel:  cancel,
		meter:   otel.Meter("github.com/jutukuva/livecaption/relay"),
	}
	if busClient != nil {
		s.publish = busClient.Conn().Publish
	}
	if err := s.initMetrics(); err != nil {
		s.log.Warn("failed to initialize metrics", slogError(err))
	}
	return s
}

// Start subscribes to the room wildcard subjects and begins reaping stale
// connections.
func (s *Server) Start(busClient *bus.Client) error {
	conn := busClient.Conn()
	s.publish = conn.Publish

	joinSub, err := conn.Subscribe(protocol.SubjectJoinWildcard, s.handleJoinMsg)
	if err != nil {
		return fmt.Errorf("subscribe join: %w", err)
	}
	s.subs = append(s.subs, joinSub)

	upSub, err := conn.Subscribe(protocol.SubjectUpWildcard, s.handleUpMsg)
	if err != nil {
		return fmt.Errorf("subscribe up: %w", err)
	}
	s.subs = append(s.subs, upSub)

	leaveSub, err := conn.Subscribe(protocol.SubjectLeaveWildcard, s.handleLeaveMsg)
	if err != nil {
		return fmt.Errorf("subscribe leave: %w", err)
	}
	s.subs = append(s.subs, leaveSub)

	s.wg.Add(1)
	go s.runReaper()
	return nil
}

func (s *Server) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
	// The server context is already canceled here; the final snapshots get
	// their own deadline so shutdown persistence still completes.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.persistAll(ctx)
}

// roomFromSubject extracts the session code from caption.room.<code>.<verb>.
func roomFromSubject(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) != 4 {
		return ""
	}
	return parts[2]
}

func (s *Server) handleJoinMsg(msg *nats.Msg) {
	code := roomFromSubject(msg.Subject)
	if code == "" || msg.Reply == "" {
		return
	}
	var req protocol.JoinRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.log.Warn("invalid join request", slogError(err))
		return
	}
	reply := s.Join(code, req)
	data, err := json.Marshal(reply)
	if err != nil {
		s.log.Warn("failed to marshal join reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to send join reply", slogError(err))
	}
}

// Join admits a replica into a room, lazily creating the room, and returns
// the full-state snapshot plus live presence.
func (s *Server) Join(code string, req protocol.JoinRequest) protocol.JoinReply {
	if s.cfg.Secret != "" && req.Secret != s.cfg.Secret {
		return protocol.JoinReply{Accepted: false, Reason: "invalid room secret"}
	}
	if req.Replica == "" {
		return protocol.JoinReply{Accepted: false, Reason: "missing replica id"}
	}

	r := s.getOrCreateRoom(code)
	now := s.clock()

	r.rep.ApplyPresence(replica.Presence{
		Replica:   req.Replica,
		Name:      req.Name,
		Color:     req.Color,
		Role:      req.Role,
		UpdatedAt: now,
	})

	r.mu.Lock()
	r.conns[req.Replica] = &conn{replica: req.Replica, name: req.Name, lastSeen: now}
	snapshot, err := r.rep.Snapshot()
	r.mu.Unlock()
	if err != nil {
		s.log.Error("failed to snapshot room", slog.String("room", code), slogError(err))
		return protocol.JoinReply{Accepted: false, Reason: "snapshot failed"}
	}
	presence, err := json.Marshal(r.rep.Participants(s.connectionTimeout(), now))
	if err != nil {
		presence = []byte("[]")
	}

	if s.persist != nil && req.Role == "host" {
		err := s.persist.SaveSession(s.ctx, store.Session{
			Code:        code,
			HostReplica: req.Replica,
			Role:        req.Role,
		})
		if err != nil {
			s.log.Warn("failed to persist session", slog.String("room", code), slogError(err))
		}
	}

	s.log.Info("replica joined room",
		slog.String("room", code),
		slog.String("replica", req.Replica))

	return protocol.JoinReply{Accepted: true, Snapshot: snapshot, Presence: presence}
}

func (s *Server) handleUpMsg(msg *nats.Msg) {
	code := roomFromSubject(msg.Subject)
	if code == "" {
		return
	}
	s.HandleFrame(code, msg.Data)
}

// HandleFrame applies a sync frame to the room replica and rebroadcasts it
// to every other connection; presence frames are rebroadcast without
// touching the document. Frames for unknown rooms are dropped: the sender
// must join first.
func (s *Server) HandleFrame(code string, data []byte) {
	r := s.getRoom(code)
	if r == nil {
		return
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		s.log.Warn("invalid frame", slog.String("room", code), slogError(err))
		return
	}

	switch m := msg.(type) {
	case protocol.SyncMessage:
		s.touch(r, m.Origin)
		r.mu.Lock()
		_, err := r.rep.ApplyUpdate(m.Payload)
		r.mu.Unlock()
		if err != nil {
			s.log.Warn("failed to apply update", slog.String("room", code), slogError(err))
			return
		}
		if s.framesSynced != nil {
			s.framesSynced.Add(s.ctx, 1)
		}
	case protocol.PresenceMessage:
		s.touch(r, m.Origin)
		var p replica.Presence
		if err := json.Unmarshal(m.Payload, &p); err == nil {
			r.rep.ApplyPresence(p)
		}
	}

	// Fan-out goes to the shared down subject; each client's transport
	// drops frames carrying its own origin, so nothing echoes back.
	if s.publish != nil {
		if err := s.publish(protocol.SubjectDown(code), data); err != nil {
			s.log.Warn("failed to rebroadcast frame", slog.String("room", code), slogError(err))
		}
	}
}

func (s *Server) handleLeaveMsg(msg *nats.Msg) {
	code := roomFromSubject(msg.Subject)
	if code == "" {
		return
	}
	var notice protocol.LeaveNotice
	if err := json.Unmarshal(msg.Data, &notice); err != nil {
		return
	}
	s.Leave(code, notice.Replica)
}

// Leave drops a connection; the room is torn down when the last one goes.
func (s *Server) Leave(code, replicaID string) {
	r := s.getRoom(code)
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.conns, replicaID)
	empty := len(r.conns) == 0
	r.mu.Unlock()
	r.rep.RemovePresence(replicaID)

	s.log.Info("replica left room",
		slog.String("room", code),
		slog.String("replica", replicaID))

	if empty {
		s.destroyRoom(code)
	}
}

func (s *Server) touch(r *room, replicaID string) {
	if replicaID == "" {
		return
	}
	now := s.clock()
	r.mu.Lock()
	if c, ok := r.conns[replicaID]; ok {
		c.lastSeen = now
	}
	r.mu.Unlock()
}

func (s *Server) getRoom(code string) *room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[code]
}

func (s *Server) getOrCreateRoom(code string) *room {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[code]; ok {
		return r
	}
	r := &room{
		name:      code,
		rep:       replica.New("relay:" + code),
		createdAt: s.clock(),
		conns:     make(map[string]*conn),
	}
	if s.persist != nil {
		if state, err := s.persist.LoadSnapshot(s.ctx, code); err == nil {
			if err := r.rep.ApplySnapshot(state); err != nil {
				s.log.Warn("failed to restore room snapshot", slog.String("room", code), slogError(err))
			}
		}
	}
	s.rooms[code] = r
	s.log.Info("room created", slog.String("room", code))
	return r
}

func (s *Server) destroyRoom(code string) {
	s.mu.Lock()
	r, ok := s.rooms[code]
	if ok {
		delete(s.rooms, code)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.persistRoom(s.ctx, r)
	s.log.Info("room destroyed", slog.String("room", code))
}

func (s *Server) persistRoom(ctx context.Context, r *room) {
	if s.persist == nil {
		return
	}
	r.mu.Lock()
	state, err := r.rep.Snapshot()
	r.mu.Unlock()
	if err != nil {
		s.log.Warn("failed to snapshot room for persistence", slog.String("room", r.name), slogError(err))
		return
	}
	if err := s.persist.SaveSnapshot(ctx, r.name, state); err != nil {
		s.log.Warn("failed to persist room snapshot", slog.String("room", r.name), slogError(err))
	}
}

// PersistAll writes a snapshot of every active room; the runtime calls this
// on a timer for crash recovery.
func (s *Server) PersistAll(ctx context.Context) {
	s.persistAll(ctx)
}

func (s *Server) persistAll(ctx context.Context) {
	s.mu.RLock()
	rooms := make([]*room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.RUnlock()
	for _, r := range rooms {
		s.persistRoom(ctx, r)
	}
}

func (s *Server) connectionTimeout() time.Duration {
	return time.Duration(s.cfg.ConnectionTimeoutMS) * time.Millisecond
}

func (s *Server) runReaper() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Duration(s.cfg.ReapIntervalMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.reap(s.clock())
		}
	}
}

// reap drops connections that stopped sending presence and destroys rooms
// left with no connections.
func (s *Server) reap(now time.Time) {
	timeout := s.connectionTimeout()
	s.mu.RLock()
	codes := make([]string, 0, len(s.rooms))
	for code := range s.rooms {
		codes = append(codes, code)
	}
	s.mu.RUnlock()

	for _, code := range codes {
		r := s.getRoom(code)
		if r == nil {
			continue
		}
		r.mu.Lock()
		for id, c := range r.conns {
			if now.Sub(c.lastSeen) > timeout {
				delete(r.conns, id)
				r.rep.RemovePresence(id)
				s.log.Info("connection timed out",
					slog.String("room", code),
					slog.String("replica", id))
			}
		}
		empty := len(r.conns) == 0
		r.mu.Unlock()
		if empty {
			s.destroyRoom(code)
		}
	}
}

// Health reports the aggregate relay state for GET /health.
func (s *Server) Health() HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, r := range s.rooms {
		r.mu.Lock()
		total += len(r.conns)
		r.mu.Unlock()
	}
	return HealthStatus{
		Status:               "ok",
		ActiveRoomCount:      len(s.rooms),
		TotalConnectionCount: total,
	}
}

// Stats lists per-room connection counts for GET /stats.
func (s *Server) Stats() []RoomStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RoomStats, 0, len(s.rooms))
	for _, r := range s.rooms {
		r.mu.Lock()
		out = append(out, RoomStats{
			RoomName:        r.name,
			ConnectionCount: len(r.conns),
			CreatedAt:       r.createdAt,
		})
		r.mu.Unlock()
	}
	return out
}

func (s *Server) initMetrics() error {
	roomGauge, err := s.meter.Int64ObservableGauge("caption.relay.rooms",
		metric.WithDescription("Number of active rooms"))
	if err != nil {
		return err
	}
	connGauge, err := s.meter.Int64ObservableGauge("caption.relay.connections",
		metric.WithDescription("Total connections across rooms"))
	if err != nil {
		return err
	}
	counter, err := s.meter.Int64Counter("caption.relay.frames_synced",
		metric.WithDescription("Sync frames applied and rebroadcast"))
	if err != nil {
		return err
	}
	s.framesSynced = counter
	_, err = s.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		h := s.Health()
		obs.ObserveInt64(roomGauge, int64(h.ActiveRoomCount))
		obs.ObserveInt64(connGauge, int64(h.TotalConnectionCount))
		return nil
	}, roomGauge, connGauge)
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
