package roomsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jutukuva/livecaption/internal/bus"
	"github.com/jutukuva/livecaption/internal/config"
	"github.com/jutukuva/livecaption/internal/protocol"
	"github.com/jutukuva/livecaption/internal/replica"
	"github.com/nats-io/nats.go"
)

// RemoteSink consumes document traffic arriving from the relay. The caption
// session implements it on its event loop, keeping every document mutation
// on one goroutine.
type RemoteSink interface {
	ApplyRemote(payload []byte)
	MergeSnapshot(data []byte) error
}

// Conn binds a replica to a room over the relay. Local updates publish on
// the room's up subject; the relay's fan-out arrives on the down subject,
// where frames carrying our own origin are dropped. While the transport is
// down the replica buffers updates and the connection reconciles them
// automatically on reconnect; no operation is ever rejected as out of date.
type Conn struct {
	cfg  config.RoomConfig
	bus  *bus.Client
	log  *slog.Logger
	room string
	rep  *replica.Replica
	sink RemoteSink

	name  string
	color string
	role  string

	ctx    context.Context
	cancel context.CancelFunc
	sub    *nats.Subscription
	wg     sync.WaitGroup

	mu      sync.Mutex
	onState []func(online bool)
}

func NewConn(parent context.Context, cfg config.RoomConfig, busClient *bus.Client, room string, rep *replica.Replica, name, color, role string, log *slog.Logger) *Conn {
	ctx, cancel := context.WithCancel(parent)
	return &Conn{
		cfg:    cfg,
		bus:    busClient,
		log:    log.With(slog.String("component", "sync"), slog.String("room", room)),
		room:   room,
		rep:    rep,
		name:   name,
		color:  color,
		role:   role,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Bind routes incoming document traffic through sink instead of applying it
// to the replica directly. Required before Connect whenever the replica is
// shared with a session loop; NATS delivers on its own goroutine.
func (c *Conn) Bind(sink RemoteSink) {
	c.sink = sink
}

// Connect joins the room, merges the snapshot reply, subscribes to the down
// subject and starts the presence heartbeat.
func (c *Conn) Connect(ctx context.Context) error {
	if err := c.join(ctx); err != nil {
		return err
	}

	sub, err := c.bus.Conn().Subscribe(protocol.SubjectDown(c.room), c.handleDown)
	if err != nil {
		return fmt.Errorf("subscribe room: %w", err)
	}
	c.sub = sub

	c.wg.Add(1)
	go c.runPresence()
	return nil
}

func (c *Conn) join(ctx context.Context) error {
	req := protocol.JoinRequest{
		Replica: c.rep.ID(),
		Name:    c.name,
		Color:   c.color,
		Role:    c.role,
		Secret:  c.cfg.Secret,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal join request: %w", err)
	}
	msg, err := c.bus.Conn().RequestWithContext(ctx, protocol.SubjectJoin(c.room), data)
	if err != nil {
		return fmt.Errorf("join room %s: %w", c.room, err)
	}
	var reply protocol.JoinReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("decode join reply: %w", err)
	}
	if !reply.Accepted {
		return fmt.Errorf("join room %s refused: %s", c.room, reply.Reason)
	}
	if err := c.mergeSnapshot(reply.Snapshot); err != nil {
		return fmt.Errorf("apply room snapshot: %w", err)
	}
	if len(reply.Presence) > 0 {
		var participants []replica.Presence
		if err := json.Unmarshal(reply.Presence, &participants); err == nil {
			for _, p := range participants {
				c.rep.ApplyPresence(p)
			}
		}
	}
	c.setOnline(true)
	c.log.Info("joined room", slog.String("replica", c.rep.ID()))
	return nil
}

// Publish sends one encoded update to the relay. Offline updates were
// already buffered by the replica; they drain on reconnect.
func (c *Conn) Publish(update []byte) {
	if update == nil {
		return
	}
	if !c.rep.Online() {
		return
	}
	frame, err := protocol.Encode(protocol.SyncMessage{Origin: c.rep.ID(), Payload: update})
	if err != nil {
		c.log.Warn("failed to encode sync frame", slogError(err))
		return
	}
	if err := c.bus.Conn().Publish(protocol.SubjectUp(c.room), frame); err != nil {
		c.log.Warn("failed to publish sync frame", slogError(err))
	}
}

// PublishPresence sends an ephemeral presence delta.
func (c *Conn) PublishPresence(p replica.Presence) {
	payload, err := json.Marshal(p)
	if err != nil {
		return
	}
	frame, err := protocol.Encode(protocol.PresenceMessage{Origin: c.rep.ID(), Payload: payload})
	if err != nil {
		return
	}
	if err := c.bus.Conn().Publish(protocol.SubjectUp(c.room), frame); err != nil {
		c.log.Warn("failed to publish presence", slogError(err))
	}
}

func (c *Conn) handleDown(msg *nats.Msg) {
	m, err := protocol.Decode(msg.Data)
	if err != nil {
		c.log.Warn("invalid frame from relay", slogError(err))
		return
	}
	switch frame := m.(type) {
	case protocol.SyncMessage:
		if frame.Origin == c.rep.ID() {
			return
		}
		if c.sink != nil {
			c.sink.ApplyRemote(frame.Payload)
			return
		}
		if _, err := c.rep.ApplyUpdate(frame.Payload); err != nil {
			c.log.Warn("failed to apply remote update", slogError(err))
		}
	case protocol.PresenceMessage:
		if frame.Origin == c.rep.ID() {
			return
		}
		var p replica.Presence
		if err := json.Unmarshal(frame.Payload, &p); err == nil {
			c.rep.ApplyPresence(p)
		}
	}
}

func (c *Conn) mergeSnapshot(data []byte) error {
	if c.sink != nil {
		return c.sink.MergeSnapshot(data)
	}
	return c.rep.ApplySnapshot(data)
}

// HandleDisconnect flips the replica into offline-optimistic mode; local
// edits keep applying and buffer for reconciliation.
func (c *Conn) HandleDisconnect() {
	c.setOnline(false)
	c.log.Warn("relay connection lost, buffering local updates")
}

// HandleReconnect re-joins for a fresh snapshot merge, then drains the
// buffered updates in order.
func (c *Conn) HandleReconnect() {
	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()
	if err := c.join(ctx); err != nil {
		c.log.Warn("rejoin after reconnect failed", slogError(err))
		return
	}
	c.log.Info("reconnected and reconciled")
}

func (c *Conn) setOnline(online bool) {
	buffered := c.rep.SetOnline(online)
	c.mu.Lock()
	subs := make([]func(bool), len(c.onState))
	copy(subs, c.onState)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(online)
	}
	// Going online drains everything buffered while offline, oldest first.
	for _, update := range buffered {
		c.Publish(update)
	}
}

// OnStateChange registers a connectivity callback for the UI's non-blocking
// indicator.
func (c *Conn) OnStateChange(fn func(online bool)) {
	c.mu.Lock()
	c.onState = append(c.onState, fn)
	c.mu.Unlock()
}

func (c *Conn) runPresence() {
	defer c.wg.Done()
	ticker := time.NewTicker(time.Duration(c.cfg.PresenceIntervalMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if !c.rep.Online() {
				continue
			}
			c.PublishPresence(replica.Presence{
				Replica:   c.rep.ID(),
				Name:      c.name,
				Color:     c.color,
				Role:      c.role,
				UpdatedAt: time.Now().UTC(),
			})
		}
	}
}

// Close leaves the room cleanly and stops the heartbeat.
func (c *Conn) Close() {
	c.cancel()
	if c.sub != nil {
		_ = c.sub.Drain()
	}
	notice, err := json.Marshal(protocol.LeaveNotice{Replica: c.rep.ID()})
	if err == nil {
		_ = c.bus.Conn().Publish(protocol.SubjectLeave(c.room), notice)
	}
	c.wg.Wait()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
