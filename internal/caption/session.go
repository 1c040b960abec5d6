package caption

import (
	"errors"
	"log/slog"
	"time"

	"github.com/jutukuva/livecaption/internal/approval"
	"github.com/jutukuva/livecaption/internal/autoconfirm"
	"github.com/jutukuva/livecaption/internal/merge"
	"github.com/jutukuva/livecaption/internal/protocol"
	"github.com/jutukuva/livecaption/internal/replica"
	"github.com/jutukuva/livecaption/internal/subtitle"
	"github.com/jutukuva/livecaption/internal/transcript"
)

// ErrNotHost rejects auto-confirm changes from non-host participants before
// any operation is emitted.
var ErrNotHost = errors.New("only the host can change the auto-confirm policy")

// RoleHost marks the participant that created the session.
const RoleHost = "host"

// Options configure a participant session.
type Options struct {
	Role        string
	AutoConfirm transcript.AutoConfirmConfig
	Segmenter   subtitle.Thresholds
}

// Session is one participant's view of a captioning room. All document
// logic runs on a single event loop: merge, approval, the auto-confirm
// scheduler and segmentation execute synchronously per document-change
// event and are never interleaved mid-event. Remote updates and fired
// timers enter through the same loop.
type Session struct {
	log     *slog.Logger
	rep     *replica.Replica
	role    string
	publish func(update []byte)

	engine    *merge.Engine
	approvals *approval.Manager
	sched     *autoconfirm.Scheduler
	seg       *subtitle.Segmenter

	cmds chan func()
	done chan struct{}

	recordingEnded bool

	onSegment []func(subtitle.Segment)
	onChange  []func()
	onNotice  []func(string)
}

// NewSession builds the event loop around a replica. publish forwards
// encoded updates to the transport; a nil publish keeps the session fully
// local (offline or tests).
func NewSession(rep *replica.Replica, opts Options, publish func(update []byte), log *slog.Logger) *Session {
	s := &Session{
		log:     log.With(slog.String("component", "session")),
		rep:     rep,
		role:    opts.Role,
		publish: publish,
		cmds:    make(chan func(), 256),
		done:    make(chan struct{}),
	}
	s.engine = merge.NewEngine(rep, log)
	s.approvals = approval.NewManager(rep, log)
	s.seg = subtitle.NewSegmenter(opts.Segmenter)
	s.sched = autoconfirm.NewScheduler(opts.AutoConfirm, s.timerFired, log)

	// Remote changes re-enter through the loop so every engine observes a
	// consistent document.
	rep.OnChange(func(remote bool) {
		if remote {
			s.post(s.reevaluate)
		}
	})

	go s.run()
	return s
}

func (s *Session) run() {
	for {
		select {
		case <-s.done:
			return
		case fn := <-s.cmds:
			fn()
		}
	}
}

func (s *Session) post(fn func()) {
	select {
	case <-s.done:
	case s.cmds <- fn:
	}
}

// call posts fn and waits for it to finish on the loop.
func (s *Session) call(fn func()) {
	doneCh := make(chan struct{})
	s.post(func() {
		fn()
		close(doneCh)
	})
	select {
	case <-s.done:
	case <-doneCh:
	}
}

// Close stops the loop and all timers.
func (s *Session) Close() {
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)
	s.sched.Close()
}

// Replica exposes the underlying replica for the transport binding.
func (s *Session) Replica() *replica.Replica { return s.rep }

// InsertHypothesis feeds one recognizer event through the merge engine.
func (s *Session) InsertHypothesis(ev protocol.HypothesisEvent) {
	s.call(func() {
		update, err := s.engine.InsertHypothesis(ev)
		if err != nil {
			s.log.Warn("merge failed", slog.String("error", err.Error()))
			return
		}
		s.send(update)
		s.reevaluate()
	})
}

// SignalSpeechEnded marks the voice-activity boundary; the next hypothesis
// starts a new paragraph.
func (s *Session) SignalSpeechEnded() {
	s.call(func() {
		s.engine.SignalSpeechEnded()
	})
}

// ApplyRemote merges an encoded update from the relay. The merge runs on the
// event loop, so remote traffic never touches the document while a local
// engine is mid-change.
func (s *Session) ApplyRemote(payload []byte) {
	s.post(func() {
		if _, err := s.rep.ApplyUpdate(payload); err != nil {
			s.log.Warn("failed to apply remote update", slog.String("error", err.Error()))
		}
	})
}

// MergeSnapshot merges relay state on join or reconnect, serialized with
// everything else the session does.
func (s *Session) MergeSnapshot(data []byte) error {
	var err error
	s.call(func() { err = s.rep.ApplySnapshot(data) })
	return err
}

// Approve flips one token to its terminal state. Concurrent approvals of
// the same token converge to a single approver on every replica; losing a
// race surfaces as an informational notice, not an error.
func (s *Session) Approve(id transcript.ID) {
	s.call(func() {
		s.approve(id, s.rep.ID())
	})
}

// ApproveUpToCursor approves every eligible token from the start of the
// document through the active-selection cursor.
func (s *Session) ApproveUpToCursor() {
	s.call(func() {
		cursor := s.approvals.Cursor()
		if cursor.IsZero() {
			return
		}
		n, update, err := s.approvals.ApproveRange(transcript.ID{}, cursor, s.rep.ID(), time.Now())
		if err != nil {
			s.log.Warn("range approval failed", slog.String("error", err.Error()))
			return
		}
		if n > 0 {
			s.send(update)
			s.reevaluate()
		}
	})
}

// SetCursor moves the active-selection cursor.
func (s *Session) SetCursor(id transcript.ID) {
	s.call(func() { s.approvals.SetCursor(id) })
}

// EditToken rewrites a non-approved token, resetting it to pending and
// arming a fresh auto-confirm timer. Edits on approved tokens are refused
// before any operation is emitted.
func (s *Session) EditToken(id transcript.ID, text string) error {
	var err error
	s.call(func() {
		var update []byte
		update, err = s.approvals.EditToken(id, text)
		if err != nil {
			return
		}
		s.send(update)
		// The token went back to pending; its countdown restarts.
		s.sched.Cancel(id)
		s.reevaluate()
	})
	return err
}

// SetAutoConfirm replaces the auto-confirm policy. Host only; the change
// replicates to every participant.
func (s *Session) SetAutoConfirm(cfg transcript.AutoConfirmConfig) error {
	if s.role != RoleHost {
		return ErrNotHost
	}
	s.call(func() {
		update, err := s.rep.Apply(transcript.Op{
			Kind:        transcript.OpSetAutoConfirm,
			AutoConfirm: cfg,
			Rev:         s.rep.NextRev(),
		})
		if err != nil {
			s.log.Warn("auto-confirm update failed", slog.String("error", err.Error()))
			return
		}
		s.send(update)
		s.reevaluate()
	})
	return nil
}

// EndRecording flushes the remaining approved words into a final segment.
func (s *Session) EndRecording() {
	s.call(func() {
		s.recordingEnded = true
		s.reevaluate()
	})
}

// Clear resets the document for a new take. Emitted segments stay emitted;
// segmentation state resets with the document.
func (s *Session) Clear() {
	s.call(func() {
		update, err := s.rep.Apply(transcript.Op{Kind: transcript.OpClear})
		if err != nil {
			s.log.Warn("clear failed", slog.String("error", err.Error()))
			return
		}
		s.send(update)
		s.engine.Reset()
		s.seg.Reset()
		s.sched.Reconfigure(s.sched.Config())
		s.recordingEnded = false
		s.notifyChange()
	})
}

// OnSegment subscribes to the emitted subtitle cue stream.
func (s *Session) OnSegment(fn func(subtitle.Segment)) {
	s.call(func() { s.onSegment = append(s.onSegment, fn) })
}

// OnChange subscribes to document change notifications.
func (s *Session) OnChange(fn func()) {
	s.call(func() { s.onChange = append(s.onChange, fn) })
}

// OnNotice subscribes to informational notices ("already approved").
func (s *Session) OnNotice(fn func(string)) {
	s.call(func() { s.onNotice = append(s.onNotice, fn) })
}

// Participants lists current presence.
func (s *Session) Participants(maxAge time.Duration) []replica.Presence {
	var out []replica.Presence
	s.call(func() { out = s.rep.Participants(maxAge, time.Now()) })
	return out
}

// timerFired runs on the timer goroutine; the actual approval happens on
// the loop after re-validating the token against current state.
func (s *Session) timerFired(id transcript.ID) {
	s.post(func() {
		doc := s.rep.Document()
		if doc.Approved(id) {
			return
		}
		if _, ok := doc.Token(id); !ok {
			// The token was replaced since the timer armed; discard.
			return
		}
		s.approve(id, autoconfirm.ApproverID)
	})
}

func (s *Session) approve(id transcript.ID, approver string) {
	outcome, update, err := s.approvals.Approve(id, approver, time.Now())
	if err != nil {
		s.log.Warn("approval failed", slog.String("error", err.Error()))
		return
	}
	switch outcome {
	case approval.OutcomeAlreadyApproved:
		s.notice("word already approved by another participant")
	case approval.OutcomeNotFound:
		// Benign race between merge and approval.
	case approval.OutcomeApproved:
		s.sched.Cancel(id)
		s.send(update)
		s.reevaluate()
	}
}

func (s *Session) send(update []byte) {
	if update == nil || s.publish == nil {
		return
	}
	s.publish(update)
}

// reevaluate runs after every document change, local or remote: it syncs
// the scheduler against the current token set, re-reads the replicated
// auto-confirm policy and lets the segmenter emit anything newly eligible.
func (s *Session) reevaluate() {
	doc := s.rep.Document()

	if cfg, rev := doc.AutoConfirm(); !rev.IsZero() {
		s.sched.Reconfigure(cfg)
	}

	doc.EachToken(func(_ *transcript.Paragraph, tok *transcript.Token) bool {
		if doc.Approved(tok.ID) {
			s.sched.Cancel(tok.ID)
		} else {
			s.sched.Track(tok.ID)
		}
		return true
	})

	for _, seg := range s.seg.Evaluate(doc, s.recordingEnded) {
		for _, fn := range s.onSegment {
			fn(seg)
		}
	}

	s.notifyChange()
}

func (s *Session) notifyChange() {
	for _, fn := range s.onChange {
		fn()
	}
}

func (s *Session) notice(msg string) {
	s.log.Info(msg)
	for _, fn := range s.onNotice {
		fn(msg)
	}
}
