package approval

import (
	"errors"
	"log/slog"
	"time"

	"github.com/jutukuva/livecaption/internal/replica"
	"github.com/jutukuva/livecaption/internal/transcript"
)

// ErrApproved is returned when an edit targets an approved token. Approved
// content is immutable; the refusal happens before any operation is
// emitted.
var ErrApproved = errors.New("token is approved and cannot be edited")

// Outcome classifies an approve call. AlreadyApproved is an expected result
// of concurrent collaboration, surfaced as information rather than error.
type Outcome int

const (
	OutcomeApproved Outcome = iota
	OutcomeAlreadyApproved
	OutcomeNotFound
)

// Manager drives the per-word lifecycle Pending → Stable → Approved and
// tracks the active-selection cursor. First-writer-wins on concurrent
// approvals is resolved by the document's approval register, not here.
type Manager struct {
	rep    *replica.Replica
	log    *slog.Logger
	cursor transcript.ID
}

func NewManager(rep *replica.Replica, log *slog.Logger) *Manager {
	return &Manager{
		rep: rep,
		log: log.With(slog.String("component", "approval")),
	}
}

// Approve flips the token to its terminal state as one replicated
// operation. The emitted op carries the content the approver saw, pinning
// text and timing on every replica.
func (m *Manager) Approve(id transcript.ID, approver string, at time.Time) (Outcome, []byte, error) {
	doc := m.rep.Document()
	if doc.Approved(id) {
		return OutcomeAlreadyApproved, nil, nil
	}
	tok, ok := doc.Token(id)
	if !ok {
		// Benign race between merge and approval; never surfaced.
		return OutcomeNotFound, nil, nil
	}
	paraID, _ := doc.ParagraphOf(id)
	op := transcript.Op{
		Kind:  transcript.OpApprove,
		Token: id,
		Approval: transcript.Approval{
			By:        approver,
			At:        at.UTC(),
			Rev:       m.rep.NextRev(),
			Text:      tok.Text,
			Start:     tok.Start,
			End:       tok.End,
			Paragraph: paraID,
			Position:  tok.Position,
		},
	}
	data, err := m.rep.Apply(op)
	if err != nil {
		return OutcomeApproved, nil, err
	}
	m.advanceCursor(id)
	return OutcomeApproved, data, nil
}

// ApproveRange approves every eligible token from from through to in
// document order ("approve up to cursor").
func (m *Manager) ApproveRange(from, to transcript.ID, approver string, at time.Time) (int, []byte, error) {
	doc := m.rep.Document()
	var ops []transcript.Op
	inRange := from.IsZero()
	rev := func() transcript.Rev { return m.rep.NextRev() }
	var last transcript.ID
	doc.EachToken(func(p *transcript.Paragraph, tok *transcript.Token) bool {
		if tok.ID == from {
			inRange = true
		}
		if !inRange {
			return true
		}
		if !doc.Approved(tok.ID) {
			ops = append(ops, transcript.Op{
				Kind:  transcript.OpApprove,
				Token: tok.ID,
				Approval: transcript.Approval{
					By:        approver,
					At:        at.UTC(),
					Rev:       rev(),
					Text:      tok.Text,
					Start:     tok.Start,
					End:       tok.End,
					Paragraph: p.ID,
					Position:  tok.Position,
				},
			})
			last = tok.ID
		}
		return tok.ID != to
	})
	if len(ops) == 0 {
		return 0, nil, nil
	}
	data, err := m.rep.Apply(ops...)
	if err != nil {
		return 0, nil, err
	}
	m.advanceCursor(last)
	return len(ops), data, nil
}

// EditToken rewrites a non-approved token's text, resetting it to Pending
// with the same id. Edits on approved tokens are refused locally before any
// operation is emitted.
func (m *Manager) EditToken(id transcript.ID, text string) ([]byte, error) {
	doc := m.rep.Document()
	if doc.Approved(id) {
		return nil, ErrApproved
	}
	tok, ok := doc.Token(id)
	if !ok {
		return nil, nil
	}
	return m.rep.Apply(transcript.Op{
		Kind:  transcript.OpSetContent,
		Token: id,
		Text:  text,
		Start: tok.Start,
		End:   tok.End,
		Final: false,
		Rev:   m.rep.NextRev(),
	})
}

// Cursor returns the active-selection cursor.
func (m *Manager) Cursor() transcript.ID { return m.cursor }

// SetCursor moves the cursor explicitly (e.g. a click in the transcript).
func (m *Manager) SetCursor(id transcript.ID) { m.cursor = id }

// advanceCursor moves the cursor to the next non-approved token after the
// one just approved.
func (m *Manager) advanceCursor(approved transcript.ID) {
	doc := m.rep.Document()
	seen := false
	m.cursor = transcript.ID{}
	doc.EachToken(func(_ *transcript.Paragraph, tok *transcript.Token) bool {
		if seen && !doc.Approved(tok.ID) {
			m.cursor = tok.ID
			return false
		}
		if tok.ID == approved {
			seen = true
		}
		return true
	})
}
