package transcript

import (
	"encoding/json"
	"fmt"
)

// Document is the replicated word ledger: ordered paragraphs of tokens, the
// approval map, and the tombstone set for removed ids. All mutation goes
// through Apply so that local and remote ops take the identical code path.
//
// The document itself is not goroutine-safe; callers serialize access (the
// session event loop on clients, the per-room lock on the relay).
type Document struct {
	paragraphs []*Paragraph
	paraByID   map[ID]*Paragraph
	tokenPara  map[ID]ID
	approvals  map[ID]Approval
	removed    map[ID]struct{}

	autoConfirm    AutoConfirmConfig
	autoConfirmRev Rev

	clock uint64
}

func NewDocument() *Document {
	return &Document{
		paraByID:  make(map[ID]*Paragraph),
		tokenPara: make(map[ID]ID),
		approvals: make(map[ID]Approval),
		removed:   make(map[ID]struct{}),
	}
}

// NextClock advances the lamport clock and returns the fresh value. Remote
// ops observed through Apply push the clock forward so local stamps always
// exceed everything already seen.
func (d *Document) NextClock() uint64 {
	d.clock++
	return d.clock
}

func (d *Document) observe(clock uint64) {
	if clock > d.clock {
		d.clock = clock
	}
}

// Apply executes one op and reports whether visible state changed. Applying
// the same op twice is always a no-op the second time.
func (d *Document) Apply(op Op) bool {
	switch op.Kind {
	case OpInsertParagraph:
		return d.applyInsertParagraph(op)
	case OpInsertTokens:
		return d.applyInsertTokens(op)
	case OpRemoveTokens:
		return d.applyRemoveTokens(op)
	case OpSetContent:
		return d.applySetContent(op)
	case OpApprove:
		return d.applyApprove(op)
	case OpSetAutoConfirm:
		return d.applySetAutoConfirm(op)
	case OpClear:
		return d.applyClear()
	default:
		// Unknown kinds from newer peers are skipped, not fatal.
		return false
	}
}

// ApplyUpdate runs a batch of ops, returning whether anything changed.
func (d *Document) ApplyUpdate(u Update) bool {
	changed := false
	for _, op := range u.Ops {
		if d.Apply(op) {
			changed = true
		}
	}
	return changed
}

func (d *Document) applyInsertParagraph(op Op) bool {
	d.observe(op.Paragraph.Clock)
	if _, ok := d.paraByID[op.Paragraph]; ok {
		return false
	}
	p := &Paragraph{ID: op.Paragraph, Position: op.ParagraphPos.clone(), Speaker: op.Speaker}
	d.paraByID[p.ID] = p
	i := d.searchParagraph(p.Position)
	d.paragraphs = append(d.paragraphs, nil)
	copy(d.paragraphs[i+1:], d.paragraphs[i:])
	d.paragraphs[i] = p
	return true
}

func (d *Document) searchParagraph(pos Position) int {
	lo, hi := 0, len(d.paragraphs)
	for lo < hi {
		mid := (lo + hi) / 2
		if ComparePositions(d.paragraphs[mid].Position, pos) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// ensureParagraph covers token inserts whose paragraph op has not arrived
// yet; the insert op carries the paragraph header so order does not matter.
func (d *Document) ensureParagraph(op Op) *Paragraph {
	if p, ok := d.paraByID[op.Paragraph]; ok {
		return p
	}
	d.applyInsertParagraph(op)
	return d.paraByID[op.Paragraph]
}

func (d *Document) applyInsertTokens(op Op) bool {
	p := d.ensureParagraph(op)
	if p == nil {
		return false
	}
	changed := false
	for _, tok := range op.Tokens {
		d.observe(tok.ID.Clock)
		d.observe(tok.Rev.Clock)
		if _, gone := d.removed[tok.ID]; gone {
			continue
		}
		if _, exists := d.tokenPara[tok.ID]; exists {
			continue
		}
		cp := *tok
		cp.Position = tok.Position.clone()
		if appr, ok := d.approvals[tok.ID]; ok {
			pinApproval(&cp, appr)
		}
		p.insertToken(&cp)
		d.tokenPara[cp.ID] = p.ID
		changed = true
	}
	return changed
}

func (d *Document) applyRemoveTokens(op Op) bool {
	changed := false
	for _, id := range op.IDs {
		d.observe(id.Clock)
		if _, ok := d.approvals[id]; ok {
			// Approved tokens are permanent; a racing removal loses.
			continue
		}
		if _, ok := d.removed[id]; ok {
			continue
		}
		d.removed[id] = struct{}{}
		if paraID, ok := d.tokenPara[id]; ok {
			if p := d.paraByID[paraID]; p != nil {
				p.removeToken(id)
			}
			delete(d.tokenPara, id)
		}
		changed = true
	}
	return changed
}

func (d *Document) applySetContent(op Op) bool {
	d.observe(op.Rev.Clock)
	if _, ok := d.approvals[op.Token]; ok {
		return false
	}
	tok := d.token(op.Token)
	if tok == nil {
		return false
	}
	if !op.Rev.After(tok.Rev) {
		return false
	}
	tok.Text = op.Text
	tok.Start = op.Start
	tok.End = op.End
	tok.Final = op.Final
	tok.Rev = op.Rev
	return true
}

func (d *Document) applyApprove(op Op) bool {
	appr := op.Approval
	d.observe(appr.Rev.Clock)
	if existing, ok := d.approvals[op.Token]; ok {
		if !appr.Rev.Before(existing.Rev) {
			return false
		}
		// A causally-earlier approval displaces the one we had; the token
		// stays approved throughout, only the recorded approver converges.
		d.approvals[op.Token] = appr
		if tok := d.token(op.Token); tok != nil {
			pinApproval(tok, appr)
		}
		return true
	}
	d.approvals[op.Token] = appr
	if tok := d.token(op.Token); tok != nil {
		pinApproval(tok, appr)
		return true
	}
	// The token was concurrently replaced by a merge revision. Approved
	// content must never be lost, so the approval snapshot resurrects it.
	delete(d.removed, op.Token)
	d.applyInsertTokens(Op{
		Kind:      OpInsertTokens,
		Paragraph: appr.Paragraph,
		Tokens: []*Token{{
			ID:       op.Token,
			Position: appr.Position,
			Text:     appr.Text,
			Start:    appr.Start,
			End:      appr.End,
			Final:    true,
			Rev:      appr.Rev,
		}},
	})
	return true
}

func pinApproval(tok *Token, appr Approval) {
	tok.Text = appr.Text
	tok.Start = appr.Start
	tok.End = appr.End
	tok.Final = true
	tok.Rev = appr.Rev
}

func (d *Document) applySetAutoConfirm(op Op) bool {
	d.observe(op.Rev.Clock)
	if !op.Rev.After(d.autoConfirmRev) {
		return false
	}
	d.autoConfirm = op.AutoConfirm
	d.autoConfirmRev = op.Rev
	return true
}

func (d *Document) applyClear() bool {
	if len(d.paragraphs) == 0 && len(d.approvals) == 0 && len(d.removed) == 0 {
		return false
	}
	d.paragraphs = nil
	d.paraByID = make(map[ID]*Paragraph)
	d.tokenPara = make(map[ID]ID)
	d.approvals = make(map[ID]Approval)
	d.removed = make(map[ID]struct{})
	return true
}

func (d *Document) token(id ID) *Token {
	paraID, ok := d.tokenPara[id]
	if !ok {
		return nil
	}
	p := d.paraByID[paraID]
	if p == nil {
		return nil
	}
	for _, tok := range p.Tokens {
		if tok.ID == id {
			return tok
		}
	}
	return nil
}

// Token returns a copy of the token with the given id, resolving by stable
// identity regardless of any edits since the id was captured.
func (d *Document) Token(id ID) (Token, bool) {
	tok := d.token(id)
	if tok == nil {
		return Token{}, false
	}
	return *tok, true
}

// ParagraphOf reports which paragraph currently holds the token.
func (d *Document) ParagraphOf(id ID) (ID, bool) {
	paraID, ok := d.tokenPara[id]
	return paraID, ok
}

// Approval returns the converged approval record for a token, if any.
func (d *Document) Approval(id ID) (Approval, bool) {
	appr, ok := d.approvals[id]
	return appr, ok
}

// Approved reports whether the token has been approved. Monotonic: once
// true it stays true for the life of the document.
func (d *Document) Approved(id ID) bool {
	_, ok := d.approvals[id]
	return ok
}

// Removed reports whether the id has been tombstoned.
func (d *Document) Removed(id ID) bool {
	_, ok := d.removed[id]
	return ok
}

// Paragraphs returns the ordered paragraphs. Callers must not mutate.
func (d *Document) Paragraphs() []*Paragraph {
	return d.paragraphs
}

// EachToken walks every live token in document order.
func (d *Document) EachToken(fn func(p *Paragraph, tok *Token) bool) {
	for _, p := range d.paragraphs {
		for _, tok := range p.Tokens {
			if !fn(p, tok) {
				return
			}
		}
	}
}

// AutoConfirm returns the current auto-confirm policy register.
func (d *Document) AutoConfirm() (AutoConfirmConfig, Rev) {
	return d.autoConfirm, d.autoConfirmRev
}

// snapshotState is the serialized form of a document.
type snapshotState struct {
	Paragraphs     []*Paragraph        `json:"paragraphs"`
	Approvals      map[string]Approval `json:"approvals"`
	Removed        []ID                `json:"removed"`
	AutoConfirm    AutoConfirmConfig   `json:"auto_confirm"`
	AutoConfirmRev Rev                 `json:"auto_confirm_rev"`
	Clock          uint64              `json:"clock"`
}

// Snapshot serializes the full document state for joins and crash recovery.
func (d *Document) Snapshot() ([]byte, error) {
	st := snapshotState{
		Paragraphs:     d.paragraphs,
		Approvals:      make(map[string]Approval, len(d.approvals)),
		AutoConfirm:    d.autoConfirm,
		AutoConfirmRev: d.autoConfirmRev,
		Clock:          d.clock,
	}
	for id, appr := range d.approvals {
		st.Approvals[id.String()] = appr
	}
	for id := range d.removed {
		st.Removed = append(st.Removed, id)
	}
	data, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// ApplySnapshot merges a serialized document into this one. Merging instead
// of overwriting lets an offline replica reconcile its local edits against
// the server state on reconnect.
func (d *Document) ApplySnapshot(data []byte) error {
	var st snapshotState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	d.observe(st.Clock)
	d.Apply(Op{Kind: OpSetAutoConfirm, AutoConfirm: st.AutoConfirm, Rev: st.AutoConfirmRev})
	for _, id := range st.Removed {
		d.Apply(Op{Kind: OpRemoveTokens, IDs: []ID{id}})
	}
	for idStr, appr := range st.Approvals {
		id, err := ParseID(idStr)
		if err != nil {
			continue
		}
		d.Apply(Op{Kind: OpApprove, Token: id, Approval: appr})
	}
	for _, p := range st.Paragraphs {
		d.Apply(Op{
			Kind:         OpInsertTokens,
			Paragraph:    p.ID,
			ParagraphPos: p.Position,
			Speaker:      p.Speaker,
			Tokens:       p.Tokens,
		})
		for _, tok := range p.Tokens {
			// Content registers merge by revision for tokens both sides know.
			d.Apply(Op{
				Kind:  OpSetContent,
				Token: tok.ID,
				Text:  tok.Text,
				Start: tok.Start,
				End:   tok.End,
				Final: tok.Final,
				Rev:   tok.Rev,
			})
		}
	}
	return nil
}
