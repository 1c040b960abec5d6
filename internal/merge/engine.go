package merge

import (
	"log/slog"

	"github.com/jutukuva/livecaption/internal/protocol"
	"github.com/jutukuva/livecaption/internal/replica"
	"github.com/jutukuva/livecaption/internal/transcript"
)

// Engine reconciles recognizer hypotheses against the word ledger. Each
// event carries the engine's full current best guess, so revisions are
// matched word-for-word by longest common prefix: prefix words keep their
// identity (and therefore their approval state), everything after the
// prefix is replaced.
type Engine struct {
	rep *replica.Replica
	log *slog.Logger

	paragraph transcript.ID
	utterance []transcript.ID
	closed    bool
	lastText  string
}

func NewEngine(rep *replica.Replica, log *slog.Logger) *Engine {
	return &Engine{
		rep: rep,
		log: log.With(slog.String("component", "merge")),
	}
}

// InsertHypothesis merges one hypothesis event and returns the encoded
// update for the transport, or nil when the event changed nothing.
func (e *Engine) InsertHypothesis(ev protocol.HypothesisEvent) ([]byte, error) {
	if e.closed {
		if ev.Text == e.lastText {
			return nil, nil
		}
		// A closed utterance is never revised; fresh text starts a new one
		// appended to the same paragraph.
		e.utterance = nil
		e.closed = false
	}

	doc := e.rep.Document()
	var ops []transcript.Op

	if e.paragraph.IsZero() {
		ops = append(ops, e.newParagraphOp())
	}

	// Re-resolve the utterance by stable ids: tokens replaced or removed by
	// remote merges no longer participate.
	live := e.utterance[:0:0]
	for _, id := range e.utterance {
		if _, ok := doc.Token(id); ok {
			live = append(live, id)
		}
	}

	// Approved words are locked in; matching runs over the trailing
	// non-approved suffix only.
	suffixStart := 0
	for i, id := range live {
		if doc.Approved(id) {
			suffixStart = i + 1
		}
	}
	suffix := live[suffixStart:]

	spans := wordSpans(ev.Text)
	if suffixStart > len(spans) {
		suffixStart = len(spans)
	}
	tail := spans[suffixStart:]

	prefixLen := 0
	for prefixLen < len(suffix) && prefixLen < len(tail) {
		tok, ok := doc.Token(suffix[prefixLen])
		if !ok || tok.Text != tail[prefixLen].word {
			break
		}
		prefixLen++
	}

	// Stable prefix words get promoted to final, id and timing preserved.
	for _, id := range suffix[:prefixLen] {
		tok, ok := doc.Token(id)
		if !ok || tok.Final || doc.Approved(id) {
			continue
		}
		ops = append(ops, transcript.Op{
			Kind:  transcript.OpSetContent,
			Token: id,
			Text:  tok.Text,
			Start: tok.Start,
			End:   tok.End,
			Final: true,
			Rev:   e.rep.NextRev(),
		})
	}

	// Old words past the prefix were corrected misrecognitions.
	if removed := suffix[prefixLen:]; len(removed) > 0 {
		ops = append(ops, transcript.Op{
			Kind: transcript.OpRemoveTokens,
			IDs:  append([]transcript.ID(nil), removed...),
		})
	}

	kept := append(append([]transcript.ID(nil), live[:suffixStart]...), suffix[:prefixLen]...)

	// New words past the prefix become fresh tokens with timing
	// interpolated by character offset across the event window.
	var inserted []*transcript.Token
	if fresh := tail[prefixLen:]; len(fresh) > 0 {
		left := e.anchorPosition(doc, kept)
		scale := 0.0
		if n := len(ev.Text); n > 0 {
			scale = (ev.End - ev.Start) / float64(n)
		}
		for _, sp := range fresh {
			id := e.rep.NewID()
			pos := transcript.Between(left, nil, e.rep.ID())
			tok := &transcript.Token{
				ID:       id,
				Position: pos,
				Text:     sp.word,
				Start:    ev.Start + float64(sp.start)*scale,
				End:      ev.Start + float64(sp.end)*scale,
				Final:    ev.IsFinal,
				Rev:      transcript.Rev{Clock: id.Clock, Replica: id.Replica},
			}
			inserted = append(inserted, tok)
			kept = append(kept, id)
			left = pos
		}
		ops = append(ops, transcript.Op{
			Kind:      transcript.OpInsertTokens,
			Paragraph: e.paragraph,
			Tokens:    inserted,
		})
	}

	if ev.IsFinal {
		// Final closes the utterance: every surviving word is promoted.
		for _, id := range kept {
			tok, ok := doc.Token(id)
			if !ok || tok.Final || doc.Approved(id) {
				continue
			}
			alreadyInserted := false
			for _, ins := range inserted {
				if ins.ID == id {
					alreadyInserted = true
					break
				}
			}
			if alreadyInserted {
				continue
			}
			ops = append(ops, transcript.Op{
				Kind:  transcript.OpSetContent,
				Token: id,
				Text:  tok.Text,
				Start: tok.Start,
				End:   tok.End,
				Final: true,
				Rev:   e.rep.NextRev(),
			})
		}
		e.closed = true
		e.lastText = ev.Text
	}

	e.utterance = kept

	if len(ops) == 0 {
		return nil, nil
	}
	return e.rep.Apply(ops...)
}

// SignalSpeechEnded closes the current paragraph; the next hypothesis
// starts a fresh one. Paragraphs only materialize when words arrive, so
// repeated boundary signals never leave empty paragraphs behind.
func (e *Engine) SignalSpeechEnded() {
	e.paragraph = transcript.ID{}
	e.utterance = nil
	e.closed = false
	e.lastText = ""
}

// Reset drops all utterance state, for document clears.
func (e *Engine) Reset() {
	e.SignalSpeechEnded()
}

func (e *Engine) newParagraphOp() transcript.Op {
	doc := e.rep.Document()
	var left transcript.Position
	if paras := doc.Paragraphs(); len(paras) > 0 {
		left = paras[len(paras)-1].Position
	}
	id := e.rep.NewID()
	e.paragraph = id
	return transcript.Op{
		Kind:         transcript.OpInsertParagraph,
		Paragraph:    id,
		ParagraphPos: transcript.Between(left, nil, e.rep.ID()),
	}
}

// anchorPosition finds the position new tokens should follow: the last kept
// utterance token, or the current tail of the paragraph.
func (e *Engine) anchorPosition(doc *transcript.Document, kept []transcript.ID) transcript.Position {
	for i := len(kept) - 1; i >= 0; i-- {
		if tok, ok := doc.Token(kept[i]); ok {
			return tok.Position
		}
	}
	for _, p := range doc.Paragraphs() {
		if p.ID == e.paragraph && len(p.Tokens) > 0 {
			return p.Tokens[len(p.Tokens)-1].Position
		}
	}
	return nil
}

type span struct {
	word  string
	start int
	end   int
}

// wordSpans splits text into words with their character offsets, so word
// timing can be interpolated across the event window.
func wordSpans(text string) []span {
	var out []span
	i := 0
	for i < len(text) {
		if text[i] == ' ' || text[i] == '\t' || text[i] == '\n' {
			i++
			continue
		}
		j := i
		for j < len(text) && text[j] != ' ' && text[j] != '\t' && text[j] != '\n' {
			j++
		}
		out = append(out, span{word: text[i:j], start: i, end: j})
		i = j
	}
	return out
}
