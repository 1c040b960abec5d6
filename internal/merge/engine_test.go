package merge

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jutukuva/livecaption/internal/protocol"
	"github.com/jutukuva/livecaption/internal/replica"
	"github.com/jutukuva/livecaption/internal/transcript"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func docText(rep *replica.Replica) string {
	out := ""
	for i, p := range rep.Document().Paragraphs() {
		if i > 0 {
			out += "\n"
		}
		out += p.Text()
	}
	return out
}

func liveIDs(rep *replica.Replica) []transcript.ID {
	var ids []transcript.ID
	rep.Document().EachToken(func(_ *transcript.Paragraph, tok *transcript.Token) bool {
		ids = append(ids, tok.ID)
		return true
	})
	return ids
}

func TestHypothesisGrowth(t *testing.T) {
	rep := replica.New("r1")
	e := NewEngine(rep, newLogger())

	if _, err := e.InsertHypothesis(protocol.HypothesisEvent{Text: "tere", Start: 0, End: 0.4}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	first := liveIDs(rep)
	if len(first) != 1 {
		t.Fatalf("expected 1 token, got %d", len(first))
	}

	if _, err := e.InsertHypothesis(protocol.HypothesisEvent{Text: "tere maailm", Start: 0, End: 0.9}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if got := docText(rep); got != "tere maailm" {
		t.Fatalf("expected %q, got %q", "tere maailm", got)
	}
	// The stable prefix word keeps its identity across revisions.
	grown := liveIDs(rep)
	if grown[0] != first[0] {
		t.Fatalf("prefix word changed identity: %v vs %v", grown[0], first[0])
	}
}

func TestHypothesisCorrectionReplacesSuffix(t *testing.T) {
	rep := replica.New("r1")
	e := NewEngine(rep, newLogger())

	e.InsertHypothesis(protocol.HypothesisEvent{Text: "tere maaliim", Start: 0, End: 0.9})
	before := liveIDs(rep)

	e.InsertHypothesis(protocol.HypothesisEvent{Text: "tere maailm", Start: 0, End: 0.9})
	after := liveIDs(rep)

	if got := docText(rep); got != "tere maailm" {
		t.Fatalf("expected corrected text, got %q", got)
	}
	if after[0] != before[0] {
		t.Fatalf("unchanged prefix word must keep its id")
	}
	if after[1] == before[1] {
		t.Fatalf("corrected word must be a fresh token")
	}
	if !rep.Document().Removed(before[1]) {
		t.Fatalf("misrecognized word must be tombstoned")
	}
}

func TestApprovedWordLockedAgainstRevision(t *testing.T) {
	rep := replica.New("r1")
	e := NewEngine(rep, newLogger())

	e.InsertHypothesis(protocol.HypothesisEvent{Text: "tere maailm", Start: 0, End: 0.9})
	ids := liveIDs(rep)

	// A participant approves the first word mid-utterance.
	tok, _ := rep.Document().Token(ids[0])
	rep.Apply(transcript.Op{Kind: transcript.OpApprove, Token: ids[0], Approval: transcript.Approval{
		By: "alice", At: time.Now(), Rev: rep.NextRev(),
		Text: tok.Text, Start: tok.Start, End: tok.End, Position: tok.Position,
	}})

	// The recognizer revises everything, including the approved word.
	e.InsertHypothesis(protocol.HypothesisEvent{Text: "teri maaliim hoopis", Start: 0, End: 1.4})

	revised, _ := rep.Document().Token(ids[0])
	if revised.Text != "tere" {
		t.Fatalf("approved word must not change, got %q", revised.Text)
	}
	if !rep.Document().Approved(ids[0]) {
		t.Fatalf("approval must survive the revision")
	}
}

func TestFinalEventIsIdempotent(t *testing.T) {
	rep := replica.New("r1")
	e := NewEngine(rep, newLogger())

	e.InsertHypothesis(protocol.HypothesisEvent{Text: "tere maailm", Start: 0, End: 0.9, IsFinal: true})
	ids := liveIDs(rep)

	update, err := e.InsertHypothesis(protocol.HypothesisEvent{Text: "tere maailm", Start: 0, End: 0.9, IsFinal: true})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if update != nil {
		t.Fatalf("repeated final event must be a no-op")
	}
	if got := liveIDs(rep); len(got) != len(ids) || got[0] != ids[0] || got[1] != ids[1] {
		t.Fatalf("document changed on repeated final")
	}
}

func TestFinalPromotesWords(t *testing.T) {
	rep := replica.New("r1")
	e := NewEngine(rep, newLogger())

	e.InsertHypothesis(protocol.HypothesisEvent{Text: "tere maailm", Start: 0, End: 0.9})
	e.InsertHypothesis(protocol.HypothesisEvent{Text: "tere maailm", Start: 0, End: 0.9, IsFinal: true})

	rep.Document().EachToken(func(_ *transcript.Paragraph, tok *transcript.Token) bool {
		if !tok.Final {
			t.Fatalf("word %q not promoted to stable", tok.Text)
		}
		return true
	})
}

func TestTimingInterpolation(t *testing.T) {
	rep := replica.New("r1")
	e := NewEngine(rep, newLogger())

	// "tere maailm" is 11 chars over a 1.1s window: 0.1s per char.
	e.InsertHypothesis(protocol.HypothesisEvent{Text: "tere maailm", Start: 0, End: 1.1})

	ids := liveIDs(rep)
	first, _ := rep.Document().Token(ids[0])
	second, _ := rep.Document().Token(ids[1])
	approx := func(got, want float64) bool {
		d := got - want
		return d > -1e-9 && d < 1e-9
	}
	if !approx(first.Start, 0) || !approx(first.End, 0.4) {
		t.Fatalf("unexpected first word timing: %v-%v", first.Start, first.End)
	}
	if !approx(second.Start, 0.5) || !approx(second.End, 1.1) {
		t.Fatalf("unexpected second word timing: %v-%v", second.Start, second.End)
	}
	if first.End > second.Start {
		t.Fatalf("word windows must not overlap")
	}
}

func TestSpeechEndedStartsNewParagraph(t *testing.T) {
	rep := replica.New("r1")
	e := NewEngine(rep, newLogger())

	e.InsertHypothesis(protocol.HypothesisEvent{Text: "tere maailm", Start: 0, End: 0.9, IsFinal: true})
	e.SignalSpeechEnded()
	e.SignalSpeechEnded() // repeated boundary must not leave empty paragraphs
	e.InsertHypothesis(protocol.HypothesisEvent{Text: "uus lause", Start: 1.5, End: 2.3})

	paras := rep.Document().Paragraphs()
	if len(paras) != 2 {
		t.Fatalf("expected 2 paragraphs, got %d", len(paras))
	}
	if paras[0].Text() != "tere maailm" || paras[1].Text() != "uus lause" {
		t.Fatalf("unexpected paragraphs: %q / %q", paras[0].Text(), paras[1].Text())
	}
}

func TestFreshTextAfterFinalAppendsToUtterance(t *testing.T) {
	rep := replica.New("r1")
	e := NewEngine(rep, newLogger())

	e.InsertHypothesis(protocol.HypothesisEvent{Text: "tere maailm", Start: 0, End: 0.9, IsFinal: true})
	// No boundary signal arrived; new text keeps flowing into the paragraph.
	e.InsertHypothesis(protocol.HypothesisEvent{Text: "kuidas läheb", Start: 1.0, End: 1.8})

	paras := rep.Document().Paragraphs()
	if len(paras) != 1 {
		t.Fatalf("expected 1 paragraph, got %d", len(paras))
	}
	if got := paras[0].Text(); got != "tere maailm kuidas läheb" {
		t.Fatalf("expected appended utterance, got %q", got)
	}
}
