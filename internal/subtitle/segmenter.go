package subtitle

import (
	"strings"

	"github.com/jutukuva/livecaption/internal/transcript"
)

// Segment is one emitted subtitle cue. Immutable once emitted: by approval
// monotonicity its words can never lose their approved state.
type Segment struct {
	Index   int             `json:"index"`
	Text    string          `json:"text"`
	Start   float64         `json:"start"`
	End     float64         `json:"end"`
	WordIDs []transcript.ID `json:"word_ids"`
}

// Thresholds control when a run of approved words becomes a cue.
type Thresholds struct {
	MinWords int
	MinChars int
}

// DefaultThresholds emits at five words or thirty characters.
func DefaultThresholds() Thresholds {
	return Thresholds{MinWords: 5, MinChars: 30}
}

// Segmenter turns approved words into time-coded cues. The emitted set is
// monotonic; a word id is never re-emitted.
type Segmenter struct {
	thresholds Thresholds
	emitted    map[transcript.ID]struct{}
	nextIndex  int
}

func NewSegmenter(th Thresholds) *Segmenter {
	if th.MinWords <= 0 {
		th.MinWords = 5
	}
	if th.MinChars <= 0 {
		th.MinChars = 30
	}
	return &Segmenter{
		thresholds: th,
		emitted:    make(map[transcript.ID]struct{}),
	}
}

// Evaluate scans the document for approved, unemitted words in order and
// emits segments per the thresholds. Mid-session the scan stops at the
// first non-approved word so cues always come out in transcript order; when
// recording has ended everything approved is flushed.
func (s *Segmenter) Evaluate(doc *transcript.Document, recordingEnded bool) []Segment {
	var out []Segment
	var run []*transcript.Token

	flushRun := func(force bool) {
		for len(run) > 0 {
			cut := s.segmentEnd(run, force)
			if cut == 0 {
				return
			}
			out = append(out, s.emit(run[:cut]))
			run = run[cut:]
		}
	}

	doc.EachToken(func(_ *transcript.Paragraph, tok *transcript.Token) bool {
		if _, done := s.emitted[tok.ID]; done {
			return true
		}
		if !doc.Approved(tok.ID) {
			// Skip pending words at session end; stop mid-session so cues
			// stay in transcript order.
			return recordingEnded
		}
		run = append(run, tok)
		return true
	})

	flushRun(recordingEnded)
	return out
}

// segmentEnd returns how many words of the run form the next cue, or zero
// when no trigger has been reached yet.
func (s *Segmenter) segmentEnd(run []*transcript.Token, force bool) int {
	chars := 0
	for i, tok := range run {
		chars += len(tok.Text)
		if i > 0 {
			chars++
		}
		if i+1 >= s.thresholds.MinWords || chars >= s.thresholds.MinChars || endsSentence(tok.Text) {
			return i + 1
		}
	}
	if force {
		return len(run)
	}
	return 0
}

func (s *Segmenter) emit(words []*transcript.Token) Segment {
	texts := make([]string, len(words))
	ids := make([]transcript.ID, len(words))
	for i, tok := range words {
		texts[i] = tok.Text
		ids[i] = tok.ID
		s.emitted[tok.ID] = struct{}{}
	}
	seg := Segment{
		Index:   s.nextIndex,
		Text:    strings.Join(texts, " "),
		Start:   words[0].Start,
		End:     words[len(words)-1].End,
		WordIDs: ids,
	}
	s.nextIndex++
	return seg
}

// Emitted reports whether a word id has already been covered by a cue.
func (s *Segmenter) Emitted(id transcript.ID) bool {
	_, ok := s.emitted[id]
	return ok
}

// EmittedCount is the number of word ids covered so far.
func (s *Segmenter) EmittedCount() int {
	return len(s.emitted)
}

// Reset clears all segmentation state, for document clears.
func (s *Segmenter) Reset() {
	s.emitted = make(map[transcript.ID]struct{})
	s.nextIndex = 0
}

func endsSentence(word string) bool {
	if word == "" {
		return false
	}
	switch word[len(word)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}
