package transcript

import "time"

// Token is the atomic, identity-bearing unit of transcript text. Text and
// timing form a last-writer-wins register stamped by Rev; approval state
// lives in the document's approval map and, once present, freezes the
// register.
type Token struct {
	ID       ID       `json:"id"`
	Position Position `json:"position"`
	Text     string   `json:"text"`
	Start    float64  `json:"start"`
	End      float64  `json:"end"`
	Final    bool     `json:"final"`
	Rev      Rev      `json:"rev"`
}

// Approval records the winning approve write for a token. The snapshot
// fields pin the content the approver saw, so text and timing converge even
// against a causally concurrent edit.
type Approval struct {
	By        string    `json:"by"`
	At        time.Time `json:"at"`
	Rev       Rev       `json:"rev"`
	Text      string    `json:"text"`
	Start     float64   `json:"start"`
	End       float64   `json:"end"`
	Paragraph ID        `json:"paragraph"`
	Position  Position  `json:"position"`
}

// Paragraph groups tokens between voice-activity boundaries. Tokens are
// kept sorted by position; ties cannot occur because positions embed the
// minting replica.
type Paragraph struct {
	ID       ID       `json:"id"`
	Position Position `json:"position"`
	Speaker  string   `json:"speaker,omitempty"`
	Tokens   []*Token `json:"tokens"`
}

func (p *Paragraph) insertToken(tok *Token) {
	i := p.searchToken(tok.Position)
	p.Tokens = append(p.Tokens, nil)
	copy(p.Tokens[i+1:], p.Tokens[i:])
	p.Tokens[i] = tok
}

// searchToken returns the index of the first token at or after pos.
func (p *Paragraph) searchToken(pos Position) int {
	lo, hi := 0, len(p.Tokens)
	for lo < hi {
		mid := (lo + hi) / 2
		if ComparePositions(p.Tokens[mid].Position, pos) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func (p *Paragraph) removeToken(id ID) bool {
	for i, tok := range p.Tokens {
		if tok.ID == id {
			p.Tokens = append(p.Tokens[:i], p.Tokens[i+1:]...)
			return true
		}
	}
	return false
}

// Text joins the paragraph's tokens with single spaces.
func (p *Paragraph) Text() string {
	out := ""
	for i, tok := range p.Tokens {
		if i > 0 {
			out += " "
		}
		out += tok.Text
	}
	return out
}

// AutoConfirmConfig is the host-controlled auto-approval policy, replicated
// to every participant as a last-writer-wins register.
type AutoConfirmConfig struct {
	Enabled        bool `json:"enabled"`
	TimeoutSeconds int  `json:"timeout_seconds"`
}
