package protocol

import "time"

// HypothesisEvent is the recognizer's full current best guess for an
// in-progress utterance, not a delta. Start and End bound the utterance in
// seconds on the session timeline.
type HypothesisEvent struct {
	Text    string  `json:"text"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	IsFinal bool    `json:"is_final"`
}

// Transcript mirrors the recognizer bus payload so the caption session can
// ingest hypotheses straight off the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Start      float64   `json:"start,omitempty"`
	End        float64   `json:"end,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// SpeechBoundary is the voice-activity "speech ended" signal; it is the
// only trigger for starting a new paragraph.
type SpeechBoundary struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectSpeechEnded       = "stt.vad.ended"
)
