package caption

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jutukuva/livecaption/internal/bus"
	"github.com/jutukuva/livecaption/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Ingest bridges recognizer bus traffic into a session: partial and final
// transcripts become hypothesis events, voice-activity boundaries become
// paragraph breaks. Events for other recognizer sessions are dropped.
type Ingest struct {
	session   *Session
	sessionID string
	log       *slog.Logger
	subs      []*nats.Subscription
}

// NewIngest wires a session to the recognizer subjects. An empty sessionID
// accepts every recognizer stream.
func NewIngest(session *Session, sessionID string, log *slog.Logger) *Ingest {
	return &Ingest{
		session:   session,
		sessionID: sessionID,
		log:       log.With(slog.String("component", "ingest")),
	}
}

// Start subscribes to the recognizer subjects on the shared connection.
func (i *Ingest) Start(client *bus.Client) error {
	conn := client.Conn()

	partial, err := conn.Subscribe(protocol.SubjectTranscriptPartial, func(msg *nats.Msg) {
		i.handleTranscript(msg.Data, false)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", protocol.SubjectTranscriptPartial, err)
	}
	i.subs = append(i.subs, partial)

	final, err := conn.Subscribe(protocol.SubjectTranscriptFinal, func(msg *nats.Msg) {
		i.handleTranscript(msg.Data, true)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", protocol.SubjectTranscriptFinal, err)
	}
	i.subs = append(i.subs, final)

	ended, err := conn.Subscribe(protocol.SubjectSpeechEnded, func(msg *nats.Msg) {
		i.handleSpeechEnded(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", protocol.SubjectSpeechEnded, err)
	}
	i.subs = append(i.subs, ended)

	i.log.Info("recognizer ingest started")
	return nil
}

// Close drops the subscriptions.
func (i *Ingest) Close() {
	for _, sub := range i.subs {
		sub.Unsubscribe()
	}
	i.subs = nil
}

func (i *Ingest) handleTranscript(data []byte, isFinal bool) {
	var tr protocol.Transcript
	if err := json.Unmarshal(data, &tr); err != nil {
		i.log.Warn("malformed transcript payload", slog.String("error", err.Error()))
		return
	}
	if i.sessionID != "" && tr.SessionID != i.sessionID {
		return
	}
	i.session.InsertHypothesis(protocol.HypothesisEvent{
		Text:    tr.Text,
		Start:   tr.Start,
		End:     tr.End,
		IsFinal: isFinal,
	})
}

func (i *Ingest) handleSpeechEnded(data []byte) {
	var boundary protocol.SpeechBoundary
	if err := json.Unmarshal(data, &boundary); err != nil {
		i.log.Warn("malformed speech boundary payload", slog.String("error", err.Error()))
		return
	}
	if i.sessionID != "" && boundary.SessionID != i.sessionID {
		return
	}
	i.session.SignalSpeechEnded()
}
