package recognizer

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jutukuva/livecaption/internal/bus"
	"github.com/jutukuva/livecaption/internal/protocol"
)

// Feeder replays a script over the recognizer subjects the way a streaming
// engine would: each utterance grows word by word as partials, closes with a
// final, then a voice-activity boundary. It exists for development and demos
// so the pipeline can be exercised without a live recognizer.
type Feeder struct {
	bus       *bus.Client
	log       *slog.Logger
	sessionID string
	interval  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFeeder builds a feeder publishing under sessionID every interval.
func NewFeeder(parent context.Context, busClient *bus.Client, sessionID string, interval time.Duration, log *slog.Logger) *Feeder {
	ctx, cancel := context.WithCancel(parent)
	if interval <= 0 {
		interval = 400 * time.Millisecond
	}
	return &Feeder{
		bus:       busClient,
		log:       log.With(slog.String("component", "recognizer-feeder")),
		sessionID: sessionID,
		interval:  interval,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Run replays the utterances asynchronously. Each utterance string becomes
// one paragraph in the document.
func (f *Feeder) Run(utterances []string) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for _, utterance := range utterances {
			if !f.playUtterance(utterance) {
				return
			}
		}
	}()
}

// Close stops replay and waits for the publishing goroutine.
func (f *Feeder) Close() {
	f.cancel()
	f.wg.Wait()
}

func (f *Feeder) playUtterance(text string) bool {
	words := strings.Fields(text)
	if len(words) == 0 {
		return true
	}

	start := 0.0
	perWord := f.interval.Seconds()

	for i := 1; i <= len(words); i++ {
		if !f.sleep() {
			return false
		}
		partial := strings.Join(words[:i], " ")
		f.publishTranscript(partial, start, start+perWord*float64(i), i == len(words))
	}

	if !f.sleep() {
		return false
	}
	f.publishSpeechEnded()
	return true
}

func (f *Feeder) sleep() bool {
	select {
	case <-f.ctx.Done():
		return false
	case <-time.After(f.interval):
		return true
	}
}

func (f *Feeder) publishTranscript(text string, start, end float64, final bool) {
	subject := protocol.SubjectTranscriptPartial
	if final {
		subject = protocol.SubjectTranscriptFinal
	}
	msg := protocol.Transcript{
		SessionID: f.sessionID,
		Text:      text,
		Partial:   !final,
		Start:     start,
		End:       end,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		f.log.Warn("failed to marshal transcript", slog.String("error", err.Error()))
		return
	}
	if err := f.bus.Conn().Publish(subject, data); err != nil {
		f.log.Warn("failed to publish transcript", slog.String("error", err.Error()))
	}
}

func (f *Feeder) publishSpeechEnded() {
	msg := protocol.SpeechBoundary{
		SessionID: f.sessionID,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		f.log.Warn("failed to marshal speech boundary", slog.String("error", err.Error()))
		return
	}
	if err := f.bus.Conn().Publish(protocol.SubjectSpeechEnded, data); err != nil {
		f.log.Warn("failed to publish speech boundary", slog.String("error", err.Error()))
	}
}
