package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jutukuva/livecaption/internal/bus"
	"github.com/jutukuva/livecaption/internal/caption"
	"github.com/jutukuva/livecaption/internal/config"
	"github.com/jutukuva/livecaption/internal/recognizer"
	"github.com/jutukuva/livecaption/internal/replica"
	"github.com/jutukuva/livecaption/internal/roomsync"
	"github.com/jutukuva/livecaption/internal/subtitle"
	"github.com/jutukuva/livecaption/internal/transcript"
)

var version = "0.1.0-dev"

// caption-client is a terminal participant: it joins a room through the
// relay, ingests recognizer events off the bus and prints emitted subtitle
// cues. The -demo flag replays a scripted recognizer stream so a full room
// can be exercised without audio hardware.
func main() {
	var (
		configPath  string
		room        string
		name        string
		role        string
		demo        bool
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file (defaults apply when empty)")
	flag.StringVar(&room, "room", "", "Room code to join (required)")
	flag.StringVar(&name, "name", "guest", "Display name")
	flag.StringVar(&role, "role", "viewer", "Role: host, editor or viewer")
	flag.BoolVar(&demo, "demo", false, "Replay a scripted recognizer stream")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}
	if room == "" {
		fmt.Fprintln(os.Stderr, "-room is required")
		os.Exit(2)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, room, name, role, demo, logger); err != nil {
		logger.Error("client exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, room, name, role string, demo bool, logger *slog.Logger) error {
	rep := replica.New(uuid.NewString())

	var conn *roomsync.Conn
	busClient, err := bus.Connect(cfg.Bus, logger,
		func() {
			if conn != nil {
				conn.HandleDisconnect()
			}
		},
		func() {
			if conn != nil {
				conn.HandleReconnect()
			}
		})
	if err != nil {
		return err
	}
	defer busClient.Close()

	conn = roomsync.NewConn(ctx, cfg.Room, busClient, room, rep, name, randomColor(), role, logger)

	session := caption.NewSession(rep, caption.Options{
		Role: role,
		AutoConfirm: transcript.AutoConfirmConfig{
			Enabled:        cfg.AutoConfirm.Enabled,
			TimeoutSeconds: cfg.AutoConfirm.TimeoutSeconds,
		},
		Segmenter: subtitle.Thresholds{
			MinWords: cfg.Segmenter.MinWords,
			MinChars: cfg.Segmenter.MinChars,
		},
	}, conn.Publish, logger)
	defer session.Close()

	// Bind before Connect so the join snapshot and every relay frame go
	// through the session loop rather than straight into the replica.
	conn.Bind(session)

	joinCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.Connect(joinCtx); err != nil {
		return err
	}
	defer conn.Close()

	session.OnSegment(func(seg subtitle.Segment) {
		fmt.Printf("[cue %d] %.2f-%.2f %s\n", seg.Index, seg.Start, seg.End, seg.Text)
	})
	session.OnNotice(func(msg string) {
		fmt.Fprintln(os.Stderr, msg)
	})
	conn.OnStateChange(func(online bool) {
		state := "offline"
		if online {
			state = "online"
		}
		fmt.Fprintf(os.Stderr, "connection: %s\n", state)
	})

	ingest := caption.NewIngest(session, "", logger)
	if err := ingest.Start(busClient); err != nil {
		return err
	}
	defer ingest.Close()

	if demo {
		feeder := recognizer.NewFeeder(ctx, busClient, uuid.NewString(), 400*time.Millisecond, logger)
		feeder.Run(demoScript())
		defer feeder.Close()
	}

	logger.Info("joined room",
		slog.String("room", room),
		slog.String("replica", rep.ID()),
		slog.String("role", role))

	<-ctx.Done()
	return nil
}

func demoScript() []string {
	return []string{
		"tere maailm kuidas läheb",
		"täna räägime subtiitrite toimetamisest",
	}
}

func randomColor() string {
	colors := []string{"#e6194b", "#3cb44b", "#4363d8", "#f58231", "#911eb4", "#46f0f0"}
	id := uuid.New()
	return colors[int(id[0])%len(colors)]
}
