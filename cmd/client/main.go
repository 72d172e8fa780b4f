package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/meshconf/internal/adapters/capture"
	"github.com/dkeye/meshconf/internal/adapters/console"
	"github.com/dkeye/meshconf/internal/adapters/rtc"
	"github.com/dkeye/meshconf/internal/adapters/wsclient"
	"github.com/dkeye/meshconf/internal/app/conference"
	"github.com/dkeye/meshconf/internal/config"
	"github.com/dkeye/meshconf/internal/domain"
	"github.com/dkeye/meshconf/internal/protocol"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	if _, err := domain.NewParticipant("", cfg.Username); err != nil {
		log.Fatal().Err(err).Msg("username (set MESHCONF_USERNAME)")
	}

	links, err := rtc.NewFactory(ctx, webrtc.Configuration{ICEServers: cfg.ICEServers()})
	if err != nil {
		log.Fatal().Err(err).Msg("webrtc api")
	}
	device := capture.NewSynthetic(capture.Options{
		Enabled: cfg.CaptureEnabled,
		Video:   cfg.CaptureVideo,
		Audio:   cfg.CaptureAudio,
	})

	client, err := wsclient.Dial(ctx, wsclient.Options{
		URL:        cfg.RelayURL,
		Username:   cfg.Username,
		PingPeriod: cfg.PingPeriod,
		SendBuffer: cfg.SendBuffer,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("connect relay")
	}

	session := conference.New(conference.Options{
		Username: cfg.Username,
		Device:   device,
		Links:    links,
		Signal:   client,
		Notify:   console.NewPrinter(os.Stdout, cfg.Mode != "release"),
	})
	shell := console.NewShell(session, os.Stdout)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return session.Run(gctx) })
	g.Go(func() error {
		err := client.Run(gctx, func(d protocol.Delivery) { session.Post(conference.Inbound{Delivery: d}) })
		session.Post(conference.ChannelClosed{})
		if err == nil {
			err = errors.New("relay closed the channel")
		}
		return err
	})
	g.Go(func() error {
		err := shell.Run(gctx, os.Stdin)
		if errors.Is(err, console.ErrQuit) {
			leave(session)
		}
		return err
	})

	err = g.Wait()
	switch {
	case errors.Is(err, console.ErrQuit), errors.Is(err, context.Canceled):
		log.Info().Msg("client exited")
	default:
		log.Error().Err(err).Msg("client stopped")
	}
}

// leave asks the loop to leave and gives it a moment to announce it before
// the channel is torn down.
func leave(session *conference.Session) {
	if session.State() != domain.InConference {
		return
	}
	session.Post(conference.LeaveRequested{})
	deadline := time.Now().Add(time.Second)
	for session.State() == domain.InConference && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	// let the write pump flush the leave messages
	time.Sleep(100 * time.Millisecond)
}
