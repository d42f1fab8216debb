// Command echoclient demonstrates the runtime against an echo-style
// WebSocket/SSE/WebTransport endpoint: it connects, sends a text message
// every second, and logs the connection state after each send at debug
// level; it does not read inbound messages. Flag parsing and signal
// handling follow the teacher's main.go shape (flag.Parse, automaxprocs
// side-effect import, SIGINT/SIGTERM shutdown).
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/odin-rt/core"
	"github.com/odin-rt/core/adaptive"
	"github.com/odin-rt/core/codec"
	"github.com/odin-rt/core/message"
	"github.com/odin-rt/core/observability"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides ODIN_LOG_LEVEL)")
		url   = flag.String("url", "", "override ODIN_URL")
	)
	flag.Parse()

	bootstrap := observability.NewLogger(observability.LoggerConfig{Level: "info", Format: "text"})

	cfg, err := core.LoadConfig(nil)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	if *url != "" {
		cfg.URL = *url
	}

	logger := observability.NewLogger(observability.LoggerConfig{Level: cfg.LogLevel, Format: observability.LogFormat(cfg.LogFormat)})
	cfg.LogConfig(logger)

	runtime, err := core.New(cfg, "echoclient-1", logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build runtime")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := runtime.Connect(ctx, adaptive.Requirements{RequireBidirectional: true}); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect")
	}

	go sendLoop(ctx, runtime, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	if err := runtime.Close(); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
}

// pingPayload is the typed value encoded onto the wire each tick, kept
// separate from message.Message so the codec boundary (C1) stays the only
// place that knows about JSON specifically.
type pingPayload struct {
	Seq int       `json:"seq"`
	At  time.Time `json:"at"`
}

// sendLoop emits a text ping every second and logs the runtime's
// connection state, demonstrating Send and State without touching the
// correlator — a caller that wants request/response semantics instead
// uses runtime.Correlator.Call directly. Payloads go through a Hybrid
// codec rather than ad-hoc formatting, since message.Message only ever
// carries opaque bytes (§4.1); the ping payload stays small enough that
// BySize always picks JSON, but a caller sending larger frames gets the
// binary fallback for free.
func sendLoop(ctx context.Context, rt *core.Runtime, logger zerolog.Logger) {
	enc := codec.NewHybrid(codec.JSON{}, codec.Binary{})
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	n := 0
	for {
		select {
		case <-ticker.C:
			n++
			payload, err := enc.Encode(pingPayload{Seq: n, At: time.Now()})
			if err != nil {
				logger.Error().Err(err).Int("seq", n).Msg("failed to encode ping payload")
				continue
			}
			if err := rt.Send(message.NewText(payload)); err != nil {
				logger.Warn().Err(err).Int("seq", n).Msg("send failed")
				continue
			}
			logger.Debug().Int("seq", n).Str("state", rt.State().State.String()).Msg("sent")
		case <-ctx.Done():
			return
		}
	}
}
