// Command wsecho runs a standalone WebSocket echo server, exercising the
// engine's keepalive and frame-size configuration from the command line.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/coregx/stream/websocket"
)

func main() {
	cmd := &cli.Command{
		Name:  "wsecho",
		Usage: "echo every message a client sends back to it",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Value: ":8080",
				Usage: "listen address",
			},
			&cli.DurationFlag{
				Name:  "ping-interval",
				Value: 10 * time.Second,
				Usage: "keepalive ping interval (0 uses the 10s default, negative disables keepalive)",
			},
			&cli.UintFlag{
				Name:  "max-frame-payload",
				Value: 32 * 1024 * 1024,
				Usage: "largest data frame payload accepted, in bytes",
			},
			&cli.BoolFlag{
				Name:  "pretty-log",
				Usage: "human-readable console logging instead of JSON",
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "wsecho: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	logger := newLogger(cmd.Bool("pretty-log"))

	engineCfg := websocket.Config{
		PingInterval:    cmd.Duration("ping-interval"),
		MaxFramePayload: uint64(cmd.Uint("max-frame-payload")),
		Logger:          logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Upgrade(w, r, &websocket.UpgradeOptions{EngineConfig: engineCfg})
		if err != nil {
			logger.Warn().Err(err).Msg("upgrade failed")
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer conn.Close()

		logger.Info().Str("conn_id", conn.ID()).Str("remote", r.RemoteAddr).Msg("client connected")

		for {
			msgType, data, err := conn.Read()
			if err != nil {
				if websocket.IsCloseError(err) {
					logger.Info().Str("conn_id", conn.ID()).Msg("client disconnected cleanly")
				} else {
					logger.Warn().Str("conn_id", conn.ID()).Err(err).Msg("read failed")
				}
				return
			}
			if err := conn.Write(msgType, data); err != nil {
				logger.Warn().Str("conn_id", conn.ID()).Err(err).Msg("write failed")
				return
			}
		}
	})

	addr := cmd.String("addr")
	logger.Info().Str("addr", addr).Msg("wsecho listening")
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func newLogger(pretty bool) zerolog.Logger {
	if pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
