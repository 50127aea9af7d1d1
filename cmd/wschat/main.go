// Command wschat runs a standalone broadcast chat server on top of Hub,
// demonstrating multi-client fan-out.
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

type chatMessage struct {
	Type      string    `json:"type"`
	Username  string    `json:"username"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

func main() {
	cmd := &cli.Command{
		Name:  "wschat",
		Usage: "broadcast chat server",
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
			&cli.BoolFlag{
				Name:  "pretty-log",
				Usage: "human-readable console logging instead of JSON",
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "wschat: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	logger := newLogger(cmd.Bool("pretty-log"))
	engineCfg := websocket.Config{
		PingInterval: cmd.Duration("ping-interval"),
		Logger:       logger,
	}

	hub := websocket.NewHubWithLogger(logger)
	go hub.Run()
	defer hub.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Upgrade(w, r, &websocket.UpgradeOptions{EngineConfig: engineCfg})
		if err != nil {
			logger.Warn().Err(err).Msg("upgrade failed")
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		username := r.URL.Query().Get("username")
		if username == "" {
			username = "Anonymous"
		}

		hub.Register(conn)
		defer hub.Unregister(conn)

		_ = hub.BroadcastJSON(chatMessage{Type: "join", Username: username, Text: username + " joined", Timestamp: time.Now()})

		for {
			var msg chatMessage
			if err := conn.ReadJSON(&msg); err != nil {
				if websocket.IsCloseError(err) {
					_ = hub.BroadcastJSON(chatMessage{Type: "leave", Username: username, Text: username + " left", Timestamp: time.Now()})
				} else {
					logger.Warn().Str("conn_id", conn.ID()).Err(err).Msg("read failed")
				}
				return
			}
			msg.Type = "message"
			msg.Username = username
			msg.Timestamp = time.Now()
			_ = hub.BroadcastJSON(msg)
		}
	})

	addr := cmd.String("addr")
	logger.Info().Str("addr", addr).Msg("wschat listening")
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
