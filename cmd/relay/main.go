package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"tun2r/internal/config"
	"tun2r/internal/logging"
	"tun2r/internal/server"
)

const tokenEnv = "TUN2R_RELAY_TOKEN"

func main() {
	var (
		listen      string
		token       string
		logLevel    string
		idle        time.Duration
		maxSessions int
		upstream    time.Duration
	)

	cmd := &cobra.Command{
		Use:          "relay",
		Short:        "Loopback relay that echoes tunnel traffic",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			logging.Setup(logLevel)

			if token == "" {
				token = os.Getenv(tokenEnv)
			}
			if token == "" {
				return fmt.Errorf("auth token required: --token or %s", tokenEnv)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			srv := server.New([]byte(token),
				server.WithLogger(log.Logger),
				server.WithIdleTimeout(idle),
				server.WithMaxSessions(maxSessions),
				server.WithUpstream(func() time.Duration { return upstream }),
			)
			return srv.ListenAndServe(ctx, listen)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", fmt.Sprintf(":%d", config.DefaultPort), "listen address")
	cmd.Flags().StringVar(&token, "token", "", "auth token (or "+tokenEnv+")")
	cmd.Flags().StringVarP(&logLevel, "log-level", "l", "info", "log level")
	cmd.Flags().DurationVar(&idle, "idle-timeout", config.SessionTimeout, "drop sessions idle this long, 0 disables")
	cmd.Flags().IntVar(&maxSessions, "max-sessions", config.MaxSessions, "session limit")
	cmd.Flags().DurationVar(&upstream, "upstream-rtt", 0, "upstream RTT reported in pongs")

	if err := cmd.Execute(); err != nil {
		log.Error().Err(err).Msg("relay")
		os.Exit(1)
	}
}
