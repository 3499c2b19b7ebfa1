package main

import (
	"context"
	"encoding/json"
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
	"tun2r/internal/netutil"
	"tun2r/internal/service"
)

var (
	logLevel string
	envFile  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "tun2r",
		Short:         "tun2r - TUN tunnel client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(envFile); err != nil && cmd.Flags().Changed("env-file") {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			logging.Setup(logLevel)
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "environment file")

	rootCmd.AddCommand(
		runCmd(),
		sealCmd(),
		statusCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the runtime version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println(service.Version)
			},
		},
		&cobra.Command{
			Use:   "device-id",
			Short: "Print the stable device id",
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := netutil.DeviceID()
				if err != nil {
					return err
				}
				fmt.Println(id)
				return nil
			},
		},
		&cobra.Command{
			Use:   "flush-dns",
			Short: "Flush the OS DNS cache",
			RunE: func(cmd *cobra.Command, args []string) error {
				return newController().FlushDNSCache()
			},
		},
		&cobra.Command{
			Use:   "delete-service",
			Short: "Remove the helper service",
			RunE: func(cmd *cobra.Command, args []string) error {
				return newController().DeleteService()
			},
		},
		&cobra.Command{
			Use:   "recover",
			Short: "Remove routes left behind by a crashed tunnel",
			RunE: func(cmd *cobra.Command, args []string) error {
				return newController().Recover()
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("tun2r")
		os.Exit(1)
	}
}

func newController(onStatus ...service.StatusCallback) *service.Controller {
	return service.New(
		service.WithSecret(os.Getenv(config.ConfigKeyEnv)),
		service.WithLogger(log.Logger),
		service.WithStatusCallback(func(s service.State) {
			log.Info().Stringer("state", s).Msg("service state")
			for _, cb := range onStatus {
				cb(s)
			}
		}),
	)
}

func runCmd() *cobra.Command {
	var (
		configFile string
		blob       string
		ping       time.Duration
		statsEvery time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the tunnel and run until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !netutil.IsAdmin() {
				return fmt.Errorf("administrator privileges required")
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			failed := make(chan struct{}, 1)
			c := newController(func(s service.State) {
				if s == service.StateFailed {
					select {
					case failed <- struct{}{}:
					default:
					}
				}
			})
			var err error
			if blob != "" {
				err = c.Start(ctx, blob)
			} else {
				err = c.StartConfigFile(ctx, configFile)
			}
			if err != nil {
				return err
			}
			defer func() {
				if !c.IsRunning() {
					return
				}
				log.Info().Msg("shutting down")
				if err := c.Stop(); err != nil {
					log.Error().Err(err).Msg("stop")
				}
			}()

			if ping > 0 {
				if _, err := c.StartProbe(ping); err != nil {
					return err
				}
			}
			return waitTunnel(ctx, c, failed, statsEvery)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "sealed config file (default "+config.DefaultConfigFile+")")
	cmd.Flags().StringVar(&blob, "blob", "", "sealed config string")
	cmd.Flags().DurationVar(&ping, "ping", 0, "latency probe interval, 0 disables")
	cmd.Flags().DurationVar(&statsEvery, "stats", 10*time.Second, "traffic log interval, 0 disables")
	return cmd
}

// waitTunnel blocks until ctx ends or the tunnel fails, logging traffic
// every statsEvery when positive.
func waitTunnel(ctx context.Context, c *service.Controller, failed <-chan struct{}, statsEvery time.Duration) error {
	var tick <-chan time.Time
	if statsEvery > 0 {
		t := time.NewTicker(statsEvery)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-failed:
			return fmt.Errorf("tunnel stopped: %s", c.LastErrorMessage())
		case <-tick:
			if !c.IsRunning() {
				return fmt.Errorf("tunnel stopped: %s", c.LastErrorMessage())
			}
			s := c.TrafficSnapshot()
			p := c.PingSample()
			log.Info().
				Uint64("tx_bytes", s.TxBytes).
				Uint64("rx_bytes", s.RxBytes).
				Uint64("tx_pkts", s.TxPkts).
				Uint64("rx_pkts", s.RxPkts).
				Int64("router_ms", p.RouterMs).
				Int64("takeoff_ms", p.TakeoffMs).
				Int64("landing_ms", p.LandingMs).
				Float64("loss_pct", p.LossPct).
				Msg("stats")
		}
	}
}

func sealCmd() *cobra.Command {
	var (
		cfg config.TunnelConfig
		out string
	)

	cmd := &cobra.Command{
		Use:   "seal",
		Short: "Produce a sealed config blob",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Normalize(); err != nil {
				return err
			}
			blob, err := config.Seal(&cfg, os.Getenv(config.ConfigKeyEnv))
			if err != nil {
				return err
			}
			if out == "" {
				fmt.Println(blob)
				return nil
			}
			return os.WriteFile(out, []byte(blob+"\n"), 0o600)
		},
	}
	var mode string
	cmd.Flags().StringVar(&cfg.Server, "server", "", "relay host:port")
	cmd.Flags().StringVar(&cfg.Token, "token", "", "relay auth token")
	cmd.Flags().StringVar(&mode, "mode", string(config.ModeTunSwitch), "tun_switch or tun_global")
	cmd.Flags().StringVar(&cfg.GameID, "game-id", "", "game id sent to the relay")
	cmd.Flags().StringSliceVar(&cfg.GameExes, "game-exe", nil, "executables to route (tun_switch)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write to file instead of stdout")
	cmd.PreRun = func(cmd *cobra.Command, args []string) {
		cfg.Mode = config.Mode(mode)
		cfg.LogLevel = config.LogLevel(logLevel)
	}
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show interface and helper service status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newController()
			helper, err := c.HelperStatus()
			if err != nil {
				log.Debug().Err(err).Msg("helper status")
			}
			out := struct {
				Version string `json:"version"`
				Admin   bool   `json:"admin"`
				Network any    `json:"network"`
				Helper  any    `json:"helper"`
			}{service.Version, netutil.IsAdmin(), c.NetworkConfig(), helper}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}
