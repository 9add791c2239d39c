package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shaunagostinho/gpsreporter/internal/gps"
	"github.com/shaunagostinho/gpsreporter/internal/lifecycle"
	"github.com/shaunagostinho/gpsreporter/internal/logger"
	"github.com/shaunagostinho/gpsreporter/internal/reporter"
	"github.com/shaunagostinho/gpsreporter/internal/server"
	"github.com/shaunagostinho/gpsreporter/internal/status"
	"github.com/shaunagostinho/gpsreporter/internal/tracklog"
)

var (
	autostart  bool
	listenAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reporter and its control API (default)",
	Long: `Run the reporter and its HTTP control API.

Signals:
  SIGHUP           the host removed the reporter; it stops and restarts itself
                   after a short delay
  SIGINT, SIGTERM  stop and exit`,
	Example: `  # Start reporting immediately with the simulated track
  gpsreporter serve --demo --autostart

  # Use a specific config and listen address
  gpsreporter serve --config ./config.yaml --listen :9090`,
	RunE: runServe,
}

func init() {
	for _, c := range []*cobra.Command{rootCmd, serveCmd} {
		c.Flags().BoolVar(&autostart, "autostart", false, "Start reporting at launch")
		c.Flags().StringVar(&listenAddr, "listen", "", "Override listen address (e.g. :8080)")
	}
	rootCmd.AddCommand(serveCmd)
}

// loadConfig reads the config file and initializes the global logger from it.
func loadConfig() *server.Config {
	cfg := server.LoadConfig(cfgFile, logger.New(nil).Named("config"))
	if demo {
		cfg.GPS.Type = "demo"
	}
	if debug {
		cfg.Log.Level = "debug"
	}
	logger.Init(&cfg.Log)
	return cfg
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	defer logger.Sync()
	log := logger.Named("main")

	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}
	log.Info("gpsreporter starting", zap.String("version", Version))

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	provider := newProvider(cfg)
	defer provider.Close()

	// Try connecting with exponential backoff (non-blocking, the API starts regardless)
	go connectWithRetry(ctx, provider, 10)

	hub := status.NewHub()
	journal := tracklog.New(cfg.TrackLog)
	defer journal.Close()

	guard := lifecycle.NewGuard(newWakeLock(cfg), nil, logger.Named("lifecycle"))
	rep := reporter.New(reporter.Options{
		Push:   provider,
		Pull:   provider,
		Guard:  guard,
		Sink:   status.Multi{status.NewLogSink(logger.Named("status")), hub, journal},
		Source: cfg,
		Logger: logger.Named("reporter"),
	})

	if autostart || cfg.Server.Autostart {
		rc, _ := cfg.ReporterConfig()
		if err := rep.Start(rc); err != nil {
			log.Warn("autostart failed", zap.Error(err))
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				if sig == syscall.SIGHUP {
					log.Info("host removed reporter")
					rep.HostRemoved()
					continue
				}
				log.Info("shutting down", zap.Stringer("signal", sig))
				cancel()
				return
			}
		}
	}()

	srv := server.New(cfg, rep, hub, provider.Name())
	err := srv.Run(ctx)

	guard.CancelRestart()
	if rep.State() == reporter.Running {
		_ = rep.Stop()
	}
	if err != nil {
		log.Error("server exited", zap.Error(err))
	}
	return err
}

func newProvider(cfg *server.Config) gps.Provider {
	switch cfg.GPS.Type {
	case "nmea":
		return gps.NewNMEA(gps.NMEAConfig{
			PortPath: cfg.GPS.PortPath,
			BaudRate: cfg.GPS.BaudRate,
		})
	default:
		hz := max(cfg.GPS.DemoHz, 1)
		return gps.NewDemoGPS(nil, time.Second/time.Duration(hz))
	}
}

func newWakeLock(cfg *server.Config) lifecycle.WakeLock {
	if cfg.Lifecycle.WakeLock == "sysfs" {
		return lifecycle.NewSysfsWakeLock(cfg.Lifecycle.WakeLockName)
	}
	return lifecycle.NoopWakeLock{}
}

// connectable is satisfied by every gps.Provider.
type connectable interface {
	Name() string
	Connect() error
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, c connectable, maxAttempts int) {
	log := logger.Named("gps")
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := c.Connect()
		if err == nil {
			log.Info("connected", zap.String("provider", c.Name()), zap.Int("attempt", attempt+1))
			return
		}

		attempt++
		fields := []zap.Field{zap.String("provider", c.Name()), zap.Int("attempt", attempt), zap.Duration("retry_in", delay), zap.Error(err)}
		if attempt <= maxAttempts {
			log.Warn("connect failed", append(fields, zap.Int("max_attempts", maxAttempts))...)
		} else {
			log.Warn("connect failed", fields...)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay = min(delay*2, maxDelay)
	}
}
