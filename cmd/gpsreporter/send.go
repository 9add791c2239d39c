package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/gpsreporter/internal/gps"
	"github.com/shaunagostinho/gpsreporter/internal/logger"
	"github.com/shaunagostinho/gpsreporter/internal/reporter"
	"github.com/shaunagostinho/gpsreporter/internal/status"
)

var sendWait time.Duration

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send the current position once and exit",
	Example: `  gpsreporter send --demo
  gpsreporter send --wait 2m`,
	RunE: runSend,
}

func init() {
	sendCmd.Flags().DurationVar(&sendWait, "wait", 30*time.Second, "How long to wait for a first fix")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	defer logger.Sync()

	provider := newProvider(cfg)
	if err := provider.Connect(); err != nil {
		return fmt.Errorf("connect %s: %w", provider.Name(), err)
	}
	defer provider.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), sendWait)
	defer cancel()
	if err := waitForFix(ctx, provider); err != nil {
		return err
	}

	rep := reporter.New(reporter.Options{
		Push:   provider,
		Pull:   provider,
		Sink:   status.NewLogSink(logger.Named("status")),
		Logger: logger.Named("reporter"),
	})
	rc, _ := cfg.ReporterConfig()
	res, err := rep.SendNow(cmd.Context(), rc)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sent %.6f,%.6f via %s (HTTP %d, request %s)\n",
		res.Fix.Latitude, res.Fix.Longitude, res.Transport, res.StatusCode, res.RequestID)
	return nil
}

// waitForFix polls the provider until it has a position or ctx ends.
func waitForFix(ctx context.Context, p gps.PullProvider) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			return fmt.Errorf("no position within %s: %w", sendWait, gps.ErrNoFix)
		}
		_, err := p.LastKnown(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, gps.ErrNoFix) {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("no position within %s: %w", sendWait, gps.ErrNoFix)
		case <-ticker.C:
		}
	}
}
