package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/gpsreporter/internal/api"
	"github.com/shaunagostinho/gpsreporter/internal/logger"
	"github.com/shaunagostinho/gpsreporter/internal/server"
)

var (
	loginServer   string
	loginCode     string
	loginPassword string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate against the collector and store the token",
	Example: `  gpsreporter login --server https://collector.example.com/api/ --code driver01
  REPORTER_PASSWORD=secret gpsreporter login --code driver01`,
	RunE: runLogin,
}

func init() {
	loginCmd.Flags().StringVar(&loginServer, "server", "", "Collector base URL (defaults to the configured one)")
	loginCmd.Flags().StringVar(&loginCode, "code", "", "Account code")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Password (or REPORTER_PASSWORD)")
	rootCmd.AddCommand(loginCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	defer logger.Sync()

	serverURL := loginServer
	if serverURL == "" {
		rc, _ := cfg.ReporterConfig()
		serverURL = rc.ServerBaseURL
	}
	password := loginPassword
	if password == "" {
		password = os.Getenv("REPORTER_PASSWORD")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 45*time.Second)
	defer cancel()

	auth, err := server.Login(ctx, cfg, serverURL, api.LoginRequest{Code: loginCode, Password: password})
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s, token saved to %s\n", auth.Name, cfg.Path())
	return nil
}
