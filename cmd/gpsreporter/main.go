package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is the release version.
const Version = "0.3.0"

var (
	cfgFile string
	debug   bool
	demo    bool
)

var rootCmd = &cobra.Command{
	Use:   "gpsreporter",
	Short: "Periodically report the device position to a remote collector",
	Long: `gpsreporter reads the device position from an NMEA receiver (or a simulated
track) and reports it to a collector over HTTP, once per configured interval.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "/etc/gpsreporter/config.yaml", "Path to config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&demo, "demo", false, "Use the simulated GPS track")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
