package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "blegw",
	Short: "BLE sensor gateway",
	Long: `Linux Bluetooth Low Energy sensor gateway:

- Continuously discover advertising BT510 sensors
- Harvest measurements from advertisement payloads and on-device logs
- Deliver structured measurements to a JSONL or SQLite sink

The gateway caps concurrent GATT sessions to protect the host stack and
retries failed devices on later discovery cycles.`,
	Version: version,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scanCmd)

	rootCmd.PersistentFlags().String("config", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
}
