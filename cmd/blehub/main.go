package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd runs the bridge when called without a subcommand
var rootCmd = &cobra.Command{
	Use:   "blehub",
	Short: "Bluetooth Low Energy to MQTT bridge",
	Long: `Bluetooth Low Energy (BLE) to MQTT bridge that provides:

- Presence and decoded sensor values for every advertising device
- Write, read, notify and ping of GATT characteristics over MQTT topics
- Interval rollups of numeric topics with on-demand history queries
- Home Assistant discovery, a status page and an MQTT websocket relay`,
	Version: formatVersion(version),
	RunE:    runBridge,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// main prints errors itself
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(historyCmd)

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
	rootCmd.SetVersionTemplate(fmt.Sprintf("blehub {{.Version}} (commit %s, built %s)\n", commit, date))
}
