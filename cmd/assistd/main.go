// Command assistd is a small coding-assistant backend. "serve" runs the
// HTTP API and reports readiness through a status file; "status" and "ask"
// are clients for launchers and terminals.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "assistd",
	Short: "Coding assistant backend",
	Long: `assistd wraps a chat completion provider behind a small HTTP API with
typed streaming events.

Run 'assistd serve' to start the server. A launcher can follow startup with
'assistd status --wait'.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default assistd.yaml if present)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(askCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintln(os.Stderr, "assistd:", err)
		}
		os.Exit(1)
	}
}
