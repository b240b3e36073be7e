// Package main is the entry point for the notifyctl CLI.
//
// notifyctl talks to a running dispatch service: it tails live notification
// feeds, reads history, triggers notifications, watches presence zones and
// mints development tokens.
//
// Usage:
//
//	notifyctl tail alice                      # Follow a live feed
//	notifyctl history alice                   # Print stored notifications
//	notifyctl trigger alice "Gate 4 is open"  # Send a notification
//	notifyctl zone field-ops u4pru            # Watch a presence zone
//	notifyctl token alice --role STAFF        # Mint a signed token
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fieldops/dispatch/pkg/feedclient"
)

// Version information, set at build time via ldflags.
var (
	version = "dev"
	commit  = "none"
)

var rootCmd = &cobra.Command{
	Use:   "notifyctl",
	Short: "Command line client for the dispatch service",
	Long: `notifyctl is a command line client for the dispatch service.

The server address and bearer token default to NOTIFYCTL_SERVER and
NOTIFYCTL_TOKEN and can be overridden with --server and --token.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func main() {
	Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "notifyctl %s (%s)\n", version, commit)
	},
}

func init() {
	rootCmd.PersistentFlags().String("server", envOr("NOTIFYCTL_SERVER", "http://127.0.0.1:8080"), "dispatch service base URL")
	rootCmd.PersistentFlags().String("token", os.Getenv("NOTIFYCTL_TOKEN"), "bearer token")
	rootCmd.AddCommand(versionCmd)
}

// newClient builds an API client from the persistent flags.
func newClient(cmd *cobra.Command) *feedclient.Client {
	server, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	return feedclient.New(server, token)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
