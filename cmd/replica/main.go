package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgPath       string
	flagServer    string
	flagEngine    string
	flagDataDir   string
	flagTenant    string
	flagPrincipal string
)

var rootCmd = &cobra.Command{
	Use:   "replica",
	Short: "Local replica of the workspace data plane",
	Long: `replica maintains a queryable local copy of workspace data.

It consumes the server's replication stream into an embedded database
(SQLite, or a JSON key-value store where SQLite is unavailable), applies
optimistic writes against the server's command API, and answers filtered,
sorted, paginated queries entirely from local data.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to config file (TOML)")
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "", "Server base URL")
	rootCmd.PersistentFlags().StringVar(&flagEngine, "engine", "", "Storage engine: auto, sqlite or memkv")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "Directory for local databases")
	rootCmd.PersistentFlags().StringVar(&flagTenant, "tenant", "", "Tenant identifier")
	rootCmd.PersistentFlags().StringVar(&flagPrincipal, "principal", "", "Principal (account) identifier")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Synchronization Commands:"},
		&cobra.Group{ID: "data", Title: "Data Commands:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
