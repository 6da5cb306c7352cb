// nexusd is the control plane daemon supervising a fleet of external AI
// coding agents against a single repository.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	dbPath  string
)

var rootCmd = &cobra.Command{
	Use:   "nexusd",
	Short: "Control plane for a fleet of AI coding agents",
	Long: `nexusd supervises external AI coding agents working concurrently
against a single repository. It turns goals into supervised sessions,
reviews the resulting changes against acceptance criteria, guards
concurrent agents with exclusive file locks, and dispatches bounded
repair sessions when a review or CI run fails.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "nexus.yaml", "config file with core-file patterns and CI pipelines")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "registry database path (default .nexus/nexus.db)")

	viper.SetEnvPrefix("NEXUS")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("db_path", rootCmd.PersistentFlags().Lookup("db"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(terminateCmd)
	rootCmd.AddCommand(locksCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
