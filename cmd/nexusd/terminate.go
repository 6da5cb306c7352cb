package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Brian125bot/nexusaiv1/internal/config"
	"github.com/Brian125bot/nexusaiv1/internal/lifecycle"
	"github.com/Brian125bot/nexusaiv1/internal/lockmgr"
)

var terminateCmd = &cobra.Command{
	Use:   "terminate <session-id>",
	Short: "Force-terminate a session and release its locks",
	Long: `Mark a session failed and release every file lock it holds.

Idempotent: terminating an already-terminal session only cleans up
stranded locks (the documented recovery for a failed remediation
dispatch).`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		store := mustOpenStore(ctx)
		defer store.Close()

		cfg, err := config.Load(cfgFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
			os.Exit(1)
		}

		locks := lockmgr.New(store)
		// Terminate never talks to the agent provider; nil is safe here.
		sessions := lifecycle.New(store, locks, nil, cfg)

		if err := sessions.Terminate(ctx, args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s session %s terminated\n", green("✓"), args[0])
	},
}
