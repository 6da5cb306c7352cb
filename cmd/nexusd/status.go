package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Brian125bot/nexusaiv1/internal/storage"
	"github.com/Brian125bot/nexusaiv1/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show active sessions and file locks",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		store := mustOpenStore(ctx)
		defer store.Close()

		sessions, err := store.ListActiveSessions(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		bold := color.New(color.Bold).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		cyan := color.New(color.FgCyan).SprintFunc()

		if len(sessions) == 0 {
			fmt.Println("No active sessions")
		} else {
			fmt.Printf("%s\n", bold(fmt.Sprintf("Active sessions (%d)", len(sessions))))
			for _, s := range sessions {
				fmt.Printf("  %s  %-10s depth=%d  %s\n",
					cyan(shortID(s.ID)), statusColor(s.Status), s.RemediationDepth, s.BranchName)
				if s.LastError != "" {
					fmt.Printf("      %s %s\n", yellow("last error:"), s.LastError)
				}
			}
		}

		locks, err := store.LockHolders(ctx, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(locks) > 0 {
			fmt.Printf("\n%s\n", bold(fmt.Sprintf("File locks (%d)", len(locks))))
			for _, l := range locks {
				fmt.Printf("  %-50s %s (%s)\n", l.Path, shortID(l.SessionID), l.Status)
			}
		}
	},
}

func statusColor(s types.SessionStatus) string {
	switch s {
	case types.SessionExecuting:
		return color.GreenString(string(s))
	case types.SessionVerifying:
		return color.CyanString(string(s))
	case types.SessionQueued:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func mustOpenStore(ctx context.Context) storage.Store {
	path := dbPath
	if path == "" {
		path = storage.DefaultConfig().Path
	}
	store, err := storage.NewStore(ctx, &storage.Config{Path: path})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open registry store: %v\n", err)
		os.Exit(1)
	}
	return store
}
