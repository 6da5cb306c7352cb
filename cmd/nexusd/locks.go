package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var purgeLocks bool

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "List or purge file locks",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		store := mustOpenStore(ctx)
		defer store.Close()

		if purgeLocks {
			released, err := store.DeleteAllLocks(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("released %d locks\n", released)
			return
		}

		holders, err := store.LockHolders(ctx, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(holders) == 0 {
			fmt.Println("No locks held")
			return
		}
		for _, h := range holders {
			fmt.Printf("%-50s %s (%s, %s)\n", h.Path, shortID(h.SessionID), h.Status, h.Branch)
		}
	},
}

func init() {
	locksCmd.Flags().BoolVar(&purgeLocks, "purge", false, "release every lock in the registry")
}
