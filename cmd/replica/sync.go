package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/offsite-dev/replica/internal/ui"
)

var syncFull bool

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one replication session against the server",
	Long: `Consume the server's replication stream into the local replica.

The session resumes from the persisted cursor when one exists:
  1. Opens the stream with the saved cursor
  2. Applies row upserts and deletes in batches
  3. Persists the cursor at every checkpoint
  4. Records the final cursor on completion

When the server no longer recognizes the cursor, local data is discarded
and one full session runs from scratch.`,
	Run: func(cmd *cobra.Command, args []string) {
		app, err := newApp(true, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer app.Close()

		ctx := context.Background()
		if syncFull {
			if err := app.state.ClearCursor(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Error discarding cursor: %v\n", err)
				os.Exit(1)
			}
		}

		sum, err := app.consumer().Run(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, ui.Fail(fmt.Sprintf("sync failed: %v", err)))
			os.Exit(1)
		}

		switch {
		case sum.SkippedRecent:
			fmt.Println(ui.Dim("sync skipped: previous session is recent enough"))
		case sum.Resynced:
			fmt.Println(ui.Pass(fmt.Sprintf("full resync complete: %d rows applied, %d removed", sum.Upserted, sum.Deleted)))
		default:
			fmt.Println(ui.Pass(fmt.Sprintf("sync complete: %d rows applied, %d removed", sum.Upserted, sum.Deleted)))
		}
		if sum.Malformed > 0 {
			fmt.Println(ui.Warn(fmt.Sprintf("%d malformed stream lines skipped", sum.Malformed)))
		}
		if sum.Cursor != "" {
			fmt.Printf("cursor: %s\n", ui.Accent(sum.Cursor))
		}
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncFull, "full", false, "Discard the cursor and resync from scratch")
	rootCmd.AddCommand(syncCmd)
}
