package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/offsite-dev/replica/internal/backend"
	"github.com/offsite-dev/replica/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show replica state: engine, cursor, per-store row counts",
	Run: func(cmd *cobra.Command, args []string) {
		app, err := newApp(false, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer app.Close()
		ctx := context.Background()

		fmt.Println(ui.Header("Replica status"))
		fmt.Printf("engine:    %s\n", ui.Accent(app.cfg.Engine))
		fmt.Printf("data dir:  %s\n", app.cfg.DataDir)
		fmt.Printf("scope:     %s/%s\n", app.cfg.Tenant, app.cfg.Principal)

		if app.store.WhenReady(backend.DefaultReadyTimeout) {
			fmt.Println(ui.Pass("storage ready"))
		} else {
			fmt.Println(ui.Fail("storage unavailable"))
		}

		cursor, _ := app.state.Cursor(ctx)
		if cursor == "" {
			fmt.Println(ui.Warn("no replication cursor, next sync starts from scratch"))
		} else {
			fmt.Printf("cursor:    %s\n", ui.Accent(cursor))
		}
		if last, err := app.state.LastSync(ctx); err == nil && !last.IsZero() {
			fmt.Printf("last sync: %s %s\n", last.Format(time.RFC3339),
				ui.Dim(fmt.Sprintf("(%s ago)", time.Since(last).Round(time.Second))))
		}

		fmt.Println()
		fmt.Println(ui.Header("Stores"))
		for _, desc := range app.reg.Stores() {
			rows, err := app.store.GetAll(ctx, desc.StoreName)
			if err != nil {
				fmt.Printf("  %-16s %s\n", desc.StoreName, ui.Fail(err.Error()))
				continue
			}
			fmt.Printf("  %-16s %d rows\n", desc.StoreName, len(rows))
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
