package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/offsite-dev/replica/internal/config"
	"github.com/offsite-dev/replica/internal/ui"
)

var watchInterval time.Duration

// fileWatcher is the optional capability of backends that can pick up
// external edits to their on-disk data.
type fileWatcher interface {
	Watch(ctx context.Context, debounce time.Duration) error
}

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "sync",
	Short:   "Keep the replica continuously in sync",
	Long: `Run replication sessions on an interval and stay resident.

While running:
  1. A replication session runs every --interval
  2. Server-push events apply immediately when push_url is configured
  3. External edits to the key-value store are picked up where supported
  4. Store refreshes are logged as they happen

Logs go to log_file (rotated) when configured, stderr otherwise.`,
	Run: func(cmd *cobra.Command, args []string) {
		var logOut io.Writer
		if cfg, err := config.Load(cfgPath); err == nil && cfg.LogFile != "" {
			logOut = &lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     14, // days
			}
		}

		app, err := newApp(true, logOut)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer app.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// Refresh log: one goroutine drains the hub for visibility.
		changes, cancelSub := app.hub.Subscribe()
		defer cancelSub()
		go func() {
			for stores := range changes {
				app.logger.Printf("stores refreshed: %s", strings.Join(stores, ", "))
			}
		}()

		if w, ok := app.store.(fileWatcher); ok {
			go func() {
				if err := w.Watch(ctx, 500*time.Millisecond); err != nil && ctx.Err() == nil {
					app.logger.Printf("WARNING: file watcher stopped: %v", err)
				}
			}()
		}

		if app.cfg.PushURL != "" {
			sub := app.pushSubscriber()
			go func() {
				if err := sub.Run(ctx); err != nil && ctx.Err() == nil {
					app.logger.Printf("WARNING: push subscription stopped: %v", err)
				}
			}()
		}

		fmt.Println(ui.Pass(fmt.Sprintf("watching, syncing every %s", watchInterval)))

		consumer := app.consumer()
		runOnce := func() {
			sum, err := consumer.Run(ctx)
			if err != nil {
				app.logger.Printf("sync failed: %v", err)
				return
			}
			if !sum.SkippedRecent {
				app.logger.Printf("sync complete: %d applied, %d removed, cursor %s",
					sum.Upserted, sum.Deleted, sum.Cursor)
			}
		}

		runOnce()
		ticker := time.NewTicker(watchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				fmt.Println(ui.Dim("shutting down"))
				return
			case <-ticker.C:
				runOnce()
			}
		}
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 30*time.Second, "Delay between replication sessions")
	rootCmd.AddCommand(watchCmd)
}
