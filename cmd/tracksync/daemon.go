package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Kauhik/tracksync/internal/coordinator"
	"github.com/Kauhik/tracksync/internal/remote"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync loop",
	Long: `Run the sync coordinator in the foreground until interrupted.

The daemon performs the initial full reconciliation, then keeps the local
mirror converged: periodic polls, push notifications (when a push URL is
configured), and local writes each schedule debounced sync passes.

Touching the control file (default ~/.tracksync/sync-now) forces an
immediate full reconciliation, the headless equivalent of a user-initiated
refresh.`,
	RunE: runDaemon,
}

func init() {
	f := daemonCmd.Flags()
	f.Duration("poll-interval", 30*time.Second, "periodic sync interval (0 disables polling)")
	f.Duration("debounce", 500*time.Millisecond, "delay before a triggered sync runs")
	f.Duration("throttle", 10*time.Second, "minimum interval between focus/activation/poll syncs")
	f.Duration("full-interval", 5*time.Minute, "staleness after which a poll upgrades to a full pass")
	f.String("push-url", "", "websocket URL for push notifications (empty disables)")
	f.String("control-file", "", "path whose modification forces a full sync (default ~/.tracksync/sync-now)")

	for _, name := range []string{"poll-interval", "debounce", "throttle", "full-interval", "push-url", "control-file"} {
		viper.BindPFlag(name, f.Lookup(name))
	}
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	logger := newLogger("[daemon] ")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := buildEngine(cmd, logger)
	if err != nil {
		return err
	}
	defer eng.close()

	coord, err := coordinator.New(eng.svc, coordinator.Config{
		Debounce:         viper.GetDuration("debounce"),
		ThrottleInterval: viper.GetDuration("throttle"),
		FullInterval:     viper.GetDuration("full-interval"),
		PollInterval:     viper.GetDuration("poll-interval"),
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	eng.svc.SetOnLocalWrite(func() { coord.Notify(coordinator.ReasonLocalWrite) })
	eng.svc.SetOnReloadNeeded(func() { coord.Notify(coordinator.ReasonForced) })

	// Relay the store's own change feed into the coordinator. With the
	// demo in-memory store this only observes this process's writes; a
	// shared backend would carry other writers' changes too.
	events, err := eng.store.Subscribe(ctx, remote.AllKinds)
	if err != nil {
		return fmt.Errorf("failed to subscribe to store events: %w", err)
	}
	go func() {
		for ev := range events {
			coord.NotifyPush(ev)
		}
	}()

	if url := viper.GetString("push-url"); url != "" {
		listener, err := remote.NewPushListener(remote.PushListenerConfig{
			URL:    url,
			Logger: logger,
		})
		if err != nil {
			return err
		}
		go func() {
			for ev := range listener.Events() {
				coord.NotifyPush(ev)
			}
		}()
		go func() {
			if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Printf("Push listener stopped: %v", err)
			}
		}()
		logger.Printf("Push listener enabled for %s", url)
	}

	if err := watchControlFile(ctx, logger, func() {
		coord.Notify(coordinator.ReasonForced)
	}); err != nil {
		logger.Printf("Warning: control file watch disabled: %v", err)
	}

	logger.Printf("Daemon starting (cohort=%s poll=%s)",
		viper.GetString("cohort"), viper.GetDuration("poll-interval"))
	coord.Notify(coordinator.ReasonInitial)

	err = coord.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Printf("Daemon shutting down")
		return nil
	}
	return err
}

// watchControlFile watches the control file's directory and invokes force on
// every write or create of the file. Watching the directory rather than the
// file survives editors and touch replacing the inode.
func watchControlFile(ctx context.Context, logger *log.Logger, force func()) error {
	path := viper.GetString("control-file")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		path = filepath.Join(home, ".tracksync", "sync-now")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				logger.Printf("Control file touched, forcing full sync")
				force()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Printf("Control file watch error: %v", err)
			}
		}
	}()

	logger.Printf("Watching control file %s", path)
	return nil
}
