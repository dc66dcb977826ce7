package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bizdesk/bsync/internal/bridge"
	"github.com/bizdesk/bsync/internal/bus"
	"github.com/bizdesk/bsync/internal/engine"
	"github.com/bizdesk/bsync/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "sync",
	Short:   "Run the sync engine and mirror collections to a directory",
	Long: `Keep this device in sync until interrupted:

  - connect to the realtime feed and apply snapshots pushed by other devices
  - write each collection to <dir>/<collection>.json
  - import edits to those files and push them after the debounce window
  - probe the remote and catch up when it comes back

Press Ctrl+C to stop. Changes not yet pushed are kept for the next run.`,
	Run: func(cmd *cobra.Command, args []string) {
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = filepath.Join(cfg.DataDir, "collections")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s := openSession(ctx, sessionOptions{realtime: true, debounce: true})
		user := s.requireUser()

		unsubscribe := s.eng.OnStatusChange(printStatusLine())
		defer unsubscribe()
		unsubscribeBus := s.bus.Subscribe(printRemoteChange)
		defer unsubscribeBus()

		br, err := bridge.New(s.db, s.eng, s.bus, &bridge.Config{
			Dir:         dir,
			Collections: cfg.Sync.Collections,
			Logger:      logOut.Logger("bridge"),
		})
		if err != nil {
			s.close()
			fatalf("%v", err)
		}

		s.eng.Start()
		if err := br.Start(); err != nil {
			s.close()
			fatalf("%v", err)
		}

		fmt.Printf("%s Syncing %s as device %s\n", ui.RenderAccent("●"), user, s.id)
		fmt.Printf("   Remote: %s\n", s.client.BaseURL())
		fmt.Printf("   Files:  %s\n", dir)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		<-ctx.Done()
		fmt.Printf("\nStopping...\n")

		if err := br.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
		s.eng.Stop()
		if err := s.savePending(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to save pending changes: %v\n", err)
		}
		if n := len(s.eng.PendingKeys()); n > 0 {
			fmt.Printf("%s %d changes not pushed yet\n", ui.RenderWarn("⚠"), n)
		}
		_ = s.db.Close()
	},
}

// printStatusLine reports online, realtime and error transitions.
func printStatusLine() func(engine.Status) {
	var (
		mu    sync.Mutex
		last  engine.Status
		first = true
	)
	return func(st engine.Status) {
		mu.Lock()
		defer mu.Unlock()
		defer func() { last, first = st, false }()

		if first || st.IsOnline != last.IsOnline {
			if st.IsOnline {
				fmt.Printf("%s online\n", ui.RenderPass("●"))
			} else {
				fmt.Printf("%s offline, changes will be pushed on reconnect\n", ui.RenderWarn("●"))
			}
		}
		if st.Realtime != last.Realtime && st.Realtime == engine.Subscribed {
			fmt.Printf("%s realtime connected\n", ui.RenderPass("●"))
		}
		if st.Error != "" && st.Error != last.Error {
			fmt.Printf("%s %s\n", ui.RenderFail("✗"), st.Error)
		}
		if first || st.LastSync.Equal(last.LastSync) || st.LastSync.IsZero() {
			return
		}
		fmt.Printf("%s synced at %s\n", ui.RenderAccent("↻"), formatTime(st.LastSync))
	}
}

func printRemoteChange(e bus.Event) {
	fmt.Printf("%s %s from %s: %s\n", ui.RenderAccent("↓"), e.Source, e.DeviceID, strings.Join(e.Keys, ", "))
}

func init() {
	watchCmd.Flags().String("dir", "", "Directory for collection files (default <data-dir>/collections)")

	rootCmd.AddCommand(watchCmd)
}
