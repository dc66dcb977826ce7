package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bizdesk/bsync/internal/bus"
	"github.com/bizdesk/bsync/internal/device"
	"github.com/bizdesk/bsync/internal/replica"
	"github.com/bizdesk/bsync/internal/ui"
)

var pushCmd = &cobra.Command{
	Use:     "push",
	GroupID: "sync",
	Short:   "Upload the local collections as the new remote snapshot",
	Long: `Replace the remote snapshot with every configured collection from the
local replica. The newest push wins; other devices overwrite their copies
on their next pull.`,
	Run: func(cmd *cobra.Command, args []string) {
		runPush(context.Background())
	},
}

func runPush(ctx context.Context) {
	s := openSession(ctx, sessionOptions{})
	s.requireUser()
	pending := s.eng.PendingKeys()

	pctx, cancel := timeout(ctx)
	ok := s.eng.Push(pctx)
	cancel()
	if !ok {
		err := statusError(s.eng, "push")
		s.close()
		fatalf("push failed: %v", err)
	}
	if err := s.savePending(ctx); err != nil {
		s.close()
		fatalf("%v", err)
	}
	st := s.eng.Status()
	s.close()

	fmt.Printf("%s Pushed snapshot at %s\n", ui.RenderPass("✓"), formatTime(st.LastSync))
	if len(pending) > 0 {
		fmt.Printf("   Changed: %s\n", strings.Join(pending, ", "))
	}
}

var pullCmd = &cobra.Command{
	Use:     "pull",
	GroupID: "sync",
	Short:   "Overwrite local collections with the remote snapshot",
	Long: `Fetch the remote snapshot and, if it is newer than the last sync, write
every collection it holds into the local replica. Configured collections
missing from the snapshot are removed. Overwritten values are kept as
backups (see 'bsync backups').

Pulling with unpushed local changes is refused unless --force is given.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		force, _ := cmd.Flags().GetBool("force")

		s := openSession(ctx, sessionOptions{})
		defer s.close()
		s.requireUser()

		if pending := s.eng.PendingKeys(); len(pending) > 0 && !force {
			s.close()
			fatalf("%d local changes not pushed (%s); push first or use --force",
				len(pending), strings.Join(pending, ", "))
		}

		var changed []string
		unsubscribe := s.bus.Subscribe(func(e bus.Event) { changed = e.Keys })
		defer unsubscribe()

		pctx, cancel := timeout(ctx)
		defer cancel()
		if !s.eng.Pull(pctx) {
			if s.eng.Status().Error != "" {
				err := statusError(s.eng, "pull")
				s.close()
				fatalf("pull failed: %v", err)
			}
			fmt.Println("Already up to date")
			return
		}

		if err := s.db.SetPending(ctx, nil); err != nil {
			fatalf("%v", err)
		}
		st := s.eng.Status()
		fmt.Printf("%s Pulled snapshot from %s (updated %s)\n", ui.RenderPass("✓"), st.LastUpdateFrom, formatTime(st.LastSync))
		if len(changed) > 0 {
			fmt.Printf("   Collections: %s\n", strings.Join(changed, ", "))
		}
	},
}

// statusReport is what `bsync status` shows.
type statusReport struct {
	User           string    `json:"user,omitempty"`
	DeviceID       string    `json:"device_id"`
	Remote         string    `json:"remote,omitempty"`
	Online         bool      `json:"online"`
	LastSync       time.Time `json:"last_sync"`
	LastUpdateFrom string    `json:"last_update_from,omitempty"`
	Pending        []string  `json:"pending"`
	Collections    int       `json:"collections"`
	Bytes          int64     `json:"bytes"`
	Backups        int       `json:"backups"`
	Error          string    `json:"error,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sync status of this device",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		report := buildStatus(ctx)

		if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
			printJSON(report)
			return
		}

		user := report.User
		if user == "" {
			user = ui.RenderWarn("not signed in")
		}
		remoteURL := report.Remote
		online := ui.RenderMuted("n/a")
		switch {
		case remoteURL == "":
			remoteURL = ui.RenderMuted("not configured")
		case report.Online:
			online = ui.RenderPass("online")
		default:
			online = ui.RenderFail("offline")
		}

		fmt.Printf("\n%s Sync Status\n\n", ui.RenderAccent("●"))
		fmt.Printf("   User:        %s\n", user)
		fmt.Printf("   Device:      %s\n", report.DeviceID)
		fmt.Printf("   Remote:      %s (%s)\n", remoteURL, online)
		fmt.Printf("   Last sync:   %s\n", formatTime(report.LastSync))
		if report.LastUpdateFrom != "" {
			fmt.Printf("   Last update: from %s\n", report.LastUpdateFrom)
		}
		if len(report.Pending) > 0 {
			fmt.Printf("   Pending:     %s\n", ui.RenderWarn(strings.Join(report.Pending, ", ")))
		} else {
			fmt.Printf("   Pending:     none\n")
		}
		fmt.Printf("   Replica:     %d collections, %d bytes, %d backups\n", report.Collections, report.Bytes, report.Backups)
		if report.Error != "" {
			fmt.Printf("\n%s %s\n", ui.RenderFail("✗"), report.Error)
		}
		fmt.Println()
	},
}

func buildStatus(ctx context.Context) statusReport {
	if cfg.Remote.URL == "" {
		return localStatus(ctx)
	}

	s := openSession(ctx, sessionOptions{})
	defer s.close()

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := s.client.Ping(pctx)
	cancel()
	s.eng.SetOnline(err == nil)

	st := s.eng.Status()
	report := statusReport{
		User:           s.eng.UserID(),
		DeviceID:       st.DeviceID,
		Remote:         s.client.BaseURL(),
		Online:         st.IsOnline,
		LastSync:       st.LastSync,
		LastUpdateFrom: st.LastUpdateFrom,
		Pending:        s.eng.PendingKeys(),
		Error:          st.Error,
	}
	if err != nil {
		report.Error = err.Error()
	}
	if report.User == "" {
		// SignIn loads the sync point; without a user read it directly.
		report.LastSync, _ = s.db.LastSync(ctx)
		report.LastUpdateFrom, _, _ = s.db.GetMeta(ctx, replica.MetaLastUpdateFrom)
	}
	fillStats(ctx, s.db, &report)
	return report
}

func localStatus(ctx context.Context) statusReport {
	db := openReplica()
	defer db.Close()

	id, err := device.NewProvider(db, nil, cfg.DeviceName).DeviceID(ctx)
	if err != nil {
		fatalf("%v", err)
	}
	report := statusReport{DeviceID: id.String()}
	report.User, _, _ = db.GetMeta(ctx, replica.MetaUserID)
	report.LastSync, _ = db.LastSync(ctx)
	report.LastUpdateFrom, _, _ = db.GetMeta(ctx, replica.MetaLastUpdateFrom)
	if report.Pending, err = db.Pending(ctx); err != nil {
		fatalf("%v", err)
	}
	fillStats(ctx, db, &report)
	return report
}

func fillStats(ctx context.Context, db *replica.DB, report *statusReport) {
	stats, err := db.GetStats(ctx)
	if err != nil {
		fatalf("%v", err)
	}
	report.Collections = stats.Collections
	report.Bytes = stats.Bytes
	report.Backups = stats.Backups
	if report.Pending == nil {
		report.Pending = []string{}
	}
}

func init() {
	pullCmd.Flags().Bool("force", false, "Pull even when local changes are pending")
	statusCmd.Flags().Bool("json", false, "Output JSON")

	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(statusCmd)
}
