package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/bizdesk/bsync/internal/remote"
	"github.com/bizdesk/bsync/internal/ui"
)

var logCmd = &cobra.Command{
	Use:     "log",
	GroupID: "sync",
	Short:   "Show the change log of the remote snapshot",
	Long: `List the collections touched by recent pushes, newest first.

--since accepts a duration ("90m"), a timestamp ("2026-03-01T10:00:00Z")
or natural language ("2 hours ago", "yesterday", "last monday").`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		sinceText, _ := cmd.Flags().GetString("since")
		limit, _ := cmd.Flags().GetInt("limit")

		var since time.Time
		if sinceText != "" {
			t, err := parseSince(sinceText, time.Now())
			if err != nil {
				fatalf("%v", err)
			}
			since = t
		}

		s := openSession(ctx, sessionOptions{})
		defer s.close()
		user := s.requireUser()

		fctx, cancel := timeout(ctx)
		defer cancel()
		snap, err := s.client.Fetch(fctx, user)
		if errors.Is(err, remote.ErrNotFound) {
			fmt.Println("No remote snapshot yet")
			return
		}
		if err != nil {
			s.close()
			fatalf("failed to fetch snapshot: %v", err)
		}

		entries := filterLog(snap.ChangeLog, since, limit)
		if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
			printJSON(entries)
			return
		}
		if len(entries) == 0 {
			fmt.Println("No changes in range")
			return
		}

		fmt.Printf("%s Snapshot updated %s by %s\n\n", ui.RenderAccent("●"), formatTime(snap.UpdatedAt), snap.DeviceID)
		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			collection := e.Collection
			if collection == "" {
				collection = ui.RenderMuted("(no changes)")
			}
			device := e.DeviceID
			if device == s.id.String() {
				device += " (this device)"
			}
			rows = append(rows, []string{formatTime(e.Timestamp), device, e.Action, collection})
		}
		fmt.Println(ui.Table([]string{"TIME", "DEVICE", "ACTION", "COLLECTION"}, rows))
	},
}

// parseSince resolves a --since value relative to now.
func parseSince(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if d, err := time.ParseDuration(text); err == nil {
		if d < 0 {
			d = -d
		}
		return now.Add(-d), nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, text, now.Location()); err == nil {
			return t, nil
		}
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand --since %q", text)
	}
	return r.Time, nil
}

// filterLog returns entries at or after since, newest first, at most limit
// (zero means all).
func filterLog(log []remote.ChangeLogEntry, since time.Time, limit int) []remote.ChangeLogEntry {
	out := make([]remote.ChangeLogEntry, 0, len(log))
	for _, e := range log {
		if !since.IsZero() && e.Timestamp.Before(since) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func init() {
	logCmd.Flags().String("since", "", "Only show changes after this time")
	logCmd.Flags().IntP("limit", "n", 0, "Show at most this many entries")
	logCmd.Flags().Bool("json", false, "Output JSON")

	rootCmd.AddCommand(logCmd)
}
