package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/bizdesk/bsync/internal/replica"
	"github.com/bizdesk/bsync/internal/ui"
)

var backupsCmd = &cobra.Command{
	Use:     "backups <collection>",
	GroupID: "data",
	Short:   "List or restore values overwritten by pulls",
	Long: `Every pull that overwrites or removes a collection first saves the old
value. The newest sync.backup_retention copies per collection are kept.

  bsync backups customers              list backups
  bsync backups customers --show 12    print backup 12
  bsync backups customers --restore 12 put backup 12 back (as a local change)`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		key := args[0]
		requireCollection(key)
		show, _ := cmd.Flags().GetInt64("show")
		restore, _ := cmd.Flags().GetInt64("restore")

		db := openReplica()
		defer db.Close()

		backups, err := db.Backups(ctx, key)
		if err != nil {
			fatalf("%v", err)
		}

		if show != 0 || restore != 0 {
			id := show
			if restore != 0 {
				id = restore
			}
			b, ok := findBackup(backups, id)
			if !ok {
				fatalf("no backup %d for %s", id, key)
			}
			if show != 0 {
				fmt.Println(b.Value)
				return
			}
			if err := db.Set(ctx, key, b.Value); err != nil {
				fatalf("%v", err)
			}
			markPending(ctx, db, key)
			fmt.Printf("%s Restored %s from backup %d (%s)\n", ui.RenderPass("✓"), key, b.ID, formatTime(b.CreatedAt))
			fmt.Printf("   Run 'bsync push' to share it\n")
			return
		}

		if len(backups) == 0 {
			fmt.Printf("No backups for %s\n", key)
			return
		}
		rows := make([][]string, 0, len(backups))
		for _, b := range backups {
			rows = append(rows, []string{strconv.FormatInt(b.ID, 10), formatTime(b.CreatedAt), b.Reason, strconv.Itoa(len(b.Value))})
		}
		fmt.Println(ui.Table([]string{"ID", "CREATED", "REASON", "BYTES"}, rows))
	},
}

func findBackup(backups []replica.Backup, id int64) (replica.Backup, bool) {
	for _, b := range backups {
		if b.ID == id {
			return b, true
		}
	}
	return replica.Backup{}, false
}

func init() {
	backupsCmd.Flags().Int64("show", 0, "Print the value of a backup")
	backupsCmd.Flags().Int64("restore", 0, "Restore a backup as a local change")

	rootCmd.AddCommand(backupsCmd)
}
