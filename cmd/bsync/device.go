package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bizdesk/bsync/internal/device"
	"github.com/bizdesk/bsync/internal/ui"
)

var deviceCmd = &cobra.Command{
	Use:     "device",
	GroupID: "setup",
	Short:   "Show this device's id",
	Long: `Print the stable id of this installation. The id is generated on first
use and tags every snapshot this device pushes.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		db := openReplica()
		defer db.Close()

		id, err := device.NewProvider(db, nil, cfg.DeviceName).DeviceID(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Println(id)
	},
}

var deviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List devices registered in this replica",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		db := openReplica()
		defer db.Close()

		ids := device.NewProvider(db, nil, cfg.DeviceName)
		current, err := ids.DeviceID(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		records, err := ids.Devices(ctx)
		if err != nil {
			fatalf("%v", err)
		}

		if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
			printJSON(records)
			return
		}

		rows := make([][]string, 0, len(records))
		for _, r := range records {
			id := r.ID
			if r.ID == current.String() {
				id += " *"
			}
			rows = append(rows, []string{id, r.DisplayName, formatTime(r.RegisteredAt), formatTime(r.LastSeen)})
		}
		fmt.Println(ui.Table([]string{"ID", "NAME", "REGISTERED", "LAST SEEN"}, rows))
	},
}

func init() {
	deviceListCmd.Flags().Bool("json", false, "Output JSON")

	deviceCmd.AddCommand(deviceListCmd)
	rootCmd.AddCommand(deviceCmd)
}
