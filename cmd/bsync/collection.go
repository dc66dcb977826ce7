package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/bizdesk/bsync/internal/config"
	"github.com/bizdesk/bsync/internal/replica"
	"github.com/bizdesk/bsync/internal/ui"
)

var collectionCmd = &cobra.Command{
	Use:     "collection",
	Aliases: []string{"col"},
	GroupID: "data",
	Short:   "Read and edit local collections",
	Long: `Each collection is one JSON document in the local replica. Edits are
recorded as pending changes and sent with the next 'bsync push' (or right
away with --push).`,
}

var collectionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured collections",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		db := openReplica()
		defer db.Close()

		pending, err := db.Pending(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		isPending := make(map[string]bool, len(pending))
		for _, k := range pending {
			isPending[k] = true
		}

		rows := make([][]string, 0, len(cfg.Sync.Collections))
		for _, key := range cfg.Sync.Collections {
			value, ok, err := db.Get(ctx, key)
			if err != nil {
				fatalf("%v", err)
			}
			size := "-"
			if ok {
				size = strconv.Itoa(len(value))
			}
			mark := ""
			if isPending[key] {
				mark = "pending"
			}
			rows = append(rows, []string{key, size, mark})
		}
		fmt.Println(ui.Table([]string{"COLLECTION", "BYTES", "STATE"}, rows))
	},
}

var collectionGetCmd = &cobra.Command{
	Use:   "get <collection>",
	Short: "Print a collection's JSON",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		key := args[0]
		requireCollection(key)

		db := openReplica()
		defer db.Close()

		value, ok, err := db.Get(ctx, key)
		if err != nil {
			fatalf("%v", err)
		}
		if !ok {
			fatalf("collection %s has no data", key)
		}

		if pretty, _ := cmd.Flags().GetBool("pretty"); pretty {
			var buf bytes.Buffer
			if err := json.Indent(&buf, []byte(value), "", "  "); err == nil {
				value = buf.String()
			}
		}
		fmt.Println(value)
	},
}

var collectionSetCmd = &cobra.Command{
	Use:   "set <collection> [json|-]",
	Short: "Replace a collection's JSON",
	Long: `Replace a collection with the given JSON document. The document is read
from the second argument, from --file, or from stdin when the argument is
"-" or missing.`,
	Args: cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		key := args[0]
		requireCollection(key)

		data, err := readDocument(cmd, args[1:])
		if err != nil {
			fatalf("%v", err)
		}
		data = bytes.TrimSpace(data)
		if !json.Valid(data) {
			fatalf("%s: value is not valid JSON", key)
		}

		db := openReplica()
		current, ok, err := db.Get(ctx, key)
		if err != nil {
			_ = db.Close()
			fatalf("%v", err)
		}
		if ok && current == string(data) {
			_ = db.Close()
			fmt.Printf("%s unchanged\n", key)
			return
		}
		if err := db.Set(ctx, key, string(data)); err != nil {
			_ = db.Close()
			fatalf("%v", err)
		}
		markPending(ctx, db, key)
		_ = db.Close()

		fmt.Printf("%s Updated %s (%d bytes)\n", ui.RenderPass("✓"), key, len(data))
		pushIfRequested(ctx, cmd)
	},
}

var collectionDeleteCmd = &cobra.Command{
	Use:   "delete <collection>",
	Short: "Remove a collection's data",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		key := args[0]
		requireCollection(key)

		db := openReplica()
		_, ok, err := db.Get(ctx, key)
		if err != nil {
			_ = db.Close()
			fatalf("%v", err)
		}
		if !ok {
			_ = db.Close()
			fmt.Printf("%s has no data\n", key)
			return
		}
		if err := db.Delete(ctx, key); err != nil {
			_ = db.Close()
			fatalf("%v", err)
		}
		markPending(ctx, db, key)
		_ = db.Close()

		fmt.Printf("%s Deleted %s\n", ui.RenderPass("✓"), key)
		pushIfRequested(ctx, cmd)
	},
}

func requireCollection(key string) {
	if err := config.ValidateCollection(key); err != nil {
		fatalf("%v", err)
	}
	if !cfg.HasCollection(key) {
		fatalf("%s is not a configured collection (see 'bsync collection list')", key)
	}
}

func readDocument(cmd *cobra.Command, args []string) ([]byte, error) {
	if file, _ := cmd.Flags().GetString("file"); file != "" {
		return os.ReadFile(file)
	}
	if len(args) == 1 && args[0] != "-" {
		return []byte(args[0]), nil
	}
	return io.ReadAll(cmd.InOrStdin())
}

func markPending(ctx context.Context, db *replica.DB, key string) {
	if err := db.AddPending(ctx, key); err != nil {
		fatalf("%v", err)
	}
}

func pushIfRequested(ctx context.Context, cmd *cobra.Command) {
	if push, _ := cmd.Flags().GetBool("push"); push {
		runPush(ctx)
	}
}

func init() {
	collectionGetCmd.Flags().Bool("pretty", false, "Indent the JSON")
	collectionSetCmd.Flags().StringP("file", "f", "", "Read the JSON from a file")
	collectionSetCmd.Flags().Bool("push", false, "Push right after the change")
	collectionDeleteCmd.Flags().Bool("push", false, "Push right after the change")

	collectionCmd.AddCommand(collectionListCmd)
	collectionCmd.AddCommand(collectionGetCmd)
	collectionCmd.AddCommand(collectionSetCmd)
	collectionCmd.AddCommand(collectionDeleteCmd)
	rootCmd.AddCommand(collectionCmd)
}
