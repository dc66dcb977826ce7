package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/bizdesk/bsync/internal/loadtest"
	"github.com/bizdesk/bsync/internal/remote"
	"github.com/bizdesk/bsync/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Load test the remote with concurrent simulated devices",
	Long: `Push full snapshots from many simulated devices at once and report
push and fetch latency.

Every device writes to the same throwaway user, so the run also checks that
the remote keeps a single row per user and that the surviving row is one of
the acknowledged writes.

Examples:
  # Against the configured remote
  bsync bench --devices 50 --pushes 20

  # Against a temporary local SQLite store
  bsync bench --local

  # Output results as JSON
  bsync bench --json
`,
	Run:     runBench,
	GroupID: "sync",
}

func init() {
	defaults := loadtest.DefaultOptions()
	benchCmd.Flags().Int("devices", defaults.Devices, "Number of concurrent simulated devices")
	benchCmd.Flags().Int("pushes", defaults.Pushes, "Number of pushes per device")
	benchCmd.Flags().Int("payload", defaults.PayloadBytes, "Approximate bytes per collection value")
	benchCmd.Flags().Bool("local", false, "Run against a temporary SQLite store instead of the remote")
	benchCmd.Flags().Bool("json", false, "Output results as JSON")
	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, args []string) {
	devices, _ := cmd.Flags().GetInt("devices")
	pushes, _ := cmd.Flags().GetInt("pushes")
	payload, _ := cmd.Flags().GetInt("payload")
	local, _ := cmd.Flags().GetBool("local")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if devices <= 0 {
		fatalf("--devices must be positive")
	}
	if pushes <= 0 {
		fatalf("--pushes must be positive")
	}
	if payload < 0 {
		fatalf("--payload cannot be negative")
	}

	opts := loadtest.DefaultOptions()
	opts.Devices = devices
	opts.Pushes = pushes
	opts.PayloadBytes = payload
	opts.Collections = cfg.Sync.Collections

	store, target, cleanup, err := benchStore(cmd.Context(), local)
	if err != nil {
		fatalf("%v", err)
	}

	if !jsonOutput {
		fmt.Printf("Running load test against %s...\n", ui.RenderAccent(target))
		fmt.Printf("Configuration: %d devices, %d pushes/device, %d collections, %d bytes/value\n\n",
			opts.Devices, opts.Pushes, len(opts.Collections), opts.PayloadBytes)
	}

	result, err := loadtest.Run(cmd.Context(), store, opts)
	cleanup()
	if jsonOutput && result != nil {
		printJSON(result)
	} else if result != nil {
		result.Push.Print(os.Stdout, "Push latency")
		fmt.Println()
		result.Fetch.Print(os.Stdout, "Fetch latency")
		fmt.Println()
		fmt.Printf("Duration:   %v\n", result.Duration)
		fmt.Printf("Throughput: %.1f pushes/sec\n", result.Throughput())
		if result.Errors > 0 {
			fmt.Printf("%s %d requests failed (first: %s)\n", ui.RenderWarn("⚠"), result.Errors, result.FirstError)
		}
	}

	if err != nil {
		fatalf("%v", err)
	}
	if !jsonOutput {
		fmt.Printf("%s Final row from %s is an acknowledged write\n", ui.RenderPass("✓"), result.FinalDevice)
	}
}

// benchStore opens the store a bench run writes to. cleanup releases it.
func benchStore(ctx context.Context, local bool) (remote.Store, string, func(), error) {
	if !local {
		client, err := newClient()
		if err != nil {
			return nil, "", nil, err
		}
		return client, client.BaseURL(), func() {}, nil
	}

	dir, err := os.MkdirTemp("", "bsync-bench-")
	if err != nil {
		return nil, "", nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	store, err := remote.OpenSQL(filepath.Join(dir, "bench.db"), log.New(io.Discard, "", 0))
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, "", nil, err
	}
	cleanup := func() {
		_ = store.Close()
		_ = os.RemoveAll(dir)
	}
	if err := store.Migrate(ctx); err != nil {
		cleanup()
		return nil, "", nil, err
	}
	return store, "local SQLite", cleanup, nil
}
