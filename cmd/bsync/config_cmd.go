package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bizdesk/bsync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Manage the bsync configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the current settings",
	Long: `Write <data-dir>/bsync.toml holding the effective configuration:
defaults merged with any BSYNC_* environment overrides.

Durations are written as strings ("30s") and may be edited by hand.`,
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")
		path := configTarget()

		if _, err := os.Stat(path); err == nil && !force {
			fatalf("%s already exists (use --force to overwrite)", path)
		}
		if err := cfg.WriteFile(path); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Run: func(cmd *cobra.Command, args []string) {
		data, err := cfg.Redacted().Encode()
		if err != nil {
			fatalf("%v", err)
		}
		source := cfgFile
		if source == "" {
			source = "defaults (no config file)"
		}
		fmt.Printf("# data dir: %s\n# source: %s\n\n", cfg.DataDir, source)
		fmt.Print(string(data))
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing config file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
