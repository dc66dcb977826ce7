package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/bizdesk/bsync/internal/device"
	"github.com/bizdesk/bsync/internal/replica"
	"github.com/bizdesk/bsync/internal/ui"
)

var loginCmd = &cobra.Command{
	Use:     "login",
	GroupID: "setup",
	Short:   "Sign this device in to a user's snapshot",
	Long: `Sign in as a user and point this device at a bsync server.

Missing values are asked for interactively when stdin is a terminal.
The remote URL and API key are saved to the config file; the user id is
kept in the local replica.

After signing in the current remote snapshot is pulled unless --no-pull
is given.

Signing in as a different user than the one the local collections belong
to is refused while any are stored; --force backs them up and clears them
first.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		user, _ := cmd.Flags().GetString("user")
		url, _ := cmd.Flags().GetString("remote")
		apiKey, _ := cmd.Flags().GetString("api-key")
		noPull, _ := cmd.Flags().GetBool("no-pull")
		force, _ := cmd.Flags().GetBool("force")

		if url == "" {
			url = cfg.Remote.URL
		}
		if apiKey == "" {
			apiKey = cfg.Remote.APIKey
		}

		if user == "" || url == "" {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				fatalf("--user and --remote are required when not running interactively")
			}
			if err := loginForm(&user, &url, &apiKey); err != nil {
				fatalf("%v", err)
			}
		}
		user = strings.TrimSpace(user)
		url = strings.TrimRight(strings.TrimSpace(url), "/")
		if user == "" || url == "" {
			fatalf("user id and remote URL cannot be empty")
		}

		if url != cfg.Remote.URL || apiKey != cfg.Remote.APIKey {
			cfg.Remote.URL = url
			cfg.Remote.APIKey = apiKey
			if err := cfg.WriteFile(configTarget()); err != nil {
				fatalf("%v", err)
			}
		}

		db := openReplica()
		prev, _, err := db.GetMeta(ctx, replica.MetaUserID)
		if err != nil {
			_ = db.Close()
			fatalf("%v", err)
		}
		owner, _, err := db.GetMeta(ctx, replica.MetaDataOwner)
		if err != nil {
			_ = db.Close()
			fatalf("%v", err)
		}
		if owner == "" {
			owner = prev
		}
		if owner != "" && owner != user {
			if err := switchUser(ctx, db, owner, user, force); err != nil {
				_ = db.Close()
				fatalf("%v", err)
			}
		}
		if err := db.SetMeta(ctx, replica.MetaUserID, user); err != nil {
			_ = db.Close()
			fatalf("%v", err)
		}
		if err := db.SetMeta(ctx, replica.MetaDataOwner, user); err != nil {
			_ = db.Close()
			fatalf("%v", err)
		}
		id, err := device.NewProvider(db, nil, cfg.DeviceName).DeviceID(ctx)
		_ = db.Close()
		if err != nil {
			fatalf("%v", err)
		}

		fmt.Printf("%s Signed in as %s on device %s\n", ui.RenderPass("✓"), user, id)
		fmt.Printf("   Remote: %s\n", url)

		if noPull {
			return
		}

		s := openSession(ctx, sessionOptions{})
		defer s.close()

		if pending := s.eng.PendingKeys(); len(pending) > 0 {
			fmt.Printf("%s %d local changes not pushed, skipping pull (run 'bsync push')\n", ui.RenderWarn("⚠"), len(pending))
			return
		}

		pctx, cancel := timeout(ctx)
		defer cancel()
		if err := s.client.Ping(pctx); err != nil {
			fmt.Printf("%s Remote unreachable, skipping pull: %v\n", ui.RenderWarn("⚠"), err)
			return
		}
		switch {
		case s.eng.Pull(pctx):
			fmt.Printf("%s Pulled snapshot from %s\n", ui.RenderPass("✓"), s.eng.Status().LastUpdateFrom)
		case s.eng.Status().Error != "":
			fmt.Printf("%s Pull failed: %s\n", ui.RenderWarn("⚠"), s.eng.Status().Error)
		default:
			fmt.Println("   No newer remote snapshot")
		}
	},
}

// switchUser prepares the replica for a different user. Local collections
// of the previous user would otherwise be pushed as the new user's snapshot.
func switchUser(ctx context.Context, db *replica.DB, from, to string, force bool) error {
	keys, err := db.Keys(ctx)
	if err != nil {
		return err
	}
	pending, err := db.Pending(ctx)
	if err != nil {
		return err
	}

	if len(keys) == 0 && len(pending) == 0 {
		// The sync point belongs to the previous user's snapshot.
		return db.SetLastSync(ctx, time.Time{})
	}
	if !force {
		return fmt.Errorf("local data belongs to %s (%d collections, %d not pushed); sign in as %s and push, or use --force to discard it",
			from, len(keys), len(pending), from)
	}

	discarded, err := db.Discard(ctx, fmt.Sprintf("before switch from %s to %s", from, to))
	if err != nil {
		return fmt.Errorf("failed to clear local data: %w", err)
	}
	fmt.Printf("%s Discarded %d local collections of %s (backups kept)\n", ui.RenderWarn("⚠"), len(discarded), from)
	return nil
}

func loginForm(user, url, apiKey *string) error {
	notEmpty := func(what string) func(string) error {
		return func(s string) error {
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("%s is required", what)
			}
			return nil
		}
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("User ID").
				Description("Every device signed in as this user shares one snapshot.").
				Value(user).
				Validate(notEmpty("user id")),
			huh.NewInput().
				Title("Remote URL").
				Placeholder("http://localhost:8787").
				Value(url).
				Validate(notEmpty("remote URL")),
			huh.NewInput().
				Title("API key").
				Description("Leave empty if the server has none.").
				EchoMode(huh.EchoModePassword).
				Value(apiKey),
		),
	)
	return form.Run()
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "setup",
	Short:   "Sign this device out",
	Long: `Forget the signed-in user. Local collections and unpushed changes are
kept and will be pushed after the next login as the same user.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		db := openReplica()
		defer db.Close()

		user, _, err := db.GetMeta(ctx, replica.MetaUserID)
		if err != nil {
			fatalf("%v", err)
		}
		if user == "" {
			fmt.Println("Not signed in")
			return
		}
		if err := db.SetMeta(ctx, replica.MetaUserID, ""); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Signed out %s\n", ui.RenderPass("✓"), user)
	},
}

func init() {
	loginCmd.Flags().String("user", "", "User id to sign in as")
	loginCmd.Flags().String("remote", "", "bsync server URL")
	loginCmd.Flags().String("api-key", "", "API key for the server")
	loginCmd.Flags().Bool("no-pull", false, "Don't pull the remote snapshot after signing in")
	loginCmd.Flags().Bool("force", false, "Discard another user's local collections")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}
