package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/bizdesk/bsync/internal/remote"
	"github.com/bizdesk/bsync/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Run a bsync server holding the shared snapshots",
	Long: `Serve the snapshot API and realtime feed used by 'bsync push', 'pull'
and 'watch'.

The sync_snapshots table lives in server.database_url:
  /path/to/server.db        SQLite file (default <data-dir>/server.db)
  libsql://db.turso.io?...  Turso / libSQL
  postgres://user@host/db   PostgreSQL

With server.redis_addr set, change notifications go through Redis so that
several server instances can share one database.

Run once with --migrate to create the table.`,
	Run: func(cmd *cobra.Command, args []string) {
		migrate, _ := cmd.Flags().GetBool("migrate")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, err := remote.OpenSQL(cfg.Server.DatabaseURL, logOut.Logger("store"))
		if err != nil {
			fatalf("%v", err)
		}
		defer store.Close()

		if migrate {
			if err := store.Migrate(ctx); err != nil {
				fatalf("%v", err)
			}
			fmt.Printf("%s Migrated %s\n", ui.RenderPass("✓"), remote.TableName)
		}

		hub := remote.NewHub(logOut.Logger("hub"))
		if cfg.Server.RedisAddr != "" {
			rc := redis.NewClient(&redis.Options{Addr: cfg.Server.RedisAddr})
			defer rc.Close()
			if err := rc.Ping(ctx).Err(); err != nil {
				fatalf("failed to connect to redis at %s: %v", cfg.Server.RedisAddr, err)
			}

			fanout := remote.NewRedisFanout(rc, hub, logOut.Logger("redis"))
			store.SetPublisher(fanout)
			go func() {
				if err := fanout.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					fmt.Fprintf(os.Stderr, "Warning: redis fan-out stopped: %v\n", err)
				}
			}()
		} else {
			store.SetPublisher(hub)
		}

		srv := remote.NewServer(store, hub, &remote.ServerConfig{
			Addr:         cfg.Server.Addr,
			APIKey:       cfg.Server.APIKey,
			PingInterval: cfg.Server.PingInterval,
			Logger:       logOut.Logger("server"),
		})
		if err := srv.Start(); err != nil {
			fatalf("%v", err)
		}

		fmt.Printf("%s bsync server listening on %s\n", ui.RenderPass("✓"), srv.GetAddr())
		fmt.Printf("   Database: %s\n", cfg.Server.DatabaseURL)
		if cfg.Server.RedisAddr != "" {
			fmt.Printf("   Redis:    %s\n", cfg.Server.RedisAddr)
		}
		if cfg.Server.APIKey == "" {
			fmt.Printf("%s No API key set (server.api_key); anyone can read and write\n", ui.RenderWarn("⚠"))
		}
		fmt.Printf("\nPress Ctrl+C to stop\n")

		<-ctx.Done()
		fmt.Printf("\nShutting down...\n")
		if err := srv.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping server: %v\n", err)
		}
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (default :8787)")
	serveCmd.Flags().String("database-url", "", "Snapshot database URL or SQLite path")
	serveCmd.Flags().String("api-key", "", "Require this X-API-Key")
	serveCmd.Flags().String("redis", "", "Redis address for multi-instance fan-out")
	serveCmd.Flags().Bool("migrate", false, "Create the snapshot table before serving")
	bindConfig(serveCmd.Flags(), "addr", "server.addr")
	bindConfig(serveCmd.Flags(), "database-url", "server.database_url")
	bindConfig(serveCmd.Flags(), "api-key", "server.api_key")
	bindConfig(serveCmd.Flags(), "redis", "server.redis_addr")

	rootCmd.AddCommand(serveCmd)
}
