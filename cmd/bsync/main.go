package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bizdesk/bsync/internal/bus"
	"github.com/bizdesk/bsync/internal/config"
	"github.com/bizdesk/bsync/internal/device"
	"github.com/bizdesk/bsync/internal/engine"
	"github.com/bizdesk/bsync/internal/logging"
	"github.com/bizdesk/bsync/internal/remote"
	"github.com/bizdesk/bsync/internal/replica"
)

// configAnnotation marks a flag that overrides a config key.
const configAnnotation = "bsync_config_key"

var (
	dataDirFlag string
	configFlag  string
	verboseFlag bool

	cfg     *config.Config
	cfgFile string
	logOut  *logging.Output
)

var rootCmd = &cobra.Command{
	Use:   "bsync",
	Short: "Keep business data in sync across devices",
	Long: `bsync keeps a local replica of your business collections (customers,
gym members, bookings, quotations, ...) and synchronizes it with a remote
snapshot shared by all of your devices.

Every push replaces the remote snapshot in full; the newest write wins.
Other devices pick up changes in realtime while 'bsync watch' runs, or on
the next 'bsync pull'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logOut != nil {
			_ = logOut.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "data", Title: "Data Commands:"},
		&cobra.Group{ID: "setup", Title: "Setup Commands:"},
	)

	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "Data directory (default $BSYNC_DATA_DIR or ~/.bsync)")
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default <data-dir>/bsync.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Log sync activity to stderr")
	bindConfig(rootCmd.PersistentFlags(), "verbose", "log.verbose")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// bindConfig marks flag as overriding key when set.
func bindConfig(flags *pflag.FlagSet, flag, key string) {
	_ = flags.SetAnnotation(flag, configAnnotation, []string{key})
}

func loadConfig(cmd *cobra.Command) error {
	dataDir := dataDirFlag
	if dataDir == "" {
		dataDir = config.DefaultDataDir()
	}

	loader := config.NewLoader(dataDir, configFlag)
	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if keys, ok := f.Annotations[configAnnotation]; ok && bindErr == nil {
			bindErr = loader.BindFlag(keys[0], f)
		}
	})
	if bindErr != nil {
		return bindErr
	}

	loaded, err := loader.Load()
	if err != nil {
		return err
	}
	cfg = loaded
	cfgFile = loader.Used()
	if cfgFile == "" {
		cfgFile = configFlag
	}

	logOut, err = logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to open log: %w", err)
	}
	return nil
}

// fatalf prints an error and exits.
func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// configTarget is where config changes are saved.
func configTarget() string {
	if cfgFile != "" {
		return cfgFile
	}
	return cfg.ConfigPath()
}

func openReplica() *replica.DB {
	db, err := replica.Open(cfg.ReplicaPath())
	if err != nil {
		fatalf("%v", err)
	}
	db.SetBackupRetention(cfg.Sync.BackupRetention)
	return db
}

func newClient() (*remote.Client, error) {
	if cfg.Remote.URL == "" {
		return nil, fmt.Errorf("no remote configured (run 'bsync login --remote URL')")
	}
	c := remote.NewClient(cfg.Remote.URL, cfg.Remote.APIKey)
	c.SetUserAgent(device.UserAgent())
	return c, nil
}

// session is an engine wired to the local replica and the configured
// remote, signed in as the stored user when there is one.
type session struct {
	db     *replica.DB
	client *remote.Client
	ids    *device.Provider
	id     device.Identity
	bus    *bus.Bus
	eng    *engine.Engine
}

type sessionOptions struct {
	// realtime enables the listener and connectivity probing.
	realtime bool

	// debounce enables automatic pushes after local changes.
	debounce bool
}

func openSession(ctx context.Context, opts sessionOptions) *session {
	db := openReplica()

	client, err := newClient()
	if err != nil {
		_ = db.Close()
		fatalf("%v", err)
	}

	ids := device.NewProvider(db, nil, cfg.DeviceName)
	id, err := ids.DeviceID(ctx)
	if err != nil {
		_ = db.Close()
		fatalf("%v", err)
	}
	_ = ids.Touch(ctx)

	b := bus.New(logOut.Logger("bus"))
	deps := engine.Deps{
		Replica:  db,
		Store:    client,
		Identity: id,
		Bus:      b,
	}
	if opts.realtime {
		deps.Subscriber = client
		deps.Connectivity = client
	}

	ec := &engine.Config{
		Collections:      cfg.Sync.Collections,
		ProbeInterval:    cfg.Sync.ProbeInterval,
		RequestTimeout:   cfg.Sync.RequestTimeout,
		ServerTimestamps: cfg.Sync.ServerTimestamps,
		Logger:           logOut.Logger("engine"),
	}
	if opts.debounce {
		ec.DebounceInterval = cfg.Sync.Debounce
	}

	eng, err := engine.NewWithConfig(deps, ec)
	if err != nil {
		_ = db.Close()
		fatalf("%v", err)
	}

	s := &session{db: db, client: client, ids: ids, id: id, bus: b, eng: eng}

	user, _, err := db.GetMeta(ctx, replica.MetaUserID)
	if err != nil {
		s.close()
		fatalf("%v", err)
	}
	if user != "" {
		if err := eng.SignIn(ctx, user); err != nil {
			s.close()
			fatalf("%v", err)
		}
	}

	pending, err := db.Pending(ctx)
	if err != nil {
		s.close()
		fatalf("%v", err)
	}
	for _, key := range pending {
		eng.MarkDirty(key)
	}
	return s
}

// requireUser exits unless someone is signed in.
func (s *session) requireUser() string {
	user := s.eng.UserID()
	if user == "" {
		fatalf("%v (run 'bsync login')", engine.ErrUnauthenticated)
	}
	return user
}

// savePending persists the engine's unpushed keys for the next process.
func (s *session) savePending(ctx context.Context) error {
	return s.db.SetPending(ctx, s.eng.PendingKeys())
}

func (s *session) close() {
	s.eng.Stop()
	_ = s.db.Close()
}

// timeout returns a context bounded by the configured request timeout.
func timeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, cfg.Sync.RequestTimeout)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Println(string(data))
}

// statusError returns the engine's last error, or a generic one when the
// operation failed without recording it.
func statusError(eng *engine.Engine, op string) error {
	if err := eng.Err(); err != nil {
		return err
	}
	if msg := eng.Status().Error; msg != "" {
		return errors.New(msg)
	}
	return fmt.Errorf("%s failed", op)
}
