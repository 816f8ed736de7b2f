package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Kauhik/tracksync/internal/remote"
	"github.com/Kauhik/tracksync/internal/seed"
	"github.com/Kauhik/tracksync/internal/statestore"
	"github.com/Kauhik/tracksync/internal/tracker"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tracksync",
	Short: "Local-first mirror of a shared progress-tracking record store",
	Long: `tracksync keeps a local entity graph (groups, domains, objectives,
students, progress) reconciled with a shared multi-writer record store.

Reads are always served locally. Writes are applied optimistically and
pushed to the remote store, rolling back on failure. A background daemon
debounces, throttles and coalesces sync triggers so concurrent writers
converge without manual refreshing.

Configuration is read from --config, $TRACKSYNC_* environment variables,
or ~/.tracksync/config.yaml, in that order of precedence.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ~/.tracksync/config.yaml)")
	pf.String("cohort", "default", "cohort every query and write is scoped to")
	pf.String("db", "", "state database path (default ~/.tracksync/state.db)")
	pf.String("edited-by", "", "display label stamped on outbound records (default $USER)")
	pf.String("log-file", "", "log to a rotated file instead of stderr")
	pf.String("seed-file", "", "YAML seed catalog overriding the built-in defaults")

	for _, name := range []string{"cohort", "db", "edited-by", "log-file", "seed-file"} {
		viper.BindPFlag(name, pf.Lookup(name))
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".tracksync"))
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("tracksync")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}

// newLogger builds the command logger: stderr by default, a size-rotated file
// when log-file is configured.
func newLogger(prefix string) *log.Logger {
	if path := viper.GetString("log-file"); path != "" {
		return log.New(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}, prefix, log.LstdFlags)
	}
	return log.New(os.Stderr, prefix, log.LstdFlags)
}

func statePath() (string, error) {
	if p := viper.GetString("db"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate home directory: %w", err)
	}
	dir := filepath.Join(home, ".tracksync")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create state directory: %w", err)
	}
	return filepath.Join(dir, "state.db"), nil
}

func editedBy() string {
	if v := viper.GetString("edited-by"); v != "" {
		return v
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "tracksync"
}

func loadSeedCatalog() (*seed.Catalog, error) {
	path := viper.GetString("seed-file")
	if path == "" {
		return seed.Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return seed.Parse(data)
}

// engine bundles everything a command needs to run the sync engine.
type engine struct {
	svc   *tracker.Service
	store *remote.MemStore
	state *statestore.Store
}

// buildEngine opens the state database and constructs a started service over
// the demo in-memory remote store.
func buildEngine(cmd *cobra.Command, logger *log.Logger) (*engine, error) {
	path, err := statePath()
	if err != nil {
		return nil, err
	}
	state, err := statestore.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	if err := state.InitSchema(cmd.Context()); err != nil {
		state.Close()
		return nil, fmt.Errorf("failed to initialize state schema: %w", err)
	}

	catalog, err := loadSeedCatalog()
	if err != nil {
		state.Close()
		return nil, err
	}

	store := remote.NewMemStore()
	svc, err := tracker.New(tracker.Config{
		Cohort:   viper.GetString("cohort"),
		EditedBy: editedBy(),
		Remote:   store,
		State:    state,
		Seed:     catalog,
		Logger:   logger,
	})
	if err != nil {
		state.Close()
		return nil, err
	}
	if err := svc.Start(cmd.Context()); err != nil {
		state.Close()
		return nil, err
	}
	return &engine{svc: svc, store: store, state: state}, nil
}

func (e *engine) close() {
	e.svc.Stop()
	if err := e.state.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close state database: %v\n", err)
	}
}
