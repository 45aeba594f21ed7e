package main

import (
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/maxgio92/refunc"
	"github.com/maxgio92/refunc/internal/config"
	"github.com/maxgio92/refunc/internal/logging"
)

// rootOptions holds the global flags and the state every subcommand shares.
type rootOptions struct {
	configPath string
	logLevel   string
	pretty     bool

	cfg    config.Config
	logger zerolog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{logger: zerolog.Nop()}

	cmd := &cobra.Command{
		Use:   "refunc",
		Short: "Repair function boundaries in executable images",
		Long: `Refunc loads an ELF or Mach-O executable into an in-memory analysis
database, seeded from the symbol table, and forces addresses to be
recognized as function starts. Misclassified instructions are recovered,
chunks are detached from the functions that swallowed them, and
destructive changes are rolled back when they lose code.

Configuration is read from the file given with --config, then from
REFUNC_* environment variables, then from flags.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd)
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&opts.pretty, "pretty", false, "human-readable log output")

	cmd.AddCommand(
		newEnsureCmd(opts),
		newFunctionsCmd(opts),
		newDetectCmd(opts),
		newDisasmCmd(opts),
		newWordsCmd(opts),
	)
	return cmd
}

// load resolves the configuration layers and builds the logger.
func (o *rootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if flags.Changed("pretty") {
		cfg.Log.Pretty = o.pretty
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	o.cfg = cfg
	o.logger = logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
		Output: cmd.ErrOrStderr(),
	})
	return nil
}

// openDatabase loads the image at path and seeds a database from it.
func (o *rootOptions) openDatabase(path string) (*refunc.Database, error) {
	img, err := refunc.Open(path)
	if err != nil {
		return nil, err
	}
	o.logger.Debug().
		Str("path", path).
		Str("arch", string(img.Arch)).
		Int("segments", len(img.Segments)).
		Int("symbols", len(img.Symbols)).
		Msg("Loaded image")

	return refunc.NewDatabase(img,
		refunc.WithDatabaseLogger(o.logger.With().Str("component", "database").Logger()),
		refunc.WithWalkLimit(o.cfg.Database.WalkLimit),
	), nil
}

func (o *rootOptions) newRepairer(db refunc.AnalysisDatabase) *refunc.Repairer {
	return refunc.NewRepairer(db,
		refunc.WithLogger(o.logger.With().Str("component", "repair").Logger()),
		refunc.WithMaxBoundaryIterations(o.cfg.Repair.MaxBoundaryIterations),
		refunc.WithMaxDetachAttempts(o.cfg.Repair.MaxDetachAttempts),
	)
}

// resolveAddr parses s as a number (0x prefix for hex) or looks it up as a
// symbol name.
func resolveAddr(db *refunc.Database, s string) (uint64, error) {
	if addr, err := strconv.ParseUint(s, 0, 64); err == nil {
		return addr, nil
	}
	if addr := db.NameAddr(s); addr != refunc.BadAddr {
		return addr, nil
	}
	return 0, fmt.Errorf("invalid address or unknown symbol: %q", s)
}
