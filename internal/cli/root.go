package cli

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/docmap/internal/compiler"
	"github.com/roach88/docmap/internal/config"
	"github.com/roach88/docmap/internal/persist"
	"github.com/roach88/docmap/internal/replication"
)

// RootOptions holds global flags for all commands, and the configuration
// they were merged into.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	StorePath  string
	ModelPath  string

	Config config.Config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the docmap CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "docmap",
		Short: "docmap - object graphs over a replicated document store",
		Long: `Persist model records as documents in a local store, query them,
and replicate the store with peers, resolving the conflicts replication
surfaces.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setup(cmd)
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default ./"+config.DefaultFile+")")
	cmd.PersistentFlags().StringVar(&opts.StorePath, "store", "", "database file (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.ModelPath, "model", "", "CUE model file or directory (overrides config)")

	cmd.AddCommand(NewModelCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewPutCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewDeleteCommand(opts))
	cmd.AddCommand(NewFetchCommand(opts))
	cmd.AddCommand(NewConflictsCommand(opts))
	cmd.AddCommand(NewResolveCommand(opts))
	cmd.AddCommand(NewPullCommand(opts))
	cmd.AddCommand(NewPushCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// setup loads the config file, applies flag overrides and installs the
// default logger.
func (o *RootOptions) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, ErrCodeConfig, err)
	}
	if cmd.Flags().Changed("format") {
		cfg.Format = o.Format
	}
	if o.StorePath != "" {
		cfg.Store = o.StorePath
	}
	if o.ModelPath != "" {
		cfg.Model = o.ModelPath
	}
	if !slices.Contains(ValidFormats, cfg.Format) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", cfg.Format, ValidFormats))
	}
	o.Format = cfg.Format
	o.Config = cfg

	level := cfg.Level()
	if o.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
	return nil
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   o.Verbose,
	}
}

// openStore loads the configured model and opens the configured store.
// Failures are reported through f.
func (o *RootOptions) openStore(ctx context.Context, f *OutputFormatter) (*persist.Store, error) {
	m, err := compiler.LoadModel(o.Config.Model)
	if err != nil {
		_ = f.Error(ErrCodeModel, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "load model", err)
	}
	f.VerboseLog("Loaded model %s (%d entities)", o.Config.Model, len(m.Names()))

	st, err := persist.Open(ctx, o.Config.Store, m,
		persist.WithReplicationOptions(replication.WithBatchSize(o.Config.Replication.BatchSize)),
	)
	if err != nil {
		return nil, f.Fail("open store", err)
	}
	f.VerboseLog("Opened store %s", st.Path())
	return st, nil
}
