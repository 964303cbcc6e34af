// Package cli implements the mri-api command line.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Brownie44l1/mri-api/internal/config"
	"github.com/Brownie44l1/mri-api/internal/logger"
	"github.com/Brownie44l1/mri-api/internal/model"
)

var (
	cliVersion   = "dev"
	cliBuildDate = "unknown"
	cliGitCommit = "unknown"
)

// BackendFunc picks the inference backend for a loaded configuration.
type BackendFunc func(cfg *config.Config) model.Backend

func onnxBackend(cfg *config.Config) model.Backend {
	return model.ONNXBackend{LibraryPath: cfg.Model.RuntimeLibrary}
}

type RootCommand struct {
	cmd       *cobra.Command
	v         *viper.Viper
	cfg       *config.Config
	logger    *slog.Logger
	opts      *OutputOptions
	formatStr string
	backend   BackendFunc
}

func NewRootCommand() *RootCommand {
	root := &RootCommand{
		v:       viper.New(),
		opts:    NewOutputOptions(),
		backend: onnxBackend,
	}

	cmd := &cobra.Command{
		Use:   "mri-api",
		Short: "Brain tumor MRI classification service",
		Long: `mri-api classifies brain MRI scans into glioma, meningioma,
notumor and pituitary with a fine-tuned EfficientNet-B0.

Run "mri-api serve" for the HTTP API or "mri-api predict" to classify
local files with the same pipeline.`,
		PersistentPreRunE: root.persistentPreRunE,
		SilenceUsage:      true,
	}

	pflags := cmd.PersistentFlags()
	pflags.StringVarP(&root.formatStr, "output", "o", string(OutputText), "Output format (text, json, yaml)")
	pflags.String("config", "", "Config file path (TOML)")
	bindFlags(root.v, pflags, "output", "config")

	root.v.SetEnvPrefix("MRI")
	_ = root.v.BindEnv("config")

	root.cmd = cmd
	root.addSubCommands()
	return root
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet, names ...string) {
	for _, name := range names {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}
}

func (r *RootCommand) persistentPreRunE(cmd *cobra.Command, args []string) error {
	format, err := ParseOutputFormat(r.v.GetString("output"))
	if err != nil {
		return err
	}
	r.opts.Format = format
	r.opts.Writer = cmd.OutOrStdout()

	// version works without a config file
	if cmd.Name() == "version" {
		return nil
	}

	r.cfg, err = config.Load(r.v.GetString("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	r.logger = logger.Init(logger.Config{
		Level:  r.cfg.Logging.Level,
		Format: r.cfg.Logging.Format,
		Output: cmd.ErrOrStderr(),
	})
	return nil
}

func (r *RootCommand) addSubCommands() {
	r.cmd.AddCommand(NewVersionCommand(r))
	r.cmd.AddCommand(NewServeCommand(r))
	r.cmd.AddCommand(NewPredictCommand(r))
	r.cmd.AddCommand(NewCheckModelCommand(r))
}

func (r *RootCommand) Command() *cobra.Command {
	return r.cmd
}

func (r *RootCommand) Config() *config.Config {
	return r.cfg
}

func (r *RootCommand) Logger() *slog.Logger {
	if r.logger == nil {
		return logger.Default()
	}
	return r.logger
}

func (r *RootCommand) OutputOptions() *OutputOptions {
	return r.opts
}

// SetBackend replaces the inference backend, for embedding and tests.
func (r *RootCommand) SetBackend(fn BackendFunc) {
	r.backend = fn
}

func (r *RootCommand) Execute() error {
	return r.cmd.Execute()
}

func (r *RootCommand) ExecuteContext(ctx context.Context) error {
	return r.cmd.ExecuteContext(ctx)
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func SetVersion(version, buildDate, gitCommit string) {
	cliVersion = version
	cliBuildDate = buildDate
	cliGitCommit = gitCommit
}

func GetVersion() string {
	return cliVersion
}
