package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cochaviz/ostforge/arch"
	"github.com/cochaviz/ostforge/internal/config"
	"github.com/cochaviz/ostforge/internal/drivers"
	"github.com/cochaviz/ostforge/internal/logging"
)

const defaultLogLevel = "warning"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	out := logging.Shared(os.Stderr)
	logger := logging.NewCLI(out, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar, out)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	envFile    string
}

func (o *rootOptions) load() (config.Config, error) {
	return config.Load(config.LoadOptions{Path: o.configPath, EnvFile: o.envFile})
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar, out *logging.Output) *cobra.Command {
	logLevel := defaultLogLevel
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "ostforge",
		Short:         "Build, sign and publish ostree-native OS images from recipes",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Configuration file (default ./ostforge.yaml or the user config dir)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Environment file to load when present")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := parseLogLevel(logLevel)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		return nil
	}

	root.AddCommand(
		newBuildCommand(logger, opts, out),
		newGenerateCommand(logger),
		newValidateCommand(logger),
		newDetectCommand(logger, opts),
		newCleanCommand(logger, opts),
	)
	return root
}

func newBuildCommand(logger *slog.Logger, opts *rootOptions, out *logging.Output) *cobra.Command {
	var (
		arches         []string
		maxConcurrency int
		backend        string
		registry       string
		signKey        string
		rechunk        bool
		iso            bool
		stopOnFailure  bool
		maxAttempts    int
		stageTimeout   time.Duration
		push           bool
		squash         bool
		dryRun         bool
	)

	cmd := &cobra.Command{
		Use:   "build <recipe>...",
		Args:  cobra.MinimumNArgs(1),
		Short: "Build every recipe for every architecture",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("arch") {
				cfg.Architectures = arches
			}
			if flags.Changed("max-concurrency") {
				cfg.MaxConcurrency = maxConcurrency
			}
			if flags.Changed("backend") {
				cfg.Backend = backend
			}
			if flags.Changed("registry") {
				cfg.Registry = registry
			}
			if flags.Changed("sign-key") {
				cfg.SigningKey = signKey
			}
			if flags.Changed("rechunk") {
				cfg.Rechunk = rechunk
			}
			if flags.Changed("iso") {
				cfg.ISO = iso
			}
			if flags.Changed("max-attempts") {
				cfg.MaxAttempts = maxAttempts
			}
			if flags.Changed("stage-timeout") {
				cfg.StageTimeout = stageTimeout
			}
			if flags.Changed("push") {
				cfg.Push = push
			}
			if flags.Changed("squash") {
				cfg.Squash = squash
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			recipes := make([]string, 0, len(args))
			for _, arg := range args {
				if arg = strings.TrimSpace(arg); arg != "" {
					recipes = append(recipes, arg)
				}
			}

			cmdLogger := logger.With("command", "build")
			cmdLogger.Info("starting batch", "recipes", len(recipes), "architectures", strings.Join(cfg.Architectures, ","))

			result, err := config.Build(cmd.Context(), cfg, config.BuildRequest{
				Recipes:       recipes,
				StopOnFailure: stopOnFailure,
				DryRun:        dryRun,
				Output:        out,
			}, cmdLogger)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderSummary(result))
			if err := result.Err(); err != nil {
				if ctxErr := cmd.Context().Err(); ctxErr != nil {
					return fmt.Errorf("%w: %w", ctxErr, err)
				}
				return err
			}
			return nil
		},
	}

	defaults := config.Default()
	flags := cmd.Flags()
	flags.StringSliceVar(&arches, "arch", nil, fmt.Sprintf("Target architectures (default host: %s)", arch.Native()))
	flags.IntVar(&maxConcurrency, "max-concurrency", defaults.MaxConcurrency, "Jobs running at once (0 uses the number of CPUs)")
	flags.StringVar(&backend, "backend", "", "Build backend (docker, podman, buildah)")
	flags.StringVar(&registry, "registry", "", "Registry namespace images are pushed to")
	flags.StringVar(&signKey, "sign-key", "", "Cosign private key used to sign pushed images")
	flags.BoolVar(&rechunk, "rechunk", defaults.Rechunk, "Rechunk images after pushing (requires root)")
	flags.BoolVar(&iso, "iso", defaults.ISO, "Write an installer seed ISO for every image")
	flags.BoolVar(&stopOnFailure, "stop-on-failure", false, "Cancel the batch after the first failed job")
	flags.IntVar(&maxAttempts, "max-attempts", defaults.MaxAttempts, "Attempts per build and push, the first one included")
	flags.DurationVar(&stageTimeout, "stage-timeout", defaults.StageTimeout, "Timeout of every backend invocation")
	flags.BoolVar(&push, "push", defaults.Push, "Tag and push built images")
	flags.BoolVar(&squash, "squash", defaults.Squash, "Squash image layers")
	flags.BoolVar(&dryRun, "dry-run", false, "Log backend commands instead of running them")

	return cmd
}

func newGenerateCommand(logger *slog.Logger) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "generate <recipe>",
		Args:  cobra.ExactArgs(1),
		Short: "Resolve a recipe and print its Containerfile",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "generate", "recipe", args[0])

			def, err := config.Generate(args[0], cmdLogger)
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err := fmt.Fprint(cmd.OutOrStdout(), def.String())
				return err
			}
			if err := def.WriteFile(output); err != nil {
				return err
			}
			cmdLogger.Info("wrote build definition", "path", output, "digest", def.Digest())
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the Containerfile to this file instead of stdout")

	return cmd
}

func newValidateCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <recipe>",
		Args:  cobra.ExactArgs(1),
		Short: "Check a recipe against the schema and resolve it",
		RunE: func(cmd *cobra.Command, args []string) error {
			violations, err := config.Validate(args[0], logger.With("command", "validate"))
			for _, v := range violations {
				fmt.Fprintln(cmd.OutOrStdout(), v.String())
			}
			if err != nil {
				return err
			}
			if len(violations) > 0 {
				return fmt.Errorf("%s: %d schema violations", args[0], len(violations))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", args[0])
			return nil
		},
	}
}

func newDetectCommand(logger *slog.Logger, opts *rootOptions) *cobra.Command {
	var backend string

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Show the build backends available on this host",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if backend != "" {
				cfg.Backend = backend
			}

			cmdLogger := logger.With("command", "detect")
			caps, err := config.Detect(cmd.Context(), cfg, &drivers.ExecRunner{Logger: cmdLogger}, cmdLogger)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(caps)
		},
	}

	cmd.Flags().StringVar(&backend, "backend", "", "Only probe this backend")

	return cmd
}

func newCleanCommand(logger *slog.Logger, opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove stored artifacts and leftover job directories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return config.Clean(cfg, logger.With("command", "clean"))
		},
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}
