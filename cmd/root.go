package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/Layr-Labs/deferred-check/internal/config"
	"github.com/Layr-Labs/deferred-check/internal/logger"
	"github.com/Layr-Labs/deferred-check/internal/metrics"
	"github.com/Layr-Labs/deferred-check/internal/metrics/metricsTypes"
	"github.com/Layr-Labs/deferred-check/internal/shutdown"
	"github.com/Layr-Labs/deferred-check/pkg/dropChecker"
	"github.com/Layr-Labs/deferred-check/pkg/gitHistory"
	"github.com/Layr-Labs/deferred-check/pkg/report"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// errViolationsFound fails the command without printing an error; the
// violations themselves are the output.
var errViolationsFound = errors.New("violations found")

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "deferred-check [files...]",
		Short: "Block migrations that drop columns which were never marked deferred",
		Long: `Checks that every column dropped by the given Alembic migrations was marked as
deferred in the SQLAlchemy models by an earlier migration or commit.

Meant to run as a pre-commit hook, which passes the staged files as arguments.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(cmd)
		},
		RunE: runCheck,
	}

	rootCmd.PersistentFlags().Bool("debug", false, `"true" or "false"`)
	rootCmd.PersistentFlags().String("db-migrations-path", "", `Directory holding the alembic migrations, e.g. "migrations/versions"`)
	rootCmd.Flags().String("models-path", "", `Directory holding the SQLAlchemy models`)

	rootCmd.AddCommand(newChainCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// Main runs the command line and returns the process exit code.
func Main() int {
	ctx, cancel := shutdown.CreateGracefulShutdownContext(context.Background())
	defer cancel()

	err := NewRootCmd().ExecuteContext(ctx)
	if err == nil {
		return report.ExitCode_Ok
	}
	if !errors.Is(err, errViolationsFound) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return report.ExitCode_Failed
}

func Execute() {
	os.Exit(Main())
}

func initConfig(cmd *cobra.Command) error {
	viper.SetEnvPrefix(config.ENV_PREFIX)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
	config.SetDefaults(viper.GetViper())

	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if err := viper.BindPFlag(config.KebabToSnakeCase(f.Name), f); err != nil && bindErr == nil {
			bindErr = errors.Wrapf(err, "failed to bind flag '%s'", f.Name)
		}
	})
	if bindErr != nil {
		return bindErr
	}

	cwd, err := os.Getwd()
	if err != nil {
		return errors.Wrap(err, "failed to get working directory")
	}
	return config.ReadConfigFile(viper.GetViper(), cwd)
}

// setup builds the config and logger shared by every command.
func setup() (*config.Config, *zap.Logger, string, error) {
	cfg, err := config.NewConfig()
	if err != nil {
		return nil, nil, "", err
	}

	runId := uuid.New().String()
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: cfg.Debug})
	if err != nil {
		return nil, nil, "", errors.Wrap(err, "failed to initialize logger")
	}
	return cfg, l.With(zap.String("run_id", runId)), runId, nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, l, runId, err := setup()
	if err != nil {
		return err
	}
	defer l.Sync() //nolint:errcheck

	if err := cfg.ValidatePaths(); err != nil {
		return err
	}

	clients, err := metrics.InitMetricsSinksFromConfig(cfg, l)
	if err != nil {
		return errors.Wrap(err, "failed to setup metrics")
	}
	sink, err := metrics.NewMetricsSink(&metrics.MetricsSinkConfig{
		DefaultLabels: []metricsTypes.MetricsLabel{{Name: "run_id", Value: runId}},
	}, clients)
	if err != nil {
		return errors.Wrap(err, "failed to setup metrics sink")
	}
	defer func() {
		if err := sink.Close(); err != nil {
			l.Sugar().Warnw("Failed to flush metrics", zap.Error(err))
		}
	}()

	var history dropChecker.SourceHistory
	if cfg.GitHistory {
		gh, err := gitHistory.NewGitHistory(ctx, cfg.DbMigrationsPath, l)
		if err != nil {
			l.Sugar().Warnw("Git history unavailable, relying on migrations only", zap.Error(err))
		} else {
			history = gh
		}
	}

	checker := dropChecker.NewDropChecker(&dropChecker.DropCheckerConfig{
		ModelsPath:     cfg.ModelsPath,
		MigrationsPath: cfg.DbMigrationsPath,
		BaseRef:        cfg.BaseRef,
	}, history, l, sink)

	l.Sugar().Debugw("Checking changed files",
		zap.Strings("files", args),
		zap.String("models_path", cfg.ModelsPath),
		zap.String("migrations_path", cfg.DbMigrationsPath),
	)
	violations, err := checker.Check(ctx, args)
	if err != nil {
		return err
	}

	if err := report.Write(cmd.OutOrStdout(), cfg.OutputFormat, violations); err != nil {
		return err
	}
	if report.ExitCode(violations, nil) != report.ExitCode_Ok {
		return errViolationsFound
	}
	return nil
}
