package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/storyledger/internal/config"
	"github.com/MarkoPoloResearchLab/storyledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/storyledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/storyledger/internal/store/pgstore"
)

const (
	flagEnvFile          = "env-file"
	flagAdminID          = "admin-id"
	flagTokenTTL         = "ttl"
	flagDownSteps        = "down"
	defaultEnvFile       = ".env"
	defaultAdminTokenTTL = 12 * time.Hour
)

func main() {
	cmd := newRootCommand(os.Stdout)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "storyledgerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "storyledgerd",
		Short:         "Story credit ledger and payment webhook service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.RegisterFlags(cmd.PersistentFlags())
	cmd.PersistentFlags().String(flagEnvFile, defaultEnvFile, "optional .env file loaded before the environment")
	cmd.SetOut(out)

	cmd.AddCommand(newServeCommand(), newMigrateCommand(), newSweepCommand(), newAdminTokenCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP webhook/admin API and the worker gRPC service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadRuntime(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger)
		},
	}
}

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadRuntime(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			downSteps, _ := cmd.Flags().GetInt(flagDownSteps)
			if downSteps > 0 {
				return runMigrateDown(cfg, downSteps, logger)
			}
			return runMigrate(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().Int(flagDownSteps, 0, "roll back this many PostgreSQL migrations instead of applying them")
	return cmd
}

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire grants, retry pending webhook events and prune old ones once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadRuntime(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return runSweep(cmd.Context(), cfg, logger)
		},
	}
}

func newAdminTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin-token",
		Short: "Print a signed operator bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags(), envFile(cmd))
			if err != nil {
				return err
			}
			adminID, _ := cmd.Flags().GetString(flagAdminID)
			ttl, _ := cmd.Flags().GetDuration(flagTokenTTL)
			token, err := httpapi.IssueAdminToken(cfg.AdminJWTSecret, cfg.AdminJWTIssuer, adminID, ttl, time.Now().UTC())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().String(flagAdminID, "", "operator id recorded on admin ledger operations")
	cmd.Flags().Duration(flagTokenTTL, defaultAdminTokenTTL, "token lifetime")
	_ = cmd.MarkFlagRequired(flagAdminID)
	return cmd
}

func loadRuntime(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cmd.Flags(), envFile(cmd))
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := newLogger(cfg.LogDevelopment)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("logger init: %w", err)
	}
	return cfg, logger, nil
}

func envFile(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString(flagEnvFile)
	return path
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func runMigrate(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	app, err := openApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()
	fields := []zap.Field{zap.String("driver", app.database.Driver), zap.String("engine", app.engine)}
	if app.database.Driver == gormstore.DriverPostgres {
		version, dirty, err := pgstore.MigrationVersion(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		fields = append(fields, zap.Uint("version", version), zap.Bool("dirty", dirty))
	}
	logger.Info("schema up to date", fields...)
	return nil
}

func runMigrateDown(cfg config.Config, steps int, logger *zap.Logger) error {
	driver, _, err := gormstore.ResolveDriver(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if driver != gormstore.DriverPostgres {
		return fmt.Errorf("migrate --%s: only PostgreSQL schemas are versioned", flagDownSteps)
	}
	if err := pgstore.MigrateDown(cfg.DatabaseURL, steps); err != nil {
		return err
	}
	version, dirty, err := pgstore.MigrationVersion(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	logger.Info("schema rolled back", zap.Int("steps", steps), zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}

func runSweep(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	app, err := openApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()
	_, err = app.maintenance.Run(ctx)
	return err
}
