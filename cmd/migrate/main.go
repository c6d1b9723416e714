package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/grubhaul-backend/pkg/config"
	"github.com/angelmondragon/grubhaul-backend/pkg/db"
	"github.com/angelmondragon/grubhaul-backend/pkg/db/models"
	"github.com/angelmondragon/grubhaul-backend/pkg/logger"
	"github.com/angelmondragon/grubhaul-backend/pkg/migrate"
)

// options is the parsed command line.
type options struct {
	cmd     string
	dir     string
	name    string
	version string
	force   bool
	timeout time.Duration
}

// command describes one migrate subcommand.
type command struct {
	needsDB bool
	// destructive commands are refused in production without -force.
	destructive bool
	run         func(ctx context.Context, opts options, sqlDB *sql.DB) error
}

var commands = map[string]command{
	"create": {run: func(_ context.Context, opts options, _ *sql.DB) error {
		path, err := migrate.CreateSQLMigration(opts.dir, opts.name)
		if err != nil {
			return err
		}
		fmt.Println("created migration:", path)
		return nil
	}},
	"validate": {run: func(_ context.Context, opts options, _ *sql.DB) error {
		if err := migrate.ValidateDir(opts.dir); err != nil {
			return err
		}
		fmt.Println("migration validation passed")
		return nil
	}},
	"up":     {needsDB: true, run: gooseCommand("up")},
	"status": {needsDB: true, run: gooseCommand("status")},
	"down":   {needsDB: true, destructive: true, run: gooseCommand("down")},
	"version": {needsDB: true, destructive: true, run: func(ctx context.Context, opts options, sqlDB *sql.DB) error {
		return migrate.MigrateToVersion(ctx, sqlDB, opts.dir, opts.version)
	}},
}

func gooseCommand(name string) func(context.Context, options, *sql.DB) error {
	return func(ctx context.Context, opts options, sqlDB *sql.DB) error {
		return migrate.Run(ctx, sqlDB, opts.dir, name)
	}
}

func main() {
	logg := logger.New(logger.Options{ServiceName: "migrate"})
	_ = godotenv.Load()

	opts := options{}
	flag.StringVar(&opts.cmd, "cmd", "up", "migration command: up|down|status|version|create|validate")
	flag.StringVar(&opts.dir, "dir", migrate.EmbeddedDir, "migrations directory; the default uses the files compiled into the binary")
	flag.StringVar(&opts.name, "name", "", "migration name (for create)")
	flag.StringVar(&opts.version, "version", "", "target version (YYYYMMDDHHMMSS) for -cmd=version")
	flag.BoolVar(&opts.force, "force", false, "allow down/version against a production database")
	flag.DurationVar(&opts.timeout, "timeout", 5*time.Minute, "overall deadline for the command")
	flag.Parse()

	cfg, err := config.Load()
	requireResource(context.Background(), logg, "config", err)

	logg = logger.New(logger.Options{
		ServiceName: "migrate",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

	cmd, err := plan(opts, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":    cfg.App.Env,
		"cmd":    opts.cmd,
		"dir":    opts.dir,
		"sqlite": cfg.FeatureFlags.UseSQLite,
	})

	if !cmd.needsDB {
		if err := cmd.run(ctx, opts, nil); err != nil {
			logg.Error(ctx, "migrate command failed", err)
			os.Exit(1)
		}
		return
	}

	dbClient, err := db.New(ctx, cfg.DB, cfg.FeatureFlags.UseSQLite, logg)
	requireResource(ctx, logg, "database", err)
	defer dbClient.Close()

	if cfg.FeatureFlags.UseSQLite {
		// The SQL files are Postgres only; plan already limited sqlite to up.
		logg.Info(ctx, "running gorm auto-migrate against sqlite")
		if err := dbClient.DB().WithContext(ctx).AutoMigrate(models.All()...); err != nil {
			logg.Error(ctx, "sqlite auto-migrate failed", err)
			os.Exit(1)
		}
		return
	}

	sqlDB, err := dbClient.DB().DB()
	requireResource(ctx, logg, "sql database", err)

	started := time.Now()
	if err := cmd.run(ctx, opts, sqlDB); err != nil {
		logg.Error(ctx, "migrate command failed", err)
		os.Exit(1)
	}
	logg.Info(logg.WithField(ctx, "duration_ms", time.Since(started).Milliseconds()), "migrate command finished")
}

// plan validates opts against the environment before anything connects.
func plan(opts options, cfg *config.Config) (command, error) {
	cmd, ok := commands[opts.cmd]
	if !ok {
		return command{}, fmt.Errorf("unknown -cmd value: %q", opts.cmd)
	}
	switch {
	case opts.cmd == "create" && opts.name == "":
		return command{}, errors.New("missing -name for create")
	case opts.cmd == "create" && opts.dir == migrate.EmbeddedDir:
		return command{}, fmt.Errorf("create needs a filesystem -dir such as %s", migrate.DefaultDir)
	case opts.cmd == "version" && opts.version == "":
		return command{}, errors.New("missing -version for version command")
	case cmd.destructive && cfg.App.IsProd() && !opts.force:
		return command{}, fmt.Errorf("%s against %s requires -force", opts.cmd, cfg.App.Env)
	case cmd.needsDB && cfg.FeatureFlags.UseSQLite && opts.cmd != "up":
		return command{}, fmt.Errorf("%s is not supported on sqlite; only up runs there", opts.cmd)
	case opts.timeout <= 0:
		return command{}, errors.New("-timeout must be positive")
	}
	return cmd, nil
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
