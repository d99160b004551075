package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/BaSui01/knowbase/config"
	"github.com/BaSui01/knowbase/internal/migration"
)

// =============================================================================
// 🗄️ migrate 子命令
// =============================================================================

// runMigrate 分发 migrate 的各个子命令
func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage()
		os.Exit(1)
	}

	sub, subargs := args[0], args[1:]
	switch sub {
	case "up":
		withMigrator("migrate up", subargs, func(ctx context.Context, cli *migration.CLI) error {
			return cli.RunUp(ctx)
		})
	case "down":
		runMigrateDown(subargs)
	case "status":
		withMigrator("migrate status", subargs, func(ctx context.Context, cli *migration.CLI) error {
			return cli.RunStatus(ctx)
		})
	case "version":
		withMigrator("migrate version", subargs, func(ctx context.Context, cli *migration.CLI) error {
			return cli.RunVersion(ctx)
		})
	case "goto":
		runMigrateGoto(subargs)
	case "force":
		runMigrateForce(subargs)
	case "reset":
		withMigrator("migrate reset", subargs, func(ctx context.Context, cli *migration.CLI) error {
			return cli.RunDownAll(ctx)
		})
	case "help", "-h", "--help":
		printMigrateUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", sub)
		printMigrateUsage()
		os.Exit(1)
	}
}

func printMigrateUsage() {
	fmt.Println(`Database Migration Commands

Usage:
  knowbase migrate <subcommand> [options]

Subcommands:
  up        Apply all pending migrations
  down      Rollback the last migration (--all rolls back everything)
  status    Show migration status
  version   Show current migration version
  goto      Migrate to a specific version
  force     Force set migration version (use with caution)
  reset     Rollback all migrations
  help      Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  knowbase migrate up
  knowbase migrate up --config /etc/knowbase/config.yaml
  knowbase migrate down
  knowbase migrate status
  knowbase migrate goto 1
  knowbase migrate force 0
  knowbase migrate reset`)
}

// createMigrator 从命令行参数创建迁移器。
// 调用方可以先往 fs 注册额外 flag，这里统一 Parse。
// 同时给了 --db-type/--db-url 时直连，否则走应用配置。
func createMigrator(fs *flag.FlagSet, args []string) (*migration.DefaultMigrator, error) {
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *dbType != "" && *dbURL != "" {
		return migration.NewMigratorFromURL(*dbType, *dbURL)
	}

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if *dbType != "" {
		cfg.Database.Driver = *dbType
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database)
}

// withMigrator 创建迁移器并执行 run，失败时统一打印并退出
func withMigrator(name string, args []string, run func(ctx context.Context, cli *migration.CLI) error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	migrator, err := createMigrator(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	if err := run(context.Background(), migration.NewCLI(migrator)); err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", name, err)
		os.Exit(1)
	}
}

// runMigrateDown 回滚最近一次迁移，--all 时全部回滚
func runMigrateDown(args []string) {
	fs := flag.NewFlagSet("migrate down", flag.ExitOnError)
	all := fs.Bool("all", false, "Rollback all migrations")

	migrator, err := createMigrator(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	cli := migration.NewCLI(migrator)
	ctx := context.Background()

	if *all {
		err = cli.RunDownAll(ctx)
	} else {
		err = cli.RunDown(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Migration rollback failed: %v\n", err)
		os.Exit(1)
	}
}

// runMigrateGoto 迁移到指定版本，版本号是第一个位置参数
func runMigrateGoto(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: knowbase migrate goto <version>")
		os.Exit(1)
	}
	version, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid version number: %s\n", args[0])
		os.Exit(1)
	}

	withMigrator("migrate goto", args[1:], func(ctx context.Context, cli *migration.CLI) error {
		return cli.RunGoto(ctx, uint(version))
	})
}

// runMigrateForce 强制改写版本号，修复 dirty 状态
func runMigrateForce(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: knowbase migrate force <version>")
		os.Exit(1)
	}
	version, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid version number: %s\n", args[0])
		os.Exit(1)
	}

	withMigrator("migrate force", args[1:], func(ctx context.Context, cli *migration.CLI) error {
		return cli.RunForce(ctx, int(version))
	})
}
