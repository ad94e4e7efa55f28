package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"TapLedger/internal/config"
	"TapLedger/internal/storage/migrate"
	"TapLedger/internal/storage/postgres"
	"TapLedger/internal/taps"
	"TapLedger/pkg/logger"
)

const usage = `usage: ns-migrate [flags] <command>

commands:
  up             apply pending migrations
  status         print applied and pending migrations
  version        print the current schema version
  down           roll back the latest migration, or to -target
  register-tap   upsert the tap given by -tap-id, -name, -org and -tenant
`

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file.")
	target := flag.Int64("target", 0, "Version to roll back to with down.")
	tapID := flag.String("tap-id", "", "Tap id for register-tap.")
	name := flag.String("name", "", "Tap name for register-tap.")
	org := flag.String("org", "", "Organization id for register-tap.")
	tenant := flag.String("tenant", "", "Tenant id for register-tap.")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New("ns-migrate", logger.ParseLevel(cfg.Log.Level))

	seed := config.TapSeed{ID: *tapID, Name: *name, OrganizationID: *org, TenantID: *tenant}
	if err := run(context.Background(), cfg, log, flag.Arg(0), *target, seed); err != nil {
		log.Error("ns-migrate failed", "command", flag.Arg(0), "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger, cmd string, target int64, seed config.TapSeed) error {
	if cfg.Storage.Type != "postgres" {
		return fmt.Errorf("storage type %q has no schema to manage", cfg.Storage.Type)
	}
	runner, err := migrate.New(cfg.Postgres.DSN, log)
	if err != nil {
		return err
	}

	switch cmd {
	case "up":
		return runner.Ensure(ctx)
	case "status":
		return runner.Status(ctx)
	case "version":
		v, err := runner.Version(ctx)
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	case "down":
		return runner.Down(ctx, target)
	case "register-tap":
		repo, err := postgres.Connect(ctx, cfg.Postgres.DSN, 1)
		if err != nil {
			return err
		}
		defer repo.Close()
		if err := taps.Seed(ctx, repo, []config.TapSeed{seed}); err != nil {
			return err
		}
		log.Info("tap registered", "tap_id", seed.ID, "name", seed.Name)
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
