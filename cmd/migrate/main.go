package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tripmate/realtime/internal/config"
	"github.com/tripmate/realtime/internal/logging"
	"github.com/tripmate/realtime/internal/storage/postgres"
)

const usage = `usage: migrate <command>

commands:
  up       apply all pending migrations
  down     roll back the last migration
  version  print the applied schema version`

func main() {
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("load config")
	}
	logging.Init(cfg.Log)
	log := logging.Component("migrate")

	dsn := cfg.Postgres.DSN
	if dsn == "" {
		log.Fatal().Msg("postgres.dsn is not set")
	}

	switch cmd := flag.Arg(0); cmd {
	case "up":
		if err := postgres.MigrateUp(dsn); err != nil {
			log.Fatal().Err(err).Msg("migrate up")
		}
		log.Info().Msg("migrations applied")
	case "down":
		if err := postgres.MigrateDown(dsn); err != nil {
			log.Fatal().Err(err).Msg("migrate down")
		}
		log.Info().Msg("rolled back one migration")
	case "version":
		version, dirty, ok, err := postgres.MigrationVersion(dsn)
		if err != nil {
			log.Fatal().Err(err).Msg("migrate version")
		}
		if !ok {
			fmt.Println("no migrations applied")
			return
		}
		fmt.Printf("version %d (dirty: %t)\n", version, dirty)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		flag.Usage()
		os.Exit(2)
	}
}
