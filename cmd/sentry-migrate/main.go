// Command sentry-migrate drives the Snapshot Store's sqlite schema
// directly, for operators who need to inspect or roll back migrations
// outside of sentryd's own automatic up-to-head run at startup.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/golang-migrate/migrate/v4"

	"github.com/ncrsentry/sentry/internal/snapshotstore"
)

func main() {
	dbPath := flag.String("db-path", "sentry.db", "Path to the snapshot store database")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		printHelp()
		os.Exit(1)
	}

	m, err := snapshotstore.OpenMigrator(*dbPath)
	if err != nil {
		log.Fatalf("sentry-migrate: %v", err)
	}

	switch args[0] {
	case "up":
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("sentry-migrate: up: %v", err)
		}
		printVersion(m)

	case "down":
		if err := m.Steps(-1); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("sentry-migrate: down: %v", err)
		}
		printVersion(m)

	case "status":
		printVersion(m)

	case "force":
		if len(args) < 2 {
			log.Fatal("usage: sentry-migrate force <version>")
		}
		var version int
		if _, err := fmt.Sscanf(args[1], "%d", &version); err != nil {
			log.Fatalf("sentry-migrate: invalid version %q", args[1])
		}
		if err := m.Force(version); err != nil {
			log.Fatalf("sentry-migrate: force: %v", err)
		}
		printVersion(m)

	default:
		fmt.Printf("Unknown command: %s\n\n", args[0])
		printHelp()
		os.Exit(1)
	}
}

func printVersion(m *migrate.Migrate) {
	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		log.Fatalf("sentry-migrate: version: %v", err)
	}
	fmt.Printf("version: %d, dirty: %v\n", version, dirty)
}

func printHelp() {
	fmt.Println("sentry-migrate: drive the snapshot store's sqlite schema")
	fmt.Println()
	fmt.Println("Usage: sentry-migrate [-db-path path] <command> [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  up             Apply all pending migrations")
	fmt.Println("  down           Roll back one migration")
	fmt.Println("  status         Show current schema version")
	fmt.Println("  force <N>      Force the schema version to N without running migrations")
}
