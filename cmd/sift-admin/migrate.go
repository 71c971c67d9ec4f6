package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/migadu/sift/config"
	"github.com/migadu/sift/db"
)

func handleMigrate() {
	if len(os.Args) < 3 {
		printMigrateUsage()
		os.Exit(1)
	}
	sub := os.Args[2]

	fs := flag.NewFlagSet("migrate "+sub, flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	version := fs.Int("version", -1, "Target version for 'force'")
	if err := fs.Parse(os.Args[3:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	cfg := loadAdminConfig(*configPath)
	url, err := db.BuildConnString(&cfg.Database)
	if err != nil {
		log.Fatalf("Invalid database configuration: %v", err)
	}

	switch sub {
	case "up":
		if err := db.MigrateUp(url); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		fmt.Println("Migrations applied.")
	case "down":
		if err := db.MigrateDown(url); err != nil {
			log.Fatalf("Rollback failed: %v", err)
		}
		fmt.Println("Rolled back one migration.")
	case "version":
		v, dirty, err := db.MigrateVersion(url)
		if err != nil {
			log.Fatalf("Reading version failed: %v", err)
		}
		if v == 0 {
			fmt.Println("No migrations applied.")
			return
		}
		fmt.Printf("Schema version: %d (dirty: %v)\n", v, dirty)
	case "force":
		if *version < 0 {
			fmt.Println("Error: --version is required for 'force'")
			os.Exit(1)
		}
		if err := db.MigrateForce(url, *version); err != nil {
			log.Fatalf("Force failed: %v", err)
		}
		fmt.Printf("Schema version forced to %d.\n", *version)
	default:
		fmt.Printf("Unknown migrate subcommand: %s\n\n", sub)
		printMigrateUsage()
		os.Exit(1)
	}
}

func printMigrateUsage() {
	fmt.Printf(`Manage the database schema

Usage:
  sift-admin migrate <up|down|version|force> [options]

Options:
  --config string   Path to TOML configuration file (default: config.toml)
  --version int     Target version (force only)

Examples:
  sift-admin migrate up
  sift-admin migrate version
  sift-admin migrate force --version 1
`)
}

// loadAdminConfig loads the shared config file; a missing default file
// just means stock settings.
func loadAdminConfig(path string) config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) && path == "config.toml" {
			return config.NewDefaultConfig()
		}
		log.Fatalf("Error loading configuration %q: %v", path, err)
	}
	return cfg
}

func parseAccountFlag(fs *flag.FlagSet, raw string) int64 {
	if raw == "" {
		fmt.Println("Error: --account is required")
		fs.Usage()
		os.Exit(1)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		log.Fatalf("Invalid account ID %q", raw)
	}
	return id
}
