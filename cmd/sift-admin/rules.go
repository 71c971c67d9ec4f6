package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/migadu/sift/consts"
	"github.com/migadu/sift/db"
	"github.com/migadu/sift/ruleset"
)

func openDatabase(configPath string) (*db.Database, context.Context, context.CancelFunc) {
	cfg := loadAdminConfig(configPath)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	database, err := db.NewDatabase(ctx, &cfg.Database)
	if err != nil {
		cancel()
		log.Fatalf("Database connection failed: %v", err)
	}
	return database, ctx, cancel
}

func handleListAccounts() {
	fs := flag.NewFlagSet("list-accounts", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	kind := fs.String("kind", ruleset.KindFilters, "Document kind (filters or forwarding)")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	database, ctx, cancel := openDatabase(*configPath)
	defer cancel()
	defer database.Close()

	docs, err := database.ListRuleDocuments(ctx, *kind)
	if err != nil {
		log.Fatalf("Listing documents failed: %v", err)
	}
	if len(docs) == 0 {
		fmt.Printf("No %s documents stored.\n", *kind)
		return
	}

	fmt.Printf("%-12s %-10s %-8s %s\n", "ACCOUNT", "KIND", "VERSION", "UPDATED")
	for _, doc := range docs {
		fmt.Printf("%-12d %-10s %-8d %s\n",
			doc.AccountID, doc.Kind, doc.Version, doc.UpdatedAt.Format(time.RFC3339))
	}
}

func handleListFilters() {
	fs := flag.NewFlagSet("list-filters", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	account := fs.String("account", "", "Account ID (required)")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}
	accountID := parseAccountFlag(fs, *account)

	database, ctx, cancel := openDatabase(*configPath)
	defer cancel()
	defer database.Close()

	data, err := database.LoadDocument(ctx, accountID, ruleset.KindFilters)
	if err != nil {
		if errors.Is(err, consts.ErrDBNotFound) {
			fmt.Printf("Account %d has no filters.\n", accountID)
			return
		}
		log.Fatalf("Loading document failed: %v", err)
	}
	doc, err := ruleset.DecodeDocument(data)
	if err != nil {
		log.Fatalf("Decoding document failed: %v", err)
	}

	fmt.Printf("Account %d: %d filters (%d enabled), applied %d, failures %d\n",
		accountID, doc.Stats.TotalRules, doc.Stats.EnabledRules,
		doc.Stats.AppliedCount, doc.Stats.FailureCount)
	for _, f := range doc.Filters {
		state := "disabled"
		if f.Enabled {
			state = "enabled"
		}
		fmt.Printf("  [%d] %-30s %-8s conditions=%d actions=%d\n",
			f.Priority, f.Name, state, len(f.Conditions), len(f.Actions))
	}
}

func handleListForwarding() {
	fs := flag.NewFlagSet("list-forwarding", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	account := fs.String("account", "", "Account ID (required)")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}
	accountID := parseAccountFlag(fs, *account)

	database, ctx, cancel := openDatabase(*configPath)
	defer cancel()
	defer database.Close()

	data, err := database.LoadDocument(ctx, accountID, ruleset.KindForwarding)
	if err != nil {
		if errors.Is(err, consts.ErrDBNotFound) {
			fmt.Printf("Account %d has no forwarding rules.\n", accountID)
			return
		}
		log.Fatalf("Loading document failed: %v", err)
	}
	doc, err := ruleset.DecodeForwardingDocument(data)
	if err != nil {
		log.Fatalf("Decoding document failed: %v", err)
	}

	fmt.Printf("Account %d: %d forwarding rules\n", accountID, len(doc.Rules))
	for _, r := range doc.Rules {
		state := "disabled"
		if r.Enabled {
			state = "enabled"
		}
		fmt.Printf("  [%d] %-30s %-8s conditions=%d actions=%d\n",
			r.Priority, r.Name, state, len(r.Conditions), len(r.Actions))
	}
}

func handleExportFilters() {
	fs := flag.NewFlagSet("export-filters", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	account := fs.String("account", "", "Account ID (required)")
	kind := fs.String("kind", ruleset.KindFilters, "Document kind (filters or forwarding)")
	output := fs.String("output", "", "Output file (default: stdout)")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}
	accountID := parseAccountFlag(fs, *account)

	database, ctx, cancel := openDatabase(*configPath)
	defer cancel()
	defer database.Close()

	data, err := database.LoadDocument(ctx, accountID, *kind)
	if err != nil {
		log.Fatalf("Loading document failed: %v", err)
	}

	// Pretty-print for hand editing.
	var pretty json.RawMessage = data
	formatted, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		formatted = data
	}

	if *output == "" {
		fmt.Println(string(formatted))
		return
	}
	if err := os.WriteFile(*output, formatted, 0o644); err != nil {
		log.Fatalf("Writing %s failed: %v", *output, err)
	}
	fmt.Printf("Exported %s document for account %d to %s\n", *kind, accountID, *output)
}

func handleImportFilters() {
	fs := flag.NewFlagSet("import-filters", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	account := fs.String("account", "", "Account ID (required)")
	kind := fs.String("kind", ruleset.KindFilters, "Document kind (filters or forwarding)")
	input := fs.String("input", "", "Input file (required)")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}
	accountID := parseAccountFlag(fs, *account)
	if *input == "" {
		fmt.Println("Error: --input is required")
		fs.Usage()
		os.Exit(1)
	}

	data, err := os.ReadFile(*input)
	if err != nil {
		log.Fatalf("Reading %s failed: %v", *input, err)
	}

	// Validate before touching the database.
	switch *kind {
	case ruleset.KindFilters:
		if _, err := ruleset.DecodeDocument(data); err != nil {
			log.Fatalf("Invalid filter document: %v", err)
		}
	case ruleset.KindForwarding:
		if _, err := ruleset.DecodeForwardingDocument(data); err != nil {
			log.Fatalf("Invalid forwarding document: %v", err)
		}
	default:
		log.Fatalf("Unknown document kind %q", *kind)
	}

	database, ctx, cancel := openDatabase(*configPath)
	defer cancel()
	defer database.Close()

	if err := database.SaveDocument(ctx, accountID, *kind, data); err != nil {
		log.Fatalf("Saving document failed: %v", err)
	}
	fmt.Printf("Imported %s document for account %d from %s\n", *kind, accountID, *input)
}

func handleDeleteRules() {
	fs := flag.NewFlagSet("delete-rules", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	account := fs.String("account", "", "Account ID (required)")
	kind := fs.String("kind", ruleset.KindFilters, "Document kind (filters or forwarding)")
	confirm := fs.Bool("yes", false, "Skip the confirmation prompt")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}
	accountID := parseAccountFlag(fs, *account)

	if !*confirm {
		fmt.Printf("Delete the %s document for account %d? [y/N]: ", *kind, accountID)
		var answer string
		fmt.Scanln(&answer)
		if answer != "y" && answer != "Y" && answer != "yes" {
			fmt.Println("Aborted.")
			return
		}
	}

	database, ctx, cancel := openDatabase(*configPath)
	defer cancel()
	defer database.Close()

	if err := database.DeleteRuleDocument(ctx, accountID, *kind); err != nil {
		log.Fatalf("Deleting document failed: %v", err)
	}
	fmt.Printf("Deleted %s document for account %d.\n", *kind, accountID)
}
