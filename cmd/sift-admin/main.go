package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "migrate":
		handleMigrate()
	case "list-accounts":
		handleListAccounts()
	case "list-filters":
		handleListFilters()
	case "list-forwarding":
		handleListForwarding()
	case "export-filters":
		handleExportFilters()
	case "import-filters":
		handleImportFilters()
	case "delete-rules":
		handleDeleteRules()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`SIFT Admin Tool

Usage:
  sift-admin <command> [options]

Commands:
  migrate          Manage database schema (up, down, version, force)
  list-accounts    List accounts with stored rule documents
  list-filters     List an account's filters
  list-forwarding  List an account's forwarding rules
  export-filters   Write an account's rule document to a file
  import-filters   Load a rule document from a file
  delete-rules     Delete an account's stored rule document
  help             Show this help message

Examples:
  sift-admin migrate up
  sift-admin list-filters --account 42
  sift-admin export-filters --account 42 --output filters.json
  sift-admin import-filters --account 42 --input filters.json
  sift-admin list-forwarding --account 42

Use 'sift-admin <command> --help' for more information about a command.
`)
}
