/*
ledgerd - bonus ledger server and maintenance CLI

COMMANDS:
  serve       Run the HTTP API (and the drift auditor when enabled)
  recompute   Re-derive totals for one customer or the whole tenant
  verify      Compare cached totals with the log, read-only
  show        Print a customer's ledger record and history

CONFIGURATION:
  --config points at a yaml or toml file; BONUS_* environment variables
  and a local .env override it. See config/config.go for every key.

EXAMPLES:
  # Run the server against a local sqlite file
  BONUS_LEDGER_SALE_POLICY=debit ledgerd serve

  # Repair one tenant after a manual database edit
  ledgerd recompute --config bonus.yaml --tenant acme

  # Inspect a customer by card number
  ledgerd show --card 4711

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM the server stops accepting connections, waits up to
  30s for active requests, stops the auditor and closes every tenant store.
*/
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
