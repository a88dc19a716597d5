// gavel-verify walks the audit chain and reports the first break, if
// any. Exit code 0 means the chain is intact, 1 means it is broken or
// unreachable.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver

	"github.com/gavel/backend/internal/ledger"
)

func main() {
	_ = godotenv.Load()

	var (
		databaseURL = flag.String("database-url", os.Getenv("DATABASE_URL"), "Postgres connection string")
		maxEvents   = flag.Int("max-events", 0, "bound the scan to the first N events (0 = full chain)")
		asJSON      = flag.Bool("json", false, "emit the verification result as JSON")
		timeout     = flag.Duration("timeout", 5*time.Minute, "overall verification timeout")
	)
	flag.Parse()

	if *databaseURL == "" {
		log.Fatal("DATABASE_URL or -database-url is required")
	}

	db, err := sql.Open("postgres", *databaseURL)
	if err != nil {
		log.Fatalf("postgres open: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store := ledger.NewPGStore(db)
	if err := store.Ping(ctx); err != nil {
		log.Fatalf("postgres ping: %v", err)
	}

	verifier := ledger.NewVerifier(store)
	verifier.MaxEvents = int64(*maxEvents)
	result, err := verifier.Verify(ctx)
	if err != nil {
		log.Fatalf("verify: %v", err)
	}

	if *asJSON {
		json.NewEncoder(os.Stdout).Encode(result)
	} else if result.ChainValid {
		fmt.Printf("chain valid: %d events\n", result.TotalEvents)
	} else {
		fmt.Printf("chain BROKEN at %s: %s\n", result.BreakAt, result.Reason)
	}

	if !result.ChainValid {
		os.Exit(1)
	}
}
