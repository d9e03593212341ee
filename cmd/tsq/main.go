package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/meridian-au/commandbus/internal/db"
	"github.com/meridian-au/commandbus/internal/tsq"
)

/**
 * Troubleshooting Queue Operator Tool
 *
 * Lists and resolves commands parked in the troubleshooting queue.
 *
 * Usage:
 *   go run cmd/tsq/main.go list -domain payments
 *   go run cmd/tsq/main.go retry -domain payments -id <command-id>
 *   go run cmd/tsq/main.go cancel -domain payments -id <command-id> -reason "duplicate order"
 *   go run cmd/tsq/main.go complete -domain payments -id <command-id> -result '{"handled":"manually"}'
 *
 * Connects using DATABASE_URL or the POSTGRES_* variables from .env.
 */

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	godotenv.Load(".env.local", ".env")

	if len(os.Args) < 2 {
		usage()
	}
	action := os.Args[1]

	fs := flag.NewFlagSet(action, flag.ExitOnError)
	domain := fs.String("domain", "", "command domain")
	commandID := fs.String("id", "", "command id")
	operator := fs.String("operator", currentOperator(), "operator name recorded in the audit trail")
	reason := fs.String("reason", "", "cancellation reason")
	result := fs.String("result", "", "JSON result payload for complete")
	limit := fs.Int("limit", 50, "max rows to list")
	fs.Parse(os.Args[2:])

	database, err := db.InitFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL database")
	}
	defer database.Close()

	ctx := context.Background()
	service := tsq.New(database)

	switch action {
	case "list":
		runList(ctx, service, *domain, *limit)
	case "retry":
		requireCommand(*domain, *commandID)
		if err := service.OperatorRetry(ctx, *domain, *commandID, *operator); err != nil {
			log.Fatal().Err(err).Msg("Retry failed")
		}
		fmt.Printf("Command %s re-enqueued\n", *commandID)
	case "cancel":
		requireCommand(*domain, *commandID)
		if err := service.OperatorCancel(ctx, *domain, *commandID, *operator, *reason); err != nil {
			log.Fatal().Err(err).Msg("Cancel failed")
		}
		fmt.Printf("Command %s canceled\n", *commandID)
	case "complete":
		requireCommand(*domain, *commandID)
		var resultData any
		if *result != "" {
			if err := json.Unmarshal([]byte(*result), &resultData); err != nil {
				log.Fatal().Err(err).Msg("Result payload is not valid JSON")
			}
		}
		if err := service.OperatorComplete(ctx, *domain, *commandID, *operator, resultData); err != nil {
			log.Fatal().Err(err).Msg("Complete failed")
		}
		fmt.Printf("Command %s completed\n", *commandID)
	default:
		usage()
	}
}

func runList(ctx context.Context, service *tsq.TSQ, domain string, limit int) {
	if domain == "" {
		domains, err := service.ListDomains(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to list domains")
		}
		if len(domains) == 0 {
			fmt.Println("Troubleshooting queue is empty")
			return
		}
		for _, d := range domains {
			count, err := service.Count(ctx, d, "")
			if err != nil {
				log.Fatal().Err(err).Str("domain", d).Msg("Failed to count commands")
			}
			fmt.Printf("%-30s %d\n", d, count)
		}
		return
	}

	entries, err := service.List(ctx, domain, "", limit, 0)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to list commands")
	}
	for _, e := range entries {
		fmt.Printf("%s  %-25s attempts=%d/%d  %s: %s\n",
			e.CommandID, e.CommandType, e.Attempts, e.MaxAttempts,
			e.LastErrorCode, e.LastErrorMsg)
	}
	fmt.Printf("%d commands in troubleshooting queue for %s\n", len(entries), domain)
}

func requireCommand(domain, commandID string) {
	if domain == "" || commandID == "" {
		log.Fatal().Msg("-domain and -id are required")
	}
}

func currentOperator() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "operator"
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: tsq <list|retry|cancel|complete> [flags]")
	os.Exit(2)
}
