// baton-admin inspects and maintains stored saga state from a terminal.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/tandemlab/baton"
	"github.com/tandemlab/baton/config"
)

var cfg *config.Config

func main() {
	cfg = config.Load()
	flag.StringVar(&cfg.Store, "store", cfg.Store, "store backend (file, postgres, redis)")
	flag.StringVar(&cfg.FileStorePath, "path", cfg.FileStorePath, "file store base directory")
	flag.StringVar(&cfg.PostgresDSN, "db", cfg.PostgresDSN, "PostgreSQL connection URL")
	flag.StringVar(&cfg.TablePrefix, "table-prefix", cfg.TablePrefix, "Postgres table prefix")
	flag.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "Redis address")
	flag.IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "Redis database number")
	flag.StringVar(&cfg.RedisPrefix, "redis-prefix", cfg.RedisPrefix, "Redis key prefix")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "list":
		runList(cmdArgs)
	case "show":
		runShow(cmdArgs)
	case "delete":
		runDelete(cmdArgs)
	case "definitions":
		runDefinitions(cmdArgs)
	case "dot":
		runDot(cmdArgs)
	case "stats":
		runStats(cmdArgs)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`baton-admin - saga state management CLI

Usage:
  baton-admin [flags] <command> [args]

Flags:
  -store string         store backend: file, postgres, redis (or BATON_STORE)
  -path string          file store base directory (or BATON_FILE_STORE_PATH)
  -db string            PostgreSQL connection URL (or BATON_POSTGRES_DSN)
  -table-prefix string  Postgres table prefix (or BATON_TABLE_PREFIX)
  -redis string         Redis address (or BATON_REDIS_ADDR)
  -redis-db int         Redis database number (or BATON_REDIS_DB)
  -redis-prefix string  Redis key prefix (or BATON_REDIS_PREFIX)

Commands:
  list              List executions (filter with -saga and -status)
  show <id>         Show one execution in detail
  delete <id>       Delete a terminated execution record
  definitions       List registered saga definitions
  dot <name>        Print a definition's dependency graph in DOT format
  stats             Count executions by status
  help              Show this help message

Examples:
  baton-admin -store file -path ./data list
  baton-admin -store postgres -db "postgres://localhost/baton" list -status compensated
  baton-admin -store redis -redis localhost:6379 show 6f1f9e2a-...
  baton-admin -store file -path ./data dot order-fulfillment | dot -Tsvg -o saga.svg`)
}

func getStore() (baton.Store, func()) {
	switch cfg.Store {
	case config.StoreFile:
		store, err := baton.NewFileStore(cfg.FileStorePath)
		if err != nil {
			fatal("opening file store: %v", err)
		}
		return store, func() {}

	case config.StorePostgres:
		if cfg.PostgresDSN == "" {
			fatal("-db flag or BATON_POSTGRES_DSN required for the postgres store")
		}
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			fatal("connecting to database: %v", err)
		}
		store, err := baton.NewPostgresStore(db, cfg.TablePrefix)
		if err != nil {
			fatal("configuring postgres store: %v", err)
		}
		return store, func() { db.Close() }

	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return baton.NewRedisStore(client, cfg.RedisPrefix), func() { client.Close() }

	case config.StoreMemory:
		fatal("the memory store holds no shared state; use file, postgres, or redis")
		return nil, nil

	default:
		fatal("unknown store backend %q", cfg.Store)
		return nil, nil
	}
}

func runList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	saga := fs.String("saga", "", "Filter by saga name")
	status := fs.String("status", "", "Filter by status")
	_ = fs.Parse(args)

	store, cleanup := getStore()
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	execs, err := store.ListExecutions(ctx)
	if err != nil {
		fatal("listing executions: %v", err)
	}

	var rows []*baton.Execution
	for _, exec := range execs {
		if *saga != "" && exec.SagaName != *saga {
			continue
		}
		if *status != "" && string(exec.Status) != *status {
			continue
		}
		rows = append(rows, exec)
	}
	if len(rows) == 0 {
		fmt.Println("No executions found.")
		return
	}

	fmt.Printf("%-36s %-24s %-12s %-20s\n", "ID", "SAGA", "STATUS", "UPDATED")
	fmt.Println(strings.Repeat("-", 96))
	for _, exec := range rows {
		fmt.Printf("%-36s %-24s %-12s %-20s\n",
			truncate(exec.ID, 36),
			truncate(exec.SagaName, 24),
			exec.Status,
			exec.UpdatedAt.Format("2006-01-02 15:04:05"),
		)
	}
}

func runShow(args []string) {
	if len(args) == 0 {
		fatal("execution ID required")
	}
	id := args[0]

	store, cleanup := getStore()
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	exec, err := store.LoadExecution(ctx, id)
	if err != nil {
		fatal("fetching execution: %v", err)
	}

	fmt.Printf("Execution:   %s\n", exec.ID)
	fmt.Printf("Saga:        %s\n", exec.SagaName)
	fmt.Printf("Status:      %s\n", exec.Status)
	if exec.CorrelationID != "" {
		fmt.Printf("Correlation: %s\n", exec.CorrelationID)
	}
	fmt.Printf("Created:     %s\n", exec.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:     %s\n", exec.UpdatedAt.Format(time.RFC3339))
	if exec.FailedStep != "" {
		fmt.Printf("Failed step: %s\n", exec.FailedStep)
	}
	if exec.Error != "" {
		fmt.Printf("Error:       %s\n", truncate(exec.Error, 200))
	}

	if len(exec.Steps) > 0 {
		fmt.Printf("\nSteps (%d):\n", len(exec.Steps))
		for i, st := range exec.Steps {
			fmt.Printf("  %d. %s [%s] attempts=%d\n", i+1, st.Name, st.Status, st.Attempts)
			if st.Error != "" {
				fmt.Printf("     Error: %s\n", truncate(st.Error, 70))
			}
			if st.CompensationAttempts > 0 {
				fmt.Printf("     Compensation attempts: %d\n", st.CompensationAttempts)
			}
			if st.CompensationError != "" {
				fmt.Printf("     Compensation error: %s\n", truncate(st.CompensationError, 70))
			}
		}
	}

	if exec.Context != nil && exec.Context.Len() > 0 {
		fmt.Printf("\nContext:\n")
		pretty, _ := json.MarshalIndent(exec.Context, "  ", "  ")
		fmt.Printf("  %s\n", string(pretty))
	}
}

func runDelete(args []string) {
	if len(args) == 0 {
		fatal("execution ID required")
	}
	id := args[0]

	store, cleanup := getStore()
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	exec, err := store.LoadExecution(ctx, id)
	if err != nil {
		fatal("fetching execution: %v", err)
	}
	if !exec.Status.Terminal() {
		fatal("execution %s is %s; only terminated executions can be deleted", id, exec.Status)
	}
	if err := store.DeleteExecution(ctx, id); err != nil {
		fatal("deleting execution: %v", err)
	}
	fmt.Printf("Execution %s deleted.\n", id)
}

func runDefinitions(args []string) {
	store, cleanup := getStore()
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	defs, err := store.ListDefinitions(ctx)
	if err != nil {
		fatal("listing definitions: %v", err)
	}
	if len(defs) == 0 {
		fmt.Println("No definitions found.")
		return
	}

	fmt.Printf("%-28s %-10s %-6s %-10s %s\n", "NAME", "VERSION", "STEPS", "PARALLEL", "COMPENSATION")
	fmt.Println(strings.Repeat("-", 72))
	for _, def := range defs {
		fmt.Printf("%-28s %-10s %-6d %-10t %s\n",
			truncate(def.Name, 28),
			truncate(def.Version, 10),
			len(def.Steps),
			def.ParallelExecution,
			def.CompensationMode,
		)
	}
}

func runDot(args []string) {
	if len(args) == 0 {
		fatal("definition name required")
	}
	name := args[0]

	store, cleanup := getStore()
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	def, err := store.LoadDefinition(ctx, name)
	if err != nil {
		fatal("fetching definition: %v", err)
	}
	dot, err := def.DOT()
	if err != nil {
		fatal("rendering graph: %v", err)
	}
	fmt.Println(dot)
}

func runStats(args []string) {
	store, cleanup := getStore()
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	execs, err := store.ListExecutions(ctx)
	if err != nil {
		fatal("listing executions: %v", err)
	}

	counts := make(map[baton.Status]int)
	for _, exec := range execs {
		counts[exec.Status]++
	}

	statuses := []baton.Status{
		baton.StatusPending,
		baton.StatusRunning,
		baton.StatusCompleted,
		baton.StatusFailed,
		baton.StatusCompensating,
		baton.StatusCompensated,
		baton.StatusTimeout,
	}

	fmt.Println("Execution statistics:")
	fmt.Println(strings.Repeat("-", 30))
	for _, status := range statuses {
		fmt.Printf("%-15s %d\n", string(status)+":", counts[status])
	}
	fmt.Println(strings.Repeat("-", 30))
	fmt.Printf("%-15s %d\n", "total:", len(execs))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
