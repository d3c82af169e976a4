package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/vladislavdragonenkov/fleetalloc/internal/storage/postgres"
)

const (
	defaultTimeout = 30 * time.Second
	envPostgresDSN = "FLEET_POSTGRES_DSN"
)

type command struct {
	direction string
	steps     int
	dsn       string
	timeout   time.Duration
}

// schemaMigrator — операции postgres.Store, которые нужны утилите.
type schemaMigrator interface {
	MigrateUp(ctx context.Context, steps int) error
	MigrateDown(ctx context.Context, steps int) error
	MigrationStatus(ctx context.Context) (postgres.MigrationStatus, error)
}

func main() {
	_ = godotenv.Load()

	cmd, err := parseCommand(flag.CommandLine, os.Args[1:], os.Getenv)
	if err != nil {
		fail("%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cmd.timeout)
	defer cancel()

	store, err := postgres.Open(ctx, cmd.dsn)
	if err != nil {
		fail("open postgres store: %v", err)
	}
	defer store.Close()

	if err := execute(ctx, store, cmd, os.Stdout); err != nil {
		fail("%v", err)
	}
}

func parseCommand(fs *flag.FlagSet, args []string, getenv func(string) string) (command, error) {
	cmd := command{timeout: defaultTimeout}
	fs.StringVar(&cmd.direction, "direction", "up", "up | down | status")
	fs.IntVar(&cmd.steps, "steps", 0, "migrations to apply (0 = all) or roll back (at least 1)")
	fs.StringVar(&cmd.dsn, "dsn", "", "PostgreSQL DSN (default: "+envPostgresDSN+")")
	fs.DurationVar(&cmd.timeout, "timeout", defaultTimeout, "overall deadline")
	if err := fs.Parse(args); err != nil {
		return command{}, err
	}

	cmd.direction = strings.ToLower(strings.TrimSpace(cmd.direction))
	switch cmd.direction {
	case "up", "down", "status":
	default:
		return command{}, fmt.Errorf("unsupported direction: %s (use up|down|status)", cmd.direction)
	}
	if cmd.steps < 0 {
		return command{}, errors.New("steps must be >= 0")
	}
	if cmd.timeout <= 0 {
		return command{}, errors.New("timeout must be > 0")
	}

	cmd.dsn = strings.TrimSpace(cmd.dsn)
	if cmd.dsn == "" {
		cmd.dsn = strings.TrimSpace(getenv(envPostgresDSN))
	}
	if cmd.dsn == "" {
		return command{}, fmt.Errorf("%s (or -dsn) is required", envPostgresDSN)
	}
	return cmd, nil
}

// execute выполняет шаг и печатает итоговое состояние схемы.
func execute(ctx context.Context, m schemaMigrator, cmd command, out io.Writer) error {
	label := "migration status"
	switch cmd.direction {
	case "up":
		if err := m.MigrateUp(ctx, cmd.steps); err != nil {
			return fmt.Errorf("migrate up failed: %w", err)
		}
		label = "migrate up ok"
	case "down":
		if err := m.MigrateDown(ctx, cmd.steps); err != nil {
			return fmt.Errorf("migrate down failed: %w", err)
		}
		label = "migrate down ok"
	}

	status, err := m.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("migration status failed: %w", err)
	}
	printStatus(out, label, status)
	return nil
}

func printStatus(w io.Writer, label string, status postgres.MigrationStatus) {
	_, _ = fmt.Fprintf(w, "%s: version=%d applied=%d pending=%d\n", label, status.Version, status.Applied, len(status.Pending))
	for _, name := range status.Pending {
		_, _ = fmt.Fprintf(w, "  pending: %s\n", name)
	}
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
