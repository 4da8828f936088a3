// Command migrate applies or rolls back the session store schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/coachpo/tickwire/internal/infra/persistence/migrations"
	"github.com/coachpo/tickwire/internal/observability"
)

const (
	defaultTimeout = 30 * time.Second
	dsnEnv         = "TICKWIRE_DATABASE_DSN"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	var (
		dsn     = fs.String("database", "", fmt.Sprintf("PostgreSQL DSN (default: $%s)", dsnEnv))
		dir     = fs.String("path", migrations.EmbeddedDir, "Directory containing SQL migrations, or \"embedded\"")
		timeout = fs.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet   = fs.Bool("quiet", false, "Suppress informational logs")
	)
	if err := fs.Parse(argv); err != nil {
		return err
	}
	_ = godotenv.Load()

	if strings.TrimSpace(*dsn) == "" {
		*dsn = os.Getenv(dsnEnv)
	}
	if strings.TrimSpace(*dsn) == "" {
		return errors.New("-database flag is required")
	}
	if strings.TrimSpace(*dir) == "" {
		return errors.New("-path flag is required")
	}

	cmd, steps, err := parseCommand(fs.Args())
	if err != nil {
		return err
	}

	var logger observability.Logger
	if !*quiet {
		zapLogger, err := observability.NewZapLogger("info")
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		defer func() { _ = zapLogger.Sync() }()
		logger = zapLogger.Named("migrate")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch cmd {
	case "up":
		return migrations.Apply(ctx, *dsn, *dir, logger)
	default:
		return migrations.Rollback(ctx, *dsn, *dir, steps, logger)
	}
}

// parseCommand returns the command and, for down, the step count (default 1).
func parseCommand(args []string) (string, int, error) {
	if len(args) == 0 {
		return "", 0, errors.New("command required (up|down)")
	}
	switch args[0] {
	case "up":
		return "up", 0, nil
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n <= 0 {
				return "", 0, fmt.Errorf("invalid down steps %q", args[1])
			}
			steps = n
		}
		return "down", steps, nil
	default:
		return "", 0, fmt.Errorf("unknown command %q (expected up or down)", args[0])
	}
}
