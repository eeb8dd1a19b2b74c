package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"golang.org/x/term"

	"github.com/ikanisa/lawai-sub007/internal/adapter/postgres"
	"github.com/ikanisa/lawai-sub007/internal/config"
	"github.com/ikanisa/lawai-sub007/internal/domain/command"
	"github.com/ikanisa/lawai-sub007/internal/logger"
)

// runAdmin dispatches admin subcommands.
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "migrate":
		return runAdminMigrate(args[1:])
	case "rollback":
		return runAdminRollback(args[1:])
	case "version":
		return runAdminVersion(args[1:])
	case "stats":
		return runAdminStats(args[1:])
	case "resume":
		return runAdminResume(args[1:])
	case "drain":
		return runAdminDrain(args[1:])
	case "submit":
		return runAdminSubmit(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: lawai-agent admin <command> [options]

Commands:
  migrate    Apply pending database migrations
  rollback   Roll back database migrations
  version    Print the current migration version
  stats      Show job counts for an org
  resume     Requeue a command cleared by a reviewer
  drain      Process one batch of queued jobs
  submit     Plan an objective and queue its commands
  help       Show this help message

Examples:
  lawai-agent admin migrate
  lawai-agent admin rollback --steps 1
  lawai-agent admin stats --org org-1
  lawai-agent admin resume --org org-1 --command 6f1c...
  lawai-agent admin drain --org org-1 --limit 5
  lawai-agent admin submit --org org-1 --objective "Pay overdue vendor invoices"
`)
}

// runMigrations applies the embedded migrations against cfg's database.
func runMigrations(ctx context.Context, cfg *config.Config) error {
	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	return nil
}

// loadAdminApp builds the full service stack for a one-shot command.
func loadAdminApp(ctx context.Context) (*app, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	lc := cfg.Logging
	lc.Async = false
	log, closer := logger.New(lc)

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		closer.Close()
		return nil, nil, err
	}
	return a, func() {
		a.Close()
		closer.Close()
	}, nil
}

func runAdminMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := context.Background()
	if err := runMigrations(ctx, cfg); err != nil {
		return err
	}
	v, err := postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Migrations applied, version %d\n", v)
	return nil
}

func runAdminRollback(args []string) error {
	fs := flag.NewFlagSet("rollback", flag.ContinueOnError)
	steps := fs.Int("steps", 1, "number of migrations to roll back")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *steps < 1 {
		return fmt.Errorf("--steps must be at least 1")
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := postgres.RollbackMigrations(context.Background(), cfg.Postgres.DSN, *steps); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Rolled back %d migration(s)\n", *steps)
	return nil
}

func runAdminVersion(args []string) error {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	v, err := postgres.MigrationVersion(context.Background(), cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	fmt.Printf("binary %s, schema %d\n", version, v)
	return nil
}

func runAdminStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	org := fs.String("org", "", "org id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *org == "" {
		return fmt.Errorf("--org is required")
	}

	ctx := context.Background()
	a, cleanup, err := loadAdminApp(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	stats, err := a.orchestration.QueueStats(ctx, *org)
	if err != nil {
		return fmt.Errorf("queue stats: %w", err)
	}
	if !isTTY(os.Stdout) {
		return writeJSON(os.Stdout, stats)
	}
	if len(stats) == 0 {
		fmt.Println("No jobs found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "WORKER\tSTATUS\tCOUNT")
	for _, s := range stats {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\n", s.Worker, s.Status, s.Count)
	}
	return w.Flush()
}

func runAdminResume(args []string) error {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	org := fs.String("org", "", "org id (required)")
	cmdID := fs.String("command", "", "command id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *org == "" || *cmdID == "" {
		return fmt.Errorf("--org and --command are required")
	}

	ctx := context.Background()
	a, cleanup, err := loadAdminApp(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	rec, err := a.orchestration.ResumeCommand(ctx, *org, *cmdID)
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Command %s requeued as job %s (%s)\n", rec.Command.ID, rec.Job.ID, rec.Job.Status)
	return nil
}

func runAdminDrain(args []string) error {
	fs := flag.NewFlagSet("drain", flag.ContinueOnError)
	org := fs.String("org", "", "org id (required)")
	worker := fs.String("worker", string(command.WorkerDomain), "worker kind to claim for")
	limit := fs.Int("limit", 0, "max jobs to claim (default orchestrator.claim_batch_size)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *org == "" {
		return fmt.Errorf("--org is required")
	}
	kind := command.WorkerKind(*worker)
	if !kind.Valid() {
		return fmt.Errorf("unknown worker kind %q", *worker)
	}

	ctx := context.Background()
	a, cleanup, err := loadAdminApp(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	n := *limit
	if n <= 0 {
		n = a.cfg.Orchestrator.ClaimBatchSize
	}
	processed, err := a.queue.ProcessFinanceQueue(ctx, *org, kind, n)
	if err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Processed %d job(s)\n", processed)
	return nil
}

func runAdminSubmit(args []string) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	org := fs.String("org", "", "org id (required)")
	objective := fs.String("objective", "", "objective to plan (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *org == "" || *objective == "" {
		return fmt.Errorf("--org and --objective are required")
	}

	ctx := context.Background()
	a, cleanup, err := loadAdminApp(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	sess, err := a.orchestration.OpenSession(ctx, *org, *objective)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	p, recs, err := a.orchestration.Submit(ctx, *org, sess.ID, *objective, nil)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	if !isTTY(os.Stdout) {
		return writeJSON(os.Stdout, map[string]any{"session": sess.ID, "plan": p, "commands": recs})
	}

	fmt.Printf("Session %s, plan %s: %d step(s)\n", sess.ID, p.Version, len(p.Steps))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STEP\tCOMMAND\tTYPE\tSTATUS\tJOB\tLAST_ERROR")
	for i := range recs {
		c, j := recs[i].Command, recs[i].Job
		lastErr := ""
		if j.LastError != nil {
			lastErr = *j.LastError
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", c.StepID, c.ID, c.CommandType, c.Status, j.Status, lastErr)
	}
	return w.Flush()
}

func isTTY(f *os.File) bool {
	return term.IsTerminal(int(f.Fd())) //nolint:gosec // fd fits in int
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
