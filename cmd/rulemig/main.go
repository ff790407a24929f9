// Command rulemig migrates sender_receiver facts in stored rules to
// perspectives, with a fetch, apply and restore workflow.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/coopaaaaaah/rule-tooling/internal/config"
	"github.com/coopaaaaaah/rule-tooling/internal/db"
	"github.com/coopaaaaaah/rule-tooling/internal/middleware"
	"github.com/coopaaaaaah/rule-tooling/internal/repository"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, openPostgres)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, open storeOpener) int {
	root := newRootCmd(&app{stdout: stdout, stderr: stderr, openStore: open})
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "Error: "+err.Error())
	}
	return exitCode(err)
}

// storeOpener connects to one environment's rule store. The returned func
// releases the connection.
type storeOpener func(ctx context.Context, cfg config.Config, logger *slog.Logger) (repository.RuleRepository, func(), error)

func openPostgres(ctx context.Context, cfg config.Config, logger *slog.Logger) (repository.RuleRepository, func(), error) {
	conn, err := db.NewConnection(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("connected to rule store", "host", cfg.Database.Host, "dbname", cfg.Database.DBName)

	rules := repository.NewRuleRepository(conn.Pool, repository.RuleQueryOptions{
		Scenario:       cfg.Scenario,
		ReadRetryLimit: cfg.ReadRetryLimit,
	})
	return middleware.NewLoggingRuleRepository(rules, logger), conn.Close, nil
}
