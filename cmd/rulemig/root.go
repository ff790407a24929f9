package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/coopaaaaaah/rule-tooling/internal/config"
	"github.com/coopaaaaaah/rule-tooling/internal/domain"
	"github.com/coopaaaaaah/rule-tooling/internal/export"
	"github.com/coopaaaaaah/rule-tooling/internal/logging"
	"github.com/coopaaaaaah/rule-tooling/internal/migration"
	"github.com/coopaaaaaah/rule-tooling/internal/snapshot"
	"github.com/coopaaaaaah/rule-tooling/internal/transform"
	"github.com/coopaaaaaah/rule-tooling/pkg/validator"
)

type app struct {
	stdout    io.Writer
	stderr    io.Writer
	openStore storeOpener

	env         string
	configDir   string
	snapshotDir string
	logLevel    string
	logFormat   string
	jsonOutput  bool

	orgID           int64
	fetch           bool
	apply           bool
	restore         bool
	backupTimestamp string
	reviewPath      string
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "rulemig",
		Short: "Migrate sender_receiver rule facts to perspectives",
		Long: `rulemig rewrites the legacy sender_receiver property of EVENT_BY_OBJECT_FACTS
nodes in stored rules into perspectives.

Each run performs exactly one step:
  --fetch    read candidate rules, transform them and stage a local snapshot
  --apply    back up live content, then write the staged snapshot
  --restore  write the content of an earlier backup back

Examples:
  rulemig --env stg --fetch --review-xlsx review.xlsx
  rulemig --env stg --apply
  rulemig backups --env stg
  rulemig --env stg --restore --backup-timestamp 20240501T093000Z`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runMigration(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.env, "env", "", "Environment to operate on (required)")
	pf.StringVar(&a.configDir, "config", ".", "Directory containing config.yaml")
	pf.StringVar(&a.snapshotDir, "snapshot-dir", "", "Directory for fetch snapshots and backups (overrides snapshots.dir)")
	pf.StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides log.level)")
	pf.StringVar(&a.logFormat, "log-format", "", "Log format: text or json (overrides log.format)")
	pf.BoolVar(&a.jsonOutput, "json", false, "Print the report as JSON")
	_ = root.MarkPersistentFlagRequired("env")

	f := root.Flags()
	f.Int64Var(&a.orgID, "org-id", 0, "Limit the run to one organization")
	f.BoolVar(&a.fetch, "fetch", false, "Fetch and stage transformed rules")
	f.BoolVar(&a.apply, "apply", false, "Back up and write the staged rules")
	f.BoolVar(&a.restore, "restore", false, "Restore rules from a backup")
	f.StringVar(&a.backupTimestamp, "backup-timestamp", "", "Backup to restore, e.g. 20240501T093000Z")
	f.StringVar(&a.reviewPath, "review-xlsx", "", "With --fetch, also write a review workbook to this path")
	root.MarkFlagsMutuallyExclusive("fetch", "apply", "restore")
	root.MarkFlagsOneRequired("fetch", "apply", "restore")

	root.AddCommand(newBackupsCmd(a))
	return root
}

func (a *app) scope(cmd *cobra.Command) domain.Scope {
	if cmd.Flags().Changed("org-id") {
		return domain.NewScope(a.env, &a.orgID)
	}
	return domain.NewScope(a.env, nil)
}

func (a *app) checkFlags() error {
	if a.restore && a.backupTimestamp == "" {
		return errors.New("--restore requires --backup-timestamp")
	}
	if !a.restore && a.backupTimestamp != "" {
		return errors.New("--backup-timestamp is only valid with --restore")
	}
	if a.restore {
		if _, err := snapshot.ParseTimestamp(a.backupTimestamp); err != nil {
			return err
		}
	}
	if a.reviewPath != "" && !a.fetch {
		return errors.New("--review-xlsx is only valid with --fetch")
	}
	return nil
}

// loadConfig resolves config for --env and builds the logger. Errors carry
// ExitConfig.
func (a *app) loadConfig(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(a.configDir, a.env)
	if err != nil {
		return config.Config{}, nil, withCode(ExitConfig, err)
	}
	if cmd.Flags().Changed("snapshot-dir") {
		cfg.SnapshotDir = a.snapshotDir
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = a.logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Log.Format = a.logFormat
	}

	logger, err := logging.New(a.stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return config.Config{}, nil, withCode(ExitConfig, err)
	}
	if cfg.Source != "" {
		logger.Debug("loaded config", "path", cfg.Source)
	} else {
		logger.Debug("no config.yaml found, using defaults and env vars", "dir", a.configDir)
	}
	return cfg, logger, nil
}

func (a *app) runMigration(cmd *cobra.Command) error {
	if err := a.checkFlags(); err != nil {
		return withCode(ExitUsage, err)
	}
	cfg, logger, err := a.loadConfig(cmd)
	if err != nil {
		return err
	}
	mapping, err := cfg.NewMapping()
	if err != nil {
		return withCode(ExitConfig, fmt.Errorf("invalid mapping: %w", err))
	}

	ctx := cmd.Context()
	rules, closeStore, err := a.openStore(ctx, cfg, logger)
	if err != nil {
		return withCode(ExitStore, err)
	}
	defer closeStore()

	snapshots := snapshot.NewManager(snapshot.NewFileBackend(cfg.SnapshotDir))
	orch := migration.NewOrchestrator(rules, snapshots, transform.New(mapping), validator.NewContentValidator(), logger)
	scope := a.scope(cmd)

	var report *migration.Report
	switch {
	case a.fetch:
		report, err = orch.Fetch(ctx, scope)
	case a.apply:
		report, err = orch.Apply(ctx, scope)
	case a.restore:
		report, err = orch.Restore(ctx, scope, a.backupTimestamp)
	}
	if report != nil && (err == nil || len(report.Outcomes) > 0) {
		if werr := a.writeReport(report); werr != nil && err == nil {
			err = werr
		}
	}
	if err != nil {
		return withCode(ExitStore, err)
	}

	if a.fetch && a.reviewPath != "" {
		snap, err := snapshots.ReadFetchSnapshot(ctx, scope)
		if err != nil {
			return withCode(ExitStore, err)
		}
		if err := export.SaveReview(a.reviewPath, snap); err != nil {
			return withCode(ExitStore, err)
		}
		logger.Info("review workbook written", "path", a.reviewPath, "rules", len(snap.Rules))
	}

	if report.HasFailures() {
		return withCode(ExitRuleFailures, fmt.Errorf("%d rule(s) failed", report.Count(migration.StatusFailed)))
	}
	return nil
}

func (a *app) writeReport(report *migration.Report) error {
	if a.jsonOutput {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	return report.WriteSummary(a.stdout)
}

func newBackupsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "backups",
		Short: "List backups for an environment, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			snapshots := snapshot.NewManager(snapshot.NewFileBackend(cfg.SnapshotDir))
			timestamps, err := snapshots.ListBackups(cmd.Context(), a.env)
			if err != nil {
				return withCode(ExitStore, err)
			}

			if a.jsonOutput {
				type backupInfo struct {
					Timestamp string `json:"timestamp"`
					Path      string `json:"path"`
				}
				out := make([]backupInfo, 0, len(timestamps))
				for _, ts := range timestamps {
					out = append(out, backupInfo{Timestamp: ts, Path: filepath.Join(cfg.SnapshotDir, filepath.FromSlash(snapshot.BackupKey(a.env, ts)))})
				}
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			if len(timestamps) == 0 {
				fmt.Fprintf(a.stdout, "no backups for %s\n", a.env)
				return nil
			}
			for _, ts := range timestamps {
				fmt.Fprintln(a.stdout, ts)
			}
			return nil
		},
	}
}
