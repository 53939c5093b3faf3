package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ai-review-orchestrator/internal/bootstrap"
	"ai-review-orchestrator/internal/config"
	"ai-review-orchestrator/internal/worker"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "taskctl",
		Short:         "Inspect and control AI review tasks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		migrateCmd(),
		getCmd(),
		cancelCmd(),
		reapCmd(),
		setKeyCmd(),
	)
	return root
}

// withStore loads config, opens the database and runs fn against it.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, cfg config.Config, db bootstrap.Database) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(ctx, cfg, db)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, cfg config.Config, _ bootstrap.Database) error {
				fmt.Fprintf(cmd.OutOrStdout(), "migrations applied (%s)\n", cfg.DatabaseDriver)
				return nil
			})
		},
	}
}

func getCmd() *cobra.Command {
	var withAudit bool
	cmd := &cobra.Command{
		Use:   "get <task-id>",
		Short: "Print a task, its item results and audit trail as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, _ config.Config, db bootstrap.Database) error {
				task, err := db.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				items, err := db.ListItemResults(ctx, task.ID)
				if err != nil {
					return err
				}
				out := map[string]any{"task": task, "items": items}
				if withAudit {
					logs, err := db.ListAudit(ctx, task.ID)
					if err != nil {
						return err
					}
					out["audit"] = logs
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			})
		},
	}
	cmd.Flags().BoolVar(&withAudit, "audit", false, "include the audit trail")
	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a queued task or ask its worker to stop it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, cfg config.Config, db bootstrap.Database) error {
				logger := config.NewLogger(cfg)
				rdb := bootstrap.NewRedis(cfg)
				defer rdb.Close()
				b, err := bootstrap.NewBroker(ctx, cfg, rdb, logger)
				if err != nil {
					return err
				}
				defer b.Close()

				outcome, err := worker.CancelTask(ctx, db, nil, b, args[0])
				if err != nil {
					return err
				}
				if outcome == worker.CancelRequested && cfg.BrokerRelay == "none" {
					logger.Warn("BROKER_RELAY is none; the cancel request cannot reach a worker process")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], outcome)
				return nil
			})
		},
	}
}

func reapCmd() *cobra.Command {
	var lease time.Duration
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Fail processing tasks whose heartbeat is older than the lease",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, cfg config.Config, db bootstrap.Database) error {
				if lease <= 0 {
					lease = cfg.LeaseTimeout
				}
				if lease <= 0 {
					return fmt.Errorf("no lease: pass --lease or set LEASE_TIMEOUT")
				}
				n, err := worker.NewReaper(db, nil, lease, config.NewLogger(cfg)).Reap(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reaped %d task(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&lease, "lease", 0, "heartbeat age after which a task is failed (default LEASE_TIMEOUT)")
	return cmd
}

func setKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-key <scope> <api-key>",
		Short: `Store an AI provider key for "system" or "project:<id>"`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, _ config.Config, db bootstrap.Database) error {
				if err := db.SetProviderKey(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "key stored for %s\n", args[0])
				return nil
			})
		},
	}
}
