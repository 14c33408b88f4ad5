// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ioko18/magflow-erp-sub003/emag"
	"github.com/ioko18/magflow-erp-sub003/engine"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Account  string
	Entity   string
	Mode     string
	Strategy string
	MaxPages int
	IDs      []string
	AckSweep bool
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass and wait for it to finish",
		Long: `Run a single sync pass for one account and entity type, blocking until
the run reaches a terminal status. Ctrl-C requests cooperative cancellation;
completed pages stay committed.

Example:
  magflow sync --account MAIN --entity PRODUCT --mode INCREMENTAL
  magflow sync --account FBE --entity ORDER --strategy EMAG_PRIORITY
  magflow sync --account FBE --ack-sweep`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Account, "account", "", "marketplace account (MAIN|FBE)")
	cmd.Flags().StringVar(&opts.Entity, "entity", "", "entity type (PRODUCT|ORDER)")
	cmd.Flags().StringVar(&opts.Mode, "mode", "FULL", "sync mode (FULL|INCREMENTAL|SELECTIVE)")
	cmd.Flags().StringVar(&opts.Strategy, "strategy", "", "conflict strategy (EMAG_PRIORITY|LOCAL_PRIORITY|NEWEST_WINS|MANUAL)")
	cmd.Flags().IntVar(&opts.MaxPages, "max-pages", 0, "page ceiling for this run (0 = engine default)")
	cmd.Flags().StringSliceVar(&opts.IDs, "ids", nil, "external IDs for SELECTIVE mode")
	cmd.Flags().BoolVar(&opts.AckSweep, "ack-sweep", false, "re-acknowledge orders whose ack previously failed, then exit")
	_ = cmd.MarkFlagRequired("account")

	return cmd
}

func runSync(ctx context.Context, opts *SyncOptions) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	if opts.AckSweep {
		acked, err := a.engine.AckPending(ctx, emag.AccountID(opts.Account))
		if err != nil {
			return err
		}
		a.logger.Info("Ack sweep finished", "account", opts.Account, "acked", acked)
		return nil
	}

	if opts.Entity == "" {
		return fmt.Errorf("--entity is required unless --ack-sweep is set")
	}

	runID, err := a.engine.StartSync(ctx, engine.Params{
		Account:     emag.AccountID(opts.Account),
		Entity:      engine.EntityType(opts.Entity),
		Mode:        engine.Mode(opts.Mode),
		Strategy:    engine.Strategy(opts.Strategy),
		MaxPages:    opts.MaxPages,
		ExternalIDs: opts.IDs,
	})
	if err != nil {
		return err
	}
	a.logger.Info("Sync run started", "run_id", runID)

	// Translate Ctrl-C into a cancellation request for the run.
	go func() {
		<-ctx.Done()
		_ = a.engine.Cancel(runID)
	}()

	a.engine.Wait(runID)

	run, err := a.engine.Status(context.Background(), runID)
	if err != nil {
		return err
	}
	a.logger.Info("Sync run finished",
		"run_id", run.ID,
		"status", run.Status,
		"pages", run.PagesProcessed,
		"seen", run.RecordsSeen,
		"created", run.RecordsCreated,
		"updated", run.RecordsUpdated,
		"skipped", run.RecordsSkipped,
		"failed", run.RecordsFailed,
	)
	if run.Status != engine.RunCompleted {
		fmt.Fprintf(os.Stderr, "run %s ended %s: %s\n", run.ID, run.Status, run.LastError)
		return fmt.Errorf("sync run ended %s", run.Status)
	}
	return nil
}
