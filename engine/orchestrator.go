// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ioko18/magflow-erp-sub003/emag"
	"github.com/ioko18/magflow-erp-sub003/metrics"
)

// RemoteSource is the slice of the marketplace client a run needs.
// *emag.Client satisfies it.
type RemoteSource interface {
	Account() emag.AccountID
	FetchPage(ctx context.Context, resource string, page, pageSize int, opts emag.FetchOptions) (*emag.Page, error)
	SubmitAck(ctx context.Context, externalID string) error
}

// Mirror is the persistence surface a run writes through. *mirror.Store
// satisfies it; tests use in-memory fakes.
type Mirror interface {
	CreateRun(ctx context.Context, run *SyncRun) error
	MarkRunning(ctx context.Context, id uuid.UUID) error
	UpdateProgress(ctx context.Context, id uuid.UUID, p Progress, lastError string) error
	FinalizeRun(ctx context.Context, id uuid.UUID, status RunStatus, lastError string) error
	GetRun(ctx context.Context, id uuid.UUID) (*SyncRun, error)
	RecentRuns(ctx context.Context, limit int) ([]SyncRun, error)
	LastCompletedRun(ctx context.Context, account emag.AccountID, entity EntityType) (*SyncRun, error)
	ApplyPage(ctx context.Context, runID uuid.UUID, account emag.AccountID, entity EntityType, records []emag.Record, resolve ResolveFunc) (PageOutcome, error)
	OrdersNeedingAck(ctx context.Context, account emag.AccountID, limit int) ([]string, error)
	MarkOrderAcked(ctx context.Context, account emag.AccountID, externalID string) error
	RecoverInterruptedRuns(ctx context.Context) (int, error)
}

// Config tunes run execution. Zero values fall back to defaults.
type Config struct {
	PageSize        int           // records per page, default 100
	DefaultMaxPages int           // ceiling when Params.MaxPages is 0, default 1000
	RunTimeout      time.Duration // wall clock per run, default 2h
	PageFailCeiling int           // consecutive failed pages before the run fails, default 3
	AckSweepLimit   int           // orders re-acknowledged per sweep, default 100
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.DefaultMaxPages <= 0 {
		c.DefaultMaxPages = 1000
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 2 * time.Hour
	}
	if c.PageFailCeiling <= 0 {
		c.PageFailCeiling = 3
	}
	if c.AckSweepLimit <= 0 {
		c.AckSweepLimit = 100
	}
	return c
}

var errRunCancelled = errors.New("sync run cancelled")

// ErrRunNotFound reports a run ID with no audit row.
var ErrRunNotFound = errors.New("sync run not found")

// ErrRunNotActive reports a cancellation request for a run that is not in
// flight in this process.
var ErrRunNotActive = errors.New("sync run is not in flight")

type runHandle struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Engine owns run execution for every configured account. Each account gets
// its own remote client (own credentials, own rate budget); runs share
// nothing beyond the process.
type Engine struct {
	mirror  Mirror
	remotes map[emag.AccountID]RemoteSource
	config  Config
	logger  *slog.Logger

	baseCtx context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	running map[uuid.UUID]*runHandle
	wg      sync.WaitGroup
}

// New builds an engine over the given mirror and per-account remote clients,
// and finalizes any runs a previous process left RUNNING.
func New(mirror Mirror, remotes []RemoteSource, config Config, logger *slog.Logger) (*Engine, error) {
	if mirror == nil {
		return nil, fmt.Errorf("engine: mirror must be provided")
	}
	if len(remotes) == 0 {
		return nil, fmt.Errorf("engine: at least one remote source must be provided")
	}
	if logger == nil {
		logger = slog.Default()
	}

	byAccount := make(map[emag.AccountID]RemoteSource, len(remotes))
	for _, remote := range remotes {
		if _, dup := byAccount[remote.Account()]; dup {
			return nil, fmt.Errorf("engine: duplicate remote source for account %s", remote.Account())
		}
		byAccount[remote.Account()] = remote
	}

	baseCtx, stop := context.WithCancel(context.Background())
	e := &Engine{
		mirror:  mirror,
		remotes: byAccount,
		config:  config.withDefaults(),
		logger:  logger,
		baseCtx: baseCtx,
		stop:    stop,
		running: make(map[uuid.UUID]*runHandle),
	}

	recovered, err := mirror.RecoverInterruptedRuns(baseCtx)
	if err != nil {
		stop()
		return nil, fmt.Errorf("engine: failed to recover interrupted runs: %w", err)
	}
	if recovered > 0 {
		logger.Warn("Finalized runs interrupted by a previous process", "count", recovered)
	}
	return e, nil
}

// Close cancels all in-flight runs and waits for them to finalize.
func (e *Engine) Close() {
	e.stop()
	e.wg.Wait()
}

// StartSync validates the request, records a PENDING run, and executes it on
// a background goroutine. It returns the run ID immediately.
func (e *Engine) StartSync(ctx context.Context, params Params) (uuid.UUID, error) {
	remote, ok := e.remotes[params.Account]
	if !ok {
		return uuid.Nil, fmt.Errorf("engine: no remote source configured for account %q", params.Account)
	}
	if params.Entity != EntityProduct && params.Entity != EntityOrder {
		return uuid.Nil, fmt.Errorf("engine: unknown entity type %q", params.Entity)
	}
	if params.Mode == "" {
		params.Mode = ModeFull
	}
	if params.Mode != ModeFull && params.Mode != ModeIncremental && params.Mode != ModeSelective {
		return uuid.Nil, fmt.Errorf("engine: unknown sync mode %q", params.Mode)
	}
	if params.Mode == ModeSelective && len(params.ExternalIDs) == 0 {
		return uuid.Nil, fmt.Errorf("engine: SELECTIVE mode requires external IDs")
	}
	if params.Strategy == "" {
		params.Strategy = StrategyEmagPriority
	}
	if !params.Strategy.Valid() {
		return uuid.Nil, fmt.Errorf("engine: unknown conflict strategy %q", params.Strategy)
	}
	if params.MaxPages <= 0 {
		params.MaxPages = e.config.DefaultMaxPages
	}

	run := &SyncRun{
		ID:               uuid.New(),
		AccountID:        params.Account,
		EntityType:       params.Entity,
		Mode:             params.Mode,
		ConflictStrategy: params.Strategy,
		Status:           RunPending,
		StartedAt:        time.Now().UTC(),
	}
	if err := e.mirror.CreateRun(ctx, run); err != nil {
		return uuid.Nil, fmt.Errorf("engine: failed to create run: %w", err)
	}

	runCtx, timeoutCancel := context.WithTimeout(e.baseCtx, e.config.RunTimeout)
	runCtx, cancelCause := context.WithCancelCause(runCtx)
	handle := &runHandle{cancel: cancelCause, done: make(chan struct{})}

	e.mu.Lock()
	e.running[run.ID] = handle
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer timeoutCancel()
		defer cancelCause(nil)
		defer func() {
			e.mu.Lock()
			delete(e.running, run.ID)
			e.mu.Unlock()
			close(handle.done)
		}()
		e.execute(runCtx, remote, run.ID, params)
	}()

	return run.ID, nil
}

// Cancel requests cooperative cancellation of an in-flight run. The run
// stops at the next page boundary.
func (e *Engine) Cancel(id uuid.UUID) error {
	e.mu.Lock()
	handle, ok := e.running[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("engine: run %s: %w", id, ErrRunNotActive)
	}
	handle.cancel(errRunCancelled)
	return nil
}

// Wait blocks until the run's goroutine has finalized its row. Runs not in
// flight return immediately.
func (e *Engine) Wait(id uuid.UUID) {
	e.mu.Lock()
	handle, ok := e.running[id]
	e.mu.Unlock()
	if ok {
		<-handle.done
	}
}

// Status returns the run's current snapshot.
func (e *Engine) Status(ctx context.Context, id uuid.UUID) (*SyncRun, error) {
	return e.mirror.GetRun(ctx, id)
}

// Recent returns the latest runs, newest first.
func (e *Engine) Recent(ctx context.Context, limit int) ([]SyncRun, error) {
	return e.mirror.RecentRuns(ctx, limit)
}

// execute is the per-run page loop. It always finalizes the run row.
func (e *Engine) execute(ctx context.Context, remote RemoteSource, runID uuid.UUID, params Params) {
	metrics.RunStarted()
	defer metrics.RunFinished()

	logger := e.logger.With("run_id", runID, "account", string(params.Account), "entity", string(params.Entity))

	if err := e.mirror.MarkRunning(ctx, runID); err != nil {
		logger.Error("Failed to mark run RUNNING", "error", err)
		e.finalize(runID, RunFailed, fmt.Sprintf("failed to mark run running: %v", err), logger)
		return
	}
	logger.Info("Sync run started", "mode", string(params.Mode), "strategy", string(params.Strategy), "max_pages", params.MaxPages)

	opts, err := e.fetchOptions(ctx, params)
	if err != nil {
		logger.Error("Failed to resolve fetch options", "error", err)
		e.finalize(runID, RunFailed, err.Error(), logger)
		return
	}

	ownership := DefaultOwnership(params.Entity)
	resolve := func(remoteRec emag.Record, local *LocalRecord) (Decision, error) {
		return Resolve(remoteRec, local, params.Strategy, ownership)
	}

	var progress Progress
	var lastError string
	consecutivePageFailures := 0

	for page := 1; page <= params.MaxPages; page++ {
		// Cooperative cancellation and wall-clock timeout, checked at the
		// top of every page.
		select {
		case <-ctx.Done():
			e.finalizeInterrupted(ctx, runID, logger)
			return
		default:
		}

		fetched, err := remote.FetchPage(ctx, params.Entity.Resource(), page, e.config.PageSize, opts)
		if err != nil {
			if ctx.Err() != nil {
				e.finalizeInterrupted(ctx, runID, logger)
				return
			}

			var authErr *emag.AuthError
			if errors.As(err, &authErr) {
				logger.Error("Authentication failed, aborting run", "error", err)
				e.finalize(runID, RunFailed, err.Error(), logger)
				return
			}

			// Validation failures and exhausted retries are page-scoped:
			// record, skip the page, keep going unless too many pages fail
			// back to back.
			lastError = err.Error()
			consecutivePageFailures++
			logger.Warn("Page fetch failed, advancing to next page",
				"page", page, "consecutive_failures", consecutivePageFailures, "error", err)
			if consecutivePageFailures >= e.config.PageFailCeiling {
				logger.Error("Consecutive page failure ceiling reached, aborting run",
					"ceiling", e.config.PageFailCeiling)
				e.finalize(runID, RunFailed, lastError, logger)
				return
			}
			continue
		}
		consecutivePageFailures = 0

		outcome, err := e.mirror.ApplyPage(ctx, runID, params.Account, params.Entity, fetched.Records, resolve)
		if err != nil {
			// The parent transaction itself failed; nothing from this page
			// was committed. Treat like a failed page.
			lastError = err.Error()
			consecutivePageFailures++
			logger.Error("Page apply failed", "page", page, "error", err)
			if consecutivePageFailures >= e.config.PageFailCeiling {
				e.finalize(runID, RunFailed, lastError, logger)
				return
			}
			continue
		}

		progress.add(outcome)
		if len(outcome.Failures) > 0 {
			lastError = fmt.Sprintf("record %s: %s", outcome.Failures[len(outcome.Failures)-1].ExternalID, outcome.Failures[len(outcome.Failures)-1].Reason)
			for _, failure := range outcome.Failures {
				logger.Warn("Record failed and was rolled back", "external_id", failure.ExternalID, "reason", failure.Reason)
			}
		}
		e.recordPageMetrics(params, outcome)

		if params.Entity == EntityOrder {
			e.acknowledgeOrders(ctx, remote, params.Account, outcome.CreatedOrderIDs, logger)
		}

		if err := e.mirror.UpdateProgress(ctx, runID, progress, lastError); err != nil {
			logger.Error("Failed to persist run progress", "page", page, "error", err)
		}
		logger.Info("Page committed", "page", page,
			"seen", outcome.Seen, "created", outcome.Created, "updated", outcome.Updated,
			"unchanged", outcome.Unchanged, "deferred", outcome.Deferred, "failed", outcome.Failed,
			"has_more", fetched.HasMore)

		if !fetched.HasMore {
			break
		}
	}

	// Partial success is success: record-level failures do not fail the run.
	e.finalize(runID, RunCompleted, lastError, logger)
}

// fetchOptions derives the remote filter for the run's mode. INCREMENTAL
// uses the started_at of the last completed run for the same account and
// entity as the updated_after watermark.
func (e *Engine) fetchOptions(ctx context.Context, params Params) (emag.FetchOptions, error) {
	switch params.Mode {
	case ModeSelective:
		return emag.FetchOptions{ExternalIDs: params.ExternalIDs}, nil
	case ModeIncremental:
		last, err := e.mirror.LastCompletedRun(ctx, params.Account, params.Entity)
		if err != nil {
			return emag.FetchOptions{}, fmt.Errorf("failed to load incremental watermark: %w", err)
		}
		if last == nil {
			// No completed run yet: incremental degrades to a full pass.
			return emag.FetchOptions{}, nil
		}
		return emag.FetchOptions{UpdatedAfter: last.StartedAt}, nil
	default:
		return emag.FetchOptions{}, nil
	}
}

// acknowledgeOrders performs the post-commit write-back for newly created
// orders. Failures are logged and left flagged; they never undo the
// committed row.
func (e *Engine) acknowledgeOrders(ctx context.Context, remote RemoteSource, account emag.AccountID, orderIDs []string, logger *slog.Logger) {
	for _, externalID := range orderIDs {
		if err := remote.SubmitAck(ctx, externalID); err != nil {
			logger.Warn("Order acknowledgement failed; order stays flagged for re-ack",
				"external_id", externalID, "error", err)
			continue
		}
		if err := e.mirror.MarkOrderAcked(ctx, account, externalID); err != nil {
			logger.Error("Failed to clear ack flag", "external_id", externalID, "error", err)
		}
	}
}

// AckPending re-acknowledges orders whose write-back failed on an earlier
// run. Returns how many orders were acknowledged.
func (e *Engine) AckPending(ctx context.Context, account emag.AccountID) (int, error) {
	remote, ok := e.remotes[account]
	if !ok {
		return 0, fmt.Errorf("engine: no remote source configured for account %q", account)
	}
	pending, err := e.mirror.OrdersNeedingAck(ctx, account, e.config.AckSweepLimit)
	if err != nil {
		return 0, fmt.Errorf("engine: failed to list orders needing ack: %w", err)
	}

	acked := 0
	for _, externalID := range pending {
		if err := remote.SubmitAck(ctx, externalID); err != nil {
			e.logger.Warn("Re-acknowledgement failed", "account", string(account), "external_id", externalID, "error", err)
			continue
		}
		if err := e.mirror.MarkOrderAcked(ctx, account, externalID); err != nil {
			return acked, fmt.Errorf("engine: failed to clear ack flag for %s: %w", externalID, err)
		}
		acked++
	}
	return acked, nil
}

func (e *Engine) finalizeInterrupted(ctx context.Context, runID uuid.UUID, logger *slog.Logger) {
	cause := context.Cause(ctx)
	if errors.Is(cause, errRunCancelled) {
		logger.Info("Sync run cancelled")
		e.finalize(runID, RunCancelled, "cancelled by operator", logger)
		return
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		logger.Error("Sync run timed out", "timeout", e.config.RunTimeout)
		e.finalize(runID, RunFailed, fmt.Sprintf("sync run timed out after %s", e.config.RunTimeout), logger)
		return
	}
	logger.Warn("Sync run interrupted by shutdown")
	e.finalize(runID, RunFailed, "interrupted by shutdown", logger)
}

// finalize uses a fresh context: the run context may already be dead, and
// the terminal row update must still land.
func (e *Engine) finalize(runID uuid.UUID, status RunStatus, lastError string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.mirror.FinalizeRun(ctx, runID, status, lastError); err != nil {
		logger.Error("Failed to finalize run", "status", string(status), "error", err)
		return
	}
	logger.Info("Sync run finalized", "status", string(status), "last_error", lastError)
}

func (e *Engine) recordPageMetrics(params Params, outcome PageOutcome) {
	account, entity := string(params.Account), string(params.Entity)
	metrics.RecordSyncRecords(account, entity, "created", outcome.Created)
	metrics.RecordSyncRecords(account, entity, "updated", outcome.Updated)
	metrics.RecordSyncRecords(account, entity, "unchanged", outcome.Unchanged)
	metrics.RecordSyncRecords(account, entity, "deferred", outcome.Deferred)
	metrics.RecordSyncRecords(account, entity, "failed", outcome.Failed)
}
