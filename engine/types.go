// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package engine drives marketplace sync runs: it pages through a remote
// collection, resolves conflicts against the local mirror and keeps the
// per-run audit trail current.
package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/ioko18/magflow-erp-sub003/emag"
)

// EntityType selects which remote collection a run synchronizes.
type EntityType string

const (
	EntityProduct EntityType = "PRODUCT"
	EntityOrder   EntityType = "ORDER"
)

// Resource returns the remote API resource for the entity type.
func (e EntityType) Resource() string {
	if e == EntityOrder {
		return emag.ResourceOrders
	}
	return emag.ResourceProducts
}

// Mode selects how much of the collection a run covers.
type Mode string

const (
	ModeFull        Mode = "FULL"
	ModeIncremental Mode = "INCREMENTAL"
	ModeSelective   Mode = "SELECTIVE"
)

// RunStatus is the lifecycle state of a sync run. Transitions are monotonic:
// a terminal status is never left.
type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunCancelled RunStatus = "CANCELLED"
)

// Terminal reports whether the status ends the run.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// SyncRun is one orchestrator invocation for one account and entity type.
// Rows are never deleted; they are the audit trail operators query.
type SyncRun struct {
	ID               uuid.UUID      `db:"id" json:"id"`
	AccountID        emag.AccountID `db:"account_id" json:"account_id"`
	EntityType       EntityType     `db:"entity_type" json:"entity_type"`
	Mode             Mode           `db:"mode" json:"mode"`
	ConflictStrategy Strategy       `db:"conflict_strategy" json:"conflict_strategy"`
	Status           RunStatus      `db:"status" json:"status"`
	StartedAt        time.Time      `db:"started_at" json:"started_at"`
	FinishedAt       *time.Time     `db:"finished_at" json:"finished_at,omitempty"` // set exactly when Status is terminal
	PagesProcessed   int            `db:"pages_processed" json:"pages_processed"`
	RecordsSeen      int            `db:"records_seen" json:"records_seen"`
	RecordsCreated   int            `db:"records_created" json:"records_created"`
	RecordsUpdated   int            `db:"records_updated" json:"records_updated"`
	RecordsSkipped   int            `db:"records_skipped" json:"records_skipped"` // unchanged + deferred-for-review
	RecordsFailed    int            `db:"records_failed" json:"records_failed"`
	LastError        string         `db:"last_error" json:"last_error,omitempty"`
}

// Progress carries the counter deltas persisted after each page.
type Progress struct {
	PagesProcessed int
	RecordsSeen    int
	RecordsCreated int
	RecordsUpdated int
	RecordsSkipped int
	RecordsFailed  int
}

func (p *Progress) add(o PageOutcome) {
	p.PagesProcessed++
	p.RecordsSeen += o.Seen
	p.RecordsCreated += o.Created
	p.RecordsUpdated += o.Updated
	p.RecordsSkipped += o.Unchanged + o.Deferred
	p.RecordsFailed += o.Failed
}

// PageOutcome summarizes one page's worth of per-record writes.
type PageOutcome struct {
	Seen      int
	Created   int
	Updated   int
	Unchanged int
	Deferred  int // MANUAL strategy left the row untouched, flagged for review
	Failed    int

	// CreatedOrderIDs lists newly inserted orders that still need a remote
	// acknowledgement write-back.
	CreatedOrderIDs []string

	Failures []RecordFailure
}

// RecordFailure describes one record rolled back inside its savepoint.
type RecordFailure struct {
	ExternalID string
	Reason     string
}

// Params describe one requested sync run.
type Params struct {
	Account     emag.AccountID
	Entity      EntityType
	Mode        Mode
	Strategy    Strategy
	MaxPages    int      // ceiling on pages fetched; 0 uses the engine default
	ExternalIDs []string // SELECTIVE mode filter
}
