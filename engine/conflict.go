// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"reflect"
	"time"

	"github.com/ioko18/magflow-erp-sub003/emag"
)

// Strategy selects which side wins when remote and local diverge.
type Strategy string

const (
	// StrategyEmagPriority treats the marketplace as the source of truth:
	// remote wins everything except local-owned fields. Recommended default.
	StrategyEmagPriority Strategy = "EMAG_PRIORITY"
	// StrategyLocalPriority keeps local values for overlapping fields; only
	// fields absent locally are filled from remote.
	StrategyLocalPriority Strategy = "LOCAL_PRIORITY"
	// StrategyNewestWins compares remote_updated_at against local_updated_at
	// and takes the later side wholesale.
	StrategyNewestWins Strategy = "NEWEST_WINS"
	// StrategyManual defers divergent records to human review; the row is
	// flagged and left unmodified.
	StrategyManual Strategy = "MANUAL"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyEmagPriority, StrategyLocalPriority, StrategyNewestWins, StrategyManual:
		return true
	}
	return false
}

// Owner marks which side is authoritative for a field, independent of the
// active strategy.
type Owner string

const (
	// OwnerRemote fields are exclusively controlled by the marketplace and
	// are never overwritten by local intent, whatever the strategy says.
	OwnerRemote Owner = "REMOTE"
	// OwnerLocal fields exist only in the mirror (operator notes and the
	// like); the marketplace never supplies them authoritatively.
	OwnerLocal Owner = "LOCAL"
)

// Ownership maps field names to their authoritative side. Fields not listed
// are decided by the strategy alone.
type Ownership map[string]Owner

// DefaultOwnership returns the field ownership annotations per entity type.
func DefaultOwnership(entity EntityType) Ownership {
	switch entity {
	case EntityOrder:
		return Ownership{
			"status":         OwnerRemote,
			"total":          OwnerRemote,
			"customer_name":  OwnerRemote,
			"internal_notes": OwnerLocal,
		}
	default:
		return Ownership{
			"price":          OwnerRemote,
			"sale_price":     OwnerRemote,
			"stock":          OwnerRemote,
			"internal_notes": OwnerLocal,
		}
	}
}

// Winner names which side a conflict decision favored.
type Winner string

const (
	WinnerRemote   Winner = "REMOTE"
	WinnerLocal    Winner = "LOCAL"
	WinnerMerged   Winner = "MERGED"
	WinnerDeferred Winner = "DEFERRED"
)

// LocalRecord is the mirror's current view of an entity, as the resolver
// needs it: the stored business fields plus both update timestamps.
type LocalRecord struct {
	ExternalID      string
	RemoteUpdatedAt time.Time
	LocalUpdatedAt  time.Time
	Fields          map[string]any
}

// Decision is the resolver verdict for one record. Fields holds the full
// field set to persist when Apply is true; a deferred decision flags the row
// for review and writes nothing.
type Decision struct {
	Winner        Winner
	Apply         bool
	ReviewPending bool
	Fields        map[string]any
}

// ResolveFunc is the resolver shape the mirror store invokes per record
// inside its savepoint.
type ResolveFunc func(remote emag.Record, local *LocalRecord) (Decision, error)

// Resolve decides which side wins for one record. It is a pure function:
// fixed inputs always produce the same decision. Ownership annotations take
// precedence over the strategy.
func Resolve(remote emag.Record, local *LocalRecord, strategy Strategy, ownership Ownership) (Decision, error) {
	if local == nil {
		// First sighting: trivially a remote-wins create.
		return Decision{Winner: WinnerRemote, Apply: true, Fields: copyFields(remote.Fields)}, nil
	}

	switch strategy {
	case StrategyEmagPriority:
		fields := mergeRemoteOverLocal(remote.Fields, local.Fields, ownership)
		return Decision{Winner: WinnerRemote, Apply: true, Fields: fields}, nil

	case StrategyLocalPriority:
		fields := copyFields(local.Fields)
		merged := false
		for name, value := range remote.Fields {
			if ownership[name] == OwnerRemote {
				// Hard rule: remote-owned fields always track remote.
				if !reflect.DeepEqual(fields[name], value) {
					fields[name] = value
					merged = true
				}
				continue
			}
			if _, exists := fields[name]; !exists {
				fields[name] = value
				merged = true
			}
		}
		winner := WinnerLocal
		if merged {
			winner = WinnerMerged
		}
		return Decision{Winner: winner, Apply: true, Fields: fields}, nil

	case StrategyNewestWins:
		if remote.UpdatedAt.After(local.LocalUpdatedAt) {
			fields := mergeRemoteOverLocal(remote.Fields, local.Fields, ownership)
			return Decision{Winner: WinnerRemote, Apply: true, Fields: fields}, nil
		}
		fields := copyFields(local.Fields)
		for name, value := range remote.Fields {
			if ownership[name] == OwnerRemote {
				fields[name] = value
			}
		}
		return Decision{Winner: WinnerLocal, Apply: true, Fields: fields}, nil

	case StrategyManual:
		if fieldsEquivalent(remote.Fields, local.Fields, ownership) {
			return Decision{Winner: WinnerLocal, Apply: false, Fields: copyFields(local.Fields)}, nil
		}
		return Decision{Winner: WinnerDeferred, Apply: false, ReviewPending: true, Fields: copyFields(local.Fields)}, nil

	default:
		return Decision{}, fmt.Errorf("unknown conflict strategy %q", strategy)
	}
}

// mergeRemoteOverLocal lays remote fields over the local row, preserving
// local-owned fields and any local field the remote payload doesn't carry.
func mergeRemoteOverLocal(remote, local map[string]any, ownership Ownership) map[string]any {
	fields := copyFields(local)
	for name, value := range remote {
		if ownership[name] == OwnerLocal {
			if _, exists := fields[name]; exists {
				continue
			}
		}
		fields[name] = value
	}
	return fields
}

// fieldsEquivalent compares the strategy-relevant projection of both sides:
// local-owned fields are excluded since remote never carries them
// authoritatively.
func fieldsEquivalent(remote, local map[string]any, ownership Ownership) bool {
	for name, value := range remote {
		if ownership[name] == OwnerLocal {
			continue
		}
		if !reflect.DeepEqual(local[name], value) {
			return false
		}
	}
	return true
}

func copyFields(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
