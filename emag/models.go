// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package emag implements the HTTP client for the eMAG marketplace API:
// paginated resource fetches, order acknowledgement write-backs, a typed
// error taxonomy and bounded retry with exponential backoff.
package emag

import (
	"encoding/json"
	"fmt"
	"time"
)

// AccountID names one set of seller credentials. MAIN and FBE are synced
// independently and never share state.
type AccountID string

const (
	AccountMain AccountID = "MAIN"
	AccountFBE  AccountID = "FBE"
)

// Remote resource paths. Products belong to the bulk rate-limit class,
// orders to the order class.
const (
	ResourceProducts = "product_offer"
	ResourceOrders   = "order"
)

// Record is one remote entity within a page. The remote payload is flat
// JSON; "id" and "updated_at" are lifted out, every other key is kept in
// Fields for conflict resolution.
type Record struct {
	ExternalID string
	UpdatedAt  time.Time
	Fields     map[string]any
}

// Page is the wire shape of a paginated GET response.
type Page struct {
	Records []Record `json:"records"`
	HasMore bool     `json:"has_more"`
}

// UnmarshalJSON decodes a flat remote record, splitting identity and
// timestamp from the business fields.
func (r *Record) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	idRaw, ok := raw["id"]
	if !ok {
		return fmt.Errorf("remote record is missing required field \"id\"")
	}
	if err := json.Unmarshal(idRaw, &r.ExternalID); err != nil {
		// Some resources ship numeric identifiers.
		var numeric int64
		if numErr := json.Unmarshal(idRaw, &numeric); numErr != nil {
			return fmt.Errorf("remote record has invalid \"id\": %w", err)
		}
		r.ExternalID = fmt.Sprintf("%d", numeric)
	}
	delete(raw, "id")

	if tsRaw, ok := raw["updated_at"]; ok {
		if err := json.Unmarshal(tsRaw, &r.UpdatedAt); err != nil {
			return fmt.Errorf("remote record %s has invalid \"updated_at\": %w", r.ExternalID, err)
		}
		delete(raw, "updated_at")
	}

	r.Fields = make(map[string]any, len(raw))
	for key, value := range raw {
		var decoded any
		if err := json.Unmarshal(value, &decoded); err != nil {
			return fmt.Errorf("remote record %s has invalid field %q: %w", r.ExternalID, key, err)
		}
		r.Fields[key] = decoded
	}
	return nil
}

// MarshalJSON restores the flat wire shape; used by tests and fixtures.
func (r Record) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(r.Fields)+2)
	for key, value := range r.Fields {
		flat[key] = value
	}
	flat["id"] = r.ExternalID
	if !r.UpdatedAt.IsZero() {
		flat["updated_at"] = r.UpdatedAt
	}
	return json.Marshal(flat)
}
