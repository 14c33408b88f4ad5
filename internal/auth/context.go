// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	operatorIDKey contextKey = "operator_id"
	roleKey       contextKey = "role"
)

// SetOperatorID sets the authenticated operator ID in the context.
func SetOperatorID(ctx context.Context, operatorID string) context.Context {
	return context.WithValue(ctx, operatorIDKey, operatorID)
}

// GetOperatorID retrieves the authenticated operator ID from the context.
func GetOperatorID(ctx context.Context) (string, bool) {
	operatorID, ok := ctx.Value(operatorIDKey).(string)
	return operatorID, ok
}

// SetRole sets the operator role in the context.
func SetRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleKey, role)
}

// GetRole retrieves the operator role from the context.
func GetRole(ctx context.Context) (string, bool) {
	role, ok := ctx.Value(roleKey).(string)
	return role, ok
}

// SetAuthContext sets both operator ID and role in the context.
func SetAuthContext(ctx context.Context, operatorID, role string) context.Context {
	ctx = SetOperatorID(ctx, operatorID)
	ctx = SetRole(ctx, role)
	return ctx
}
