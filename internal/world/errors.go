// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package world

import (
	"errors"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Sentinel errors forming the error taxonomy of the world store.
// Callers match them with errors.Is; the concrete error is always an oops
// error carrying a code and context.
var (
	// ErrNotFound is returned when a world or entity does not exist
	// (soft-deleted entities count as absent for normal reads).
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized is returned when the caller does not own the addressed world.
	// It is checked before, and masks, ErrNotFound for entities inside that world.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrConflict is returned when an optimistic-concurrency token does not match.
	// The caller should re-read and retry.
	ErrConflict = errors.New("concurrency conflict")

	// ErrInvalidOperation is returned when a structural precondition is violated.
	ErrInvalidOperation = errors.New("invalid operation")
)

// Error codes attached to oops errors.
const (
	CodeWorldNotFound       = "WORLD_NOT_FOUND"
	CodeEntityNotFound      = "ENTITY_NOT_FOUND"
	CodeParentNotFound      = "PARENT_NOT_FOUND"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeConcurrencyConflict = "CONCURRENCY_CONFLICT"
	CodeEntityExists        = "ENTITY_EXISTS"
	CodeHasChildren         = "HAS_CHILDREN"
	CodeCycleDetected       = "CYCLE_DETECTED"
	CodeInvalidCursor       = "INVALID_CURSOR"
	CodeSchemaVersion       = "SCHEMA_VERSION_UNSUPPORTED"
	CodeWorldExists         = "WORLD_EXISTS"
	CodeOperationNotFound   = "OPERATION_NOT_FOUND"
	CodeOperationExists     = "OPERATION_EXISTS"
	CodeOperationFinished   = "OPERATION_FINISHED"
)

// IsRetriable reports whether an operation that failed with err may succeed
// if attempted again without changing its input.
//
// Conflicts are retriable after a fresh read. Errors outside the taxonomy are
// treated as transient store failures.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConflict) {
		return true
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	return !errors.Is(err, ErrNotFound) &&
		!errors.Is(err, ErrUnauthorized) &&
		!errors.Is(err, ErrInvalidOperation)
}

// EntityNotFound builds the error a repository returns for a missing entity.
func EntityNotFound(worldID, id ulid.ULID) error {
	return entityNotFound(worldID.String(), id.String())
}

// OperationNotFound builds the error a repository returns for a missing operation.
func OperationNotFound(id ulid.ULID) error {
	return oops.Code(CodeOperationNotFound).With("operation_id", id.String()).Wrap(ErrNotFound)
}

// OperationFinished builds the error returned when saving over a terminal operation.
func OperationFinished(id ulid.ULID) error {
	return oops.Code(CodeOperationFinished).With("operation_id", id.String()).Wrap(ErrInvalidTransition)
}

// entityNotFound builds the error returned for a missing or soft-deleted entity.
func entityNotFound(worldID, id string) error {
	return oops.Code(CodeEntityNotFound).
		With("world_id", worldID).
		With("entity_id", id).
		Wrap(ErrNotFound)
}

// unauthorized builds the error returned when subjectID does not own the world.
func unauthorized(subjectID, worldID string) error {
	return oops.Code(CodeUnauthorized).
		With("subject_id", subjectID).
		With("world_id", worldID).
		Wrap(ErrUnauthorized)
}
