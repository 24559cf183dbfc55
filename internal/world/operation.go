// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package world

import (
	"errors"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// OperationStatus is the lifecycle state of a delete operation.
// The string values are a wire contract consumed by clients.
type OperationStatus string

// Operation statuses.
const (
	OperationPending    OperationStatus = "pending"
	OperationInProgress OperationStatus = "in_progress"
	OperationCompleted  OperationStatus = "completed"
	OperationPartial    OperationStatus = "partial"
	OperationFailed     OperationStatus = "failed"
)

// ErrInvalidTransition is returned when a status change is not allowed by the state machine.
var ErrInvalidTransition = errors.New("invalid operation status transition")

// allowedTransitions lists the forward edges of the state machine.
var allowedTransitions = map[OperationStatus][]OperationStatus{
	OperationPending:    {OperationInProgress, OperationFailed},
	OperationInProgress: {OperationCompleted, OperationPartial, OperationFailed},
}

// String returns the string representation of the status.
func (s OperationStatus) String() string {
	return string(s)
}

// Valid reports whether s is a known status.
func (s OperationStatus) Valid() bool {
	switch s {
	case OperationPending, OperationInProgress, OperationCompleted, OperationPartial, OperationFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further automatic transition can occur.
func (s OperationStatus) IsTerminal() bool {
	return s == OperationCompleted || s == OperationPartial || s == OperationFailed
}

// IsRetriable reports whether an operation in this status may be retried.
func (s OperationStatus) IsRetriable() bool {
	return s == OperationPartial || s == OperationFailed
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s OperationStatus) CanTransitionTo(next OperationStatus) bool {
	return slices.Contains(allowedTransitions[s], next)
}

// DeleteOperation tracks one cascading-delete attempt.
type DeleteOperation struct {
	ID             ulid.ULID
	WorldID        ulid.ULID
	RootEntityID   ulid.ULID
	RootEntityName string
	// TargetIDs are the sub-roots discovery starts from.
	TargetIDs []ulid.ULID
	Status    OperationStatus
	Cascade   bool

	TotalEntities   int
	DeletedCount    int
	FailedCount     int
	FailedEntityIDs []ulid.ULID
	ErrorDetails    *string

	RetryOf     *ulid.ULID
	CreatedBy   string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Transition moves the operation to next, stamping StartedAt/CompletedAt.
func (op *DeleteOperation) Transition(next OperationStatus, at time.Time) error {
	if !op.Status.CanTransitionTo(next) {
		return oops.Code("INVALID_TRANSITION").
			With("operation_id", op.ID.String()).
			With("from", op.Status.String()).
			With("to", next.String()).
			Wrap(ErrInvalidTransition)
	}
	op.Status = next
	at = at.UTC().Truncate(TokenPrecision)
	if next == OperationInProgress {
		op.StartedAt = &at
	}
	if next.IsTerminal() {
		op.CompletedAt = &at
	}
	return nil
}

// TerminalStatus computes the final status from the counters.
func (op *DeleteOperation) TerminalStatus() OperationStatus {
	switch {
	case op.FailedCount == 0:
		return OperationCompleted
	case op.DeletedCount > 0:
		return OperationPartial
	default:
		return OperationFailed
	}
}

// MarkFailed records id as failed. A repeated id is ignored so that the
// failed set and FailedCount stay equal.
func (op *DeleteOperation) MarkFailed(id ulid.ULID) bool {
	if slices.Contains(op.FailedEntityIDs, id) {
		return false
	}
	op.FailedEntityIDs = append(op.FailedEntityIDs, id)
	op.FailedCount = len(op.FailedEntityIDs)
	return true
}

// SetError stores the error details message.
func (op *DeleteOperation) SetError(details string) {
	op.ErrorDetails = &details
}

// Clone returns a deep copy of the operation.
func (op *DeleteOperation) Clone() *DeleteOperation {
	c := *op
	c.TargetIDs = slices.Clone(op.TargetIDs)
	c.FailedEntityIDs = slices.Clone(op.FailedEntityIDs)
	if op.ErrorDetails != nil {
		d := *op.ErrorDetails
		c.ErrorDetails = &d
	}
	if op.RetryOf != nil {
		r := *op.RetryOf
		c.RetryOf = &r
	}
	if op.StartedAt != nil {
		s := *op.StartedAt
		c.StartedAt = &s
	}
	if op.CompletedAt != nil {
		t := *op.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
