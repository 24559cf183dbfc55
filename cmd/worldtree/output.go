// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/worldtree/internal/world"
)

// operationView is the JSON form of a delete operation.
type operationView struct {
	ID              ulid.ULID   `json:"id"`
	WorldID         ulid.ULID   `json:"world_id"`
	RootEntityID    ulid.ULID   `json:"root_entity_id"`
	RootEntityName  string      `json:"root_entity_name"`
	TargetIDs       []ulid.ULID `json:"target_ids"`
	Status          string      `json:"status"`
	Cascade         bool        `json:"cascade"`
	TotalEntities   int         `json:"total_entities"`
	DeletedCount    int         `json:"deleted_count"`
	FailedCount     int         `json:"failed_count"`
	FailedEntityIDs []ulid.ULID `json:"failed_entity_ids,omitempty"`
	ErrorDetails    *string     `json:"error_details,omitempty"`
	RetryOf         *ulid.ULID  `json:"retry_of,omitempty"`
	CreatedBy       string      `json:"created_by"`
	CreatedAt       time.Time   `json:"created_at"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
}

func newOperationView(op *world.DeleteOperation) operationView {
	return operationView{
		ID:              op.ID,
		WorldID:         op.WorldID,
		RootEntityID:    op.RootEntityID,
		RootEntityName:  op.RootEntityName,
		TargetIDs:       op.TargetIDs,
		Status:          op.Status.String(),
		Cascade:         op.Cascade,
		TotalEntities:   op.TotalEntities,
		DeletedCount:    op.DeletedCount,
		FailedCount:     op.FailedCount,
		FailedEntityIDs: op.FailedEntityIDs,
		ErrorDetails:    op.ErrorDetails,
		RetryOf:         op.RetryOf,
		CreatedBy:       op.CreatedBy,
		CreatedAt:       op.CreatedAt,
		StartedAt:       op.StartedAt,
		CompletedAt:     op.CompletedAt,
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return oops.Code("OUTPUT_FAILED").Wrap(err)
	}
	return nil
}

// writeOperation prints one operation as JSON or as aligned key/value lines.
func writeOperation(w io.Writer, op *world.DeleteOperation, asJSON bool) error {
	if asJSON {
		return writeJSON(w, newOperationView(op))
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "OPERATION\t%s\n", op.ID)
	fmt.Fprintf(tw, "STATUS\t%s\n", op.Status)
	fmt.Fprintf(tw, "ROOT\t%s (%s)\n", op.RootEntityName, op.RootEntityID)
	fmt.Fprintf(tw, "CASCADE\t%t\n", op.Cascade)
	fmt.Fprintf(tw, "PROGRESS\t%s\n", progress(op))
	if op.RetryOf != nil {
		fmt.Fprintf(tw, "RETRY OF\t%s\n", *op.RetryOf)
	}
	for _, id := range op.FailedEntityIDs {
		fmt.Fprintf(tw, "FAILED\t%s\n", id)
	}
	if op.ErrorDetails != nil {
		fmt.Fprintf(tw, "DETAILS\t%s\n", *op.ErrorDetails)
	}
	fmt.Fprintf(tw, "CREATED\t%s by %s\n", op.CreatedAt.Format(time.RFC3339), op.CreatedBy)
	if op.CompletedAt != nil {
		fmt.Fprintf(tw, "COMPLETED\t%s\n", op.CompletedAt.Format(time.RFC3339))
	}
	return flush(tw)
}

// writeOperations prints operations as JSON or as a table, newest first.
func writeOperations(w io.Writer, ops []*world.DeleteOperation, asJSON bool) error {
	if asJSON {
		views := make([]operationView, 0, len(ops))
		for _, op := range ops {
			views = append(views, newOperationView(op))
		}
		return writeJSON(w, views)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "OPERATION\tSTATUS\tROOT\tPROGRESS\tCREATED")
	for _, op := range ops {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			op.ID, op.Status, op.RootEntityName, progress(op), op.CreatedAt.Format(time.RFC3339))
	}
	return flush(tw)
}

func progress(op *world.DeleteOperation) string {
	if op.Status == world.OperationPending {
		return "-"
	}
	s := fmt.Sprintf("%d/%d deleted", op.DeletedCount, op.TotalEntities)
	if op.FailedCount > 0 {
		s += fmt.Sprintf(", %d failed", op.FailedCount)
	}
	return s
}

func flush(tw *tabwriter.Writer) error {
	if err := tw.Flush(); err != nil {
		return oops.Code("OUTPUT_FAILED").Wrap(err)
	}
	return nil
}
