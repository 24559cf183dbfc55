// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package world

import (
	"fmt"
	"slices"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// PlaceUnder sets the entity's parent, path and depth from parent.
// A nil parent makes the entity a root.
func PlaceUnder(e *Entity, parent *Entity) {
	if parent == nil {
		e.ParentID = nil
		e.Path = []ulid.ULID{}
		e.Depth = 0
		return
	}
	pid := parent.ID
	e.ParentID = &pid
	e.Path = ChildPath(parent)
	e.Depth = len(e.Path)
}

// ChildPath returns the materialized path a direct child of parent must carry.
func ChildPath(parent *Entity) []ulid.ULID {
	path := make([]ulid.ULID, 0, len(parent.Path)+1)
	path = append(path, parent.Path...)
	return append(path, parent.ID)
}

// ValidateMove checks that moving e under newParent cannot create a cycle.
// newParent may be nil (move to root). Only newParent's stored path is
// consulted; it can be stale after an earlier move, so callers that persist the
// move also walk the parent chain.
func ValidateMove(e *Entity, newParent *Entity) error {
	if newParent == nil {
		return nil
	}
	if newParent.ID == e.ID {
		return oops.Code(CodeCycleDetected).
			With("entity_id", e.ID.String()).
			Wrapf(ErrInvalidOperation, "cannot move entity under itself")
	}
	if slices.Contains(newParent.Path, e.ID) {
		return oops.Code(CodeCycleDetected).
			With("entity_id", e.ID.String()).
			With("new_parent_id", newParent.ID.String()).
			Wrapf(ErrInvalidOperation, "cannot move entity into its own subtree")
	}
	if newParent.WorldID != e.WorldID {
		return oops.Code(CodeParentNotFound).
			With("entity_id", e.ID.String()).
			With("new_parent_id", newParent.ID.String()).
			Wrap(ErrNotFound)
	}
	return nil
}

// HierarchyIssue describes one violated hierarchy invariant.
type HierarchyIssue struct {
	EntityID ulid.ULID
	Message  string
}

func (i HierarchyIssue) String() string {
	return fmt.Sprintf("%s: %s", i.EntityID, i.Message)
}

// CheckHierarchy verifies the path/depth invariants of e against its parent.
// parent must be nil exactly when e is a root.
func CheckHierarchy(e *Entity, parent *Entity) []HierarchyIssue {
	var issues []HierarchyIssue
	if e.Depth != len(e.Path) {
		issues = append(issues, HierarchyIssue{e.ID, fmt.Sprintf("depth %d does not match path length %d", e.Depth, len(e.Path))})
	}
	if parent == nil {
		if e.ParentID != nil {
			issues = append(issues, HierarchyIssue{e.ID, "parent " + e.ParentID.String() + " is missing"})
		} else if len(e.Path) != 0 {
			issues = append(issues, HierarchyIssue{e.ID, "root entity has a non-empty path"})
		}
		return issues
	}
	if !slices.Equal(e.Path, ChildPath(parent)) {
		issues = append(issues, HierarchyIssue{e.ID, "path does not extend the parent's path"})
	}
	if !parent.IsDeleted && !e.IsDeleted && !parent.HasChildren {
		issues = append(issues, HierarchyIssue{parent.ID, "has_children is false but an active child exists"})
	}
	return issues
}
