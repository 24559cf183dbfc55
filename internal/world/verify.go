// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package world

import (
	"context"
	"errors"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// VerifyHierarchy scans every active entity of a world and reports violated
// hierarchy invariants. Descendants of a moved entity keep the path they had
// before the move and are reported as well; the report is advisory.
func (s *Service) VerifyHierarchy(ctx context.Context, subjectID string, worldID ulid.ULID) ([]HierarchyIssue, error) {
	if err := s.Authorize(ctx, subjectID, worldID); err != nil {
		return nil, err
	}

	byID := make(map[ulid.ULID]*Entity)
	var all []*Entity
	q := EntityQuery{WorldID: worldID, Parent: AllEntities(), Limit: s.maxLimit}
	for {
		rows, err := s.entities.List(ctx, q)
		if err != nil {
			return nil, oops.With("operation", "verify hierarchy").With("world_id", worldID.String()).Wrap(err)
		}
		for _, e := range rows {
			byID[e.ID] = e
			all = append(all, e)
		}
		if len(rows) < q.Limit {
			break
		}
		c := CursorAfter(rows[len(rows)-1])
		q.After = &c
	}

	var issues []HierarchyIssue
	for _, e := range all {
		var parent *Entity
		if e.ParentID != nil {
			parent = byID[*e.ParentID]
			if parent == nil {
				p, err := s.entities.Get(ctx, worldID, *e.ParentID)
				switch {
				case errors.Is(err, ErrNotFound):
				case err != nil:
					return nil, oops.Wrapf(err, "get parent %s", *e.ParentID)
				default:
					parent = p
				}
			}
			if parent != nil && parent.IsDeleted {
				issues = append(issues, HierarchyIssue{e.ID, "active entity under deleted parent " + parent.ID.String()})
			}
		}
		issues = append(issues, CheckHierarchy(e, parent)...)
	}
	return issues, nil
}
