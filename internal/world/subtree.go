// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package world

import (
	"context"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Descendants returns the active descendants of rootIDs in breadth-first order,
// excluding the roots themselves. A node reachable from several roots is
// returned once. Traversal follows parent IDs, not materialized paths, so it
// stays correct after moves.
func Descendants(ctx context.Context, repo EntityRepository, worldID ulid.ULID, rootIDs ...ulid.ULID) ([]*Entity, error) {
	var out []*Entity
	seen := make(map[ulid.ULID]bool, len(rootIDs))
	queue := make([]ulid.ULID, 0, len(rootIDs))
	for _, id := range rootIDs {
		if !seen[id] {
			seen[id] = true
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, oops.With("operation", "discover descendants").Wrap(err)
		}
		parentID := queue[0]
		queue = queue[1:]
		children, err := repo.ListChildren(ctx, worldID, parentID)
		if err != nil {
			return nil, oops.With("operation", "discover descendants").
				With("parent_id", parentID.String()).
				Wrap(err)
		}
		for _, c := range children {
			if seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			out = append(out, c)
			queue = append(queue, c.ID)
		}
	}
	return out, nil
}
