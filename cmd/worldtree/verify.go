// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
)

func newVerifyCmd(d *deps) *cobra.Command {
	return &cobra.Command{
		Use:   "verify WORLD_ID",
		Short: "Audit the hierarchy invariants of a world",
		Long: `Scan every active entity of a world and report entities whose depth, path
or has_children flag disagrees with their parent.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := actingUser(cmd)
			if err != nil {
				return err
			}
			ids, err := parseIDs(args, "world_id")
			if err != nil {
				return err
			}
			a, err := setup(cmd, d, dispatchQueued)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(cmd.Context()))

			issues, err := a.world.VerifyHierarchy(cmd.Context(), user, ids[0])
			if err != nil {
				return err
			}
			for _, issue := range issues {
				cmd.Println(issue.String())
			}
			if len(issues) > 0 {
				return oops.Code("HIERARCHY_INVALID").
					With("world_id", ids[0].String()).
					Errorf("%d hierarchy issues found", len(issues))
			}
			cmd.Println("hierarchy ok")
			return nil
		},
	}
}
