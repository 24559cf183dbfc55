// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"os"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/worldtree/internal/seed"
)

const defaultSeedTimeout = 30 * time.Second

func newSeedCmd(d *deps) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "seed FILE",
		Short: "Import a world outline from a YAML file",
		Long: `Creates the world and entities described by a YAML outline. Entities that
already exist under the same parent with the same name and type are kept,
so importing an outline again only adds what is missing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return oops.Code("SEED_READ_FAILED").With("path", args[0]).Wrap(err)
			}
			outline, err := seed.Parse(data)
			if err != nil {
				return oops.With("path", args[0]).Wrap(err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			cmd.SetContext(ctx)
			a, err := setup(cmd, d, dispatchQueued)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			importer := &seed.Importer{Worlds: a.backend.worlds, Service: a.world, Logger: a.logger}
			res, err := importer.Apply(ctx, outline)
			if err != nil {
				return err
			}
			verb := "updated"
			if res.WorldCreated {
				verb = "created"
			}
			cmd.Printf("world %s %s: %d entities created, %d already present\n",
				res.WorldID, verb, res.Created, res.Skipped)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", defaultSeedTimeout, "timeout for the whole import")
	return cmd
}
