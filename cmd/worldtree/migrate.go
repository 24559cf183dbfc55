// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"strconv"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/worldtree/internal/config"
	"github.com/holomush/worldtree/internal/store"
)

// schemaMigrator is the subset of store.Migrator used by the migrate commands.
type schemaMigrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Version() (uint, bool, error)
	Force(version int) error
	Pending() ([]uint, error)
	Close() error
}

// migratorFactory creates the migrator for a database URL.
type migratorFactory func(databaseURL string) (schemaMigrator, error)

func defaultMigrator(databaseURL string) (schemaMigrator, error) {
	return store.NewMigrator(databaseURL)
}

func newMigrateCmd(d *deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
		Long: `Apply, roll back or inspect the PostgreSQL schema. The mongo driver
creates its indexes on connect and the memory driver has no schema.`,
	}

	run := func(fn func(cmd *cobra.Command, m schemaMigrator, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Store.Driver != config.DriverPostgres {
				return oops.Code("MIGRATION_UNSUPPORTED").
					With("driver", cfg.Store.Driver).
					Errorf("migrations apply to the %s driver only", config.DriverPostgres)
			}
			m, err := d.newMigrator(cfg.Store.DatabaseURL)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := m.Close(); cerr != nil {
					cmd.PrintErrf("warning: close migrator: %v\n", cerr)
				}
			}()
			return fn(cmd, m, args)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, m schemaMigrator, _ []string) error {
			if err := m.Up(); err != nil {
				return err
			}
			return printVersion(cmd, m)
		}),
	})

	var confirm bool
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back every migration, dropping all world data",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, m schemaMigrator, _ []string) error {
			if !confirm {
				return oops.Code("CONFIRMATION_REQUIRED").Errorf("down drops all data; pass --yes to confirm")
			}
			if err := m.Down(); err != nil {
				return err
			}
			return printVersion(cmd, m)
		}),
	}
	down.Flags().BoolVar(&confirm, "yes", false, "confirm dropping all data")
	cmd.AddCommand(down)

	cmd.AddCommand(&cobra.Command{
		Use:   "steps N",
		Short: "Apply N migrations; a negative N rolls back",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(cmd *cobra.Command, m schemaMigrator, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return oops.Code("INVALID_STEPS").With("steps", args[0]).Wrap(err)
			}
			if err := m.Steps(n); err != nil {
				return err
			}
			return printVersion(cmd, m)
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show the applied schema version and pending migrations",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, m schemaMigrator, _ []string) error {
			if err := printVersion(cmd, m); err != nil {
				return err
			}
			pending, err := m.Pending()
			if err != nil {
				return err
			}
			for _, v := range pending {
				name, err := store.MigrationName(v)
				if err != nil {
					return err
				}
				cmd.Printf("pending: %s\n", name)
			}
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "force VERSION",
		Short: "Mark VERSION as applied without running it, clearing the dirty flag",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(cmd *cobra.Command, m schemaMigrator, args []string) error {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return oops.Code("INVALID_VERSION").With("version", args[0]).Wrap(err)
			}
			if err := m.Force(v); err != nil {
				return err
			}
			return printVersion(cmd, m)
		}),
	})

	return cmd
}

func printVersion(cmd *cobra.Command, m schemaMigrator) error {
	v, dirty, err := m.Version()
	if err != nil {
		return err
	}
	state := ""
	if dirty {
		state = " (dirty)"
	}
	cmd.Printf("schema version: %d%s\n", v, state)
	return nil
}
