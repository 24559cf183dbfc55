// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/worldtree/internal/config"
	"github.com/holomush/worldtree/internal/logging"
	"github.com/holomush/worldtree/internal/world"
	"github.com/holomush/worldtree/internal/xdg"
)

const serviceName = "worldtree"

// deps holds injectable dependencies for the subcommands.
// Nil fields use their default implementations.
type deps struct {
	// openBackend connects to the configured store.
	// Default: openBackend
	openBackend func(ctx context.Context, cfg *config.Config) (*backend, error)

	// newMigrator creates the schema migrator.
	// Default: store.NewMigrator
	newMigrator migratorFactory
}

// NewRootCmd creates the root command for the worldtree CLI.
func NewRootCmd() *cobra.Command {
	return newRootCmd(nil)
}

func newRootCmd(d *deps) *cobra.Command {
	if d == nil {
		d = &deps{}
	}
	if d.openBackend == nil {
		d.openBackend = openBackend
	}
	if d.newMigrator == nil {
		d.newMigrator = defaultMigrator
	}

	cmd := &cobra.Command{
		Use:   "worldtree",
		Short: "Hierarchical world entity store",
		Long: `worldtree stores the entities of owned worlds as a tree and deletes
whole subtrees asynchronously, tracking each delete as an operation.`,
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "config file path (default "+xdg.ConfigFile()+" if present)")
	flags.String("user", "", "acting user ID; must own the addressed world")
	config.RegisterFlags(flags)

	cmd.AddCommand(
		newServeCmd(d),
		newMigrateCmd(d),
		newSeedCmd(d),
		newDeleteCmd(d),
		newStatusCmd(d),
		newRetryCmd(d),
		newVerifyCmd(d),
	)
	return cmd
}

// loadConfig loads the configuration named by --config, or the XDG config file
// when the flag is unset, overridden by any configuration flags set on the
// command line.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, oops.Wrap(err)
	}
	if path == "" {
		if path, err = xdg.ExistingConfigFile(); err != nil {
			return nil, err
		}
	}
	return config.Load(path, cmd.Flags())
}

// newLogger builds the command logger on the command's error stream.
func newLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	return logging.Setup(logging.Options{
		Service: serviceName,
		Version: version,
		Format:  cfg.Log.Format,
		Level:   cfg.Log.Level,
	}, cmd.ErrOrStderr())
}

// setup loads the configuration and wires the service graph.
func setup(cmd *cobra.Command, d *deps, mode dispatchMode) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return newApp(cmd.Context(), cfg, newLogger(cmd, cfg), d, mode)
}

// actingUser returns the --user flag, which commands acting on a world require.
func actingUser(cmd *cobra.Command) (string, error) {
	user, err := cmd.Flags().GetString("user")
	if err != nil {
		return "", oops.Wrap(err)
	}
	if user == "" {
		return "", oops.Code("USER_REQUIRED").Errorf("--user is required")
	}
	return user, nil
}

// parseIDs parses positional ULID arguments, naming each by field in errors.
func parseIDs(args []string, fields ...string) ([]ulid.ULID, error) {
	ids := make([]ulid.ULID, 0, len(args))
	for i, arg := range args {
		field := "id"
		if i < len(fields) {
			field = fields[i]
		}
		id, err := world.ParseID(field, arg)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
