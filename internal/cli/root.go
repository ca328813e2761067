// Package cli implements the iamhere command line.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kabili207/iamhere-server/pkg/config"
	"github.com/kabili207/iamhere-server/pkg/logging"
	"github.com/kabili207/iamhere-server/pkg/models"
	"github.com/kabili207/iamhere-server/pkg/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
}

// NewRootCommand creates the root command for the iamhere CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "iamhere",
		Short:         "iamhere presence server",
		Long:          "Tracks who is connected and tells a user's contacts when they arrive somewhere.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML or TOML config file")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))
	cmd.AddCommand(NewUsersCommand(opts))
	cmd.AddCommand(NewContactsCommand(opts))
	cmd.AddCommand(NewRequestsCommand(opts))
	cmd.AddCommand(NewProbeCommand())

	return cmd
}

// load reads the configuration and installs the process logger.
func (o *RootOptions) load(cmd *cobra.Command) (config.Configuration, *slog.Logger, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return config.Configuration{}, nil, err
	}
	log := logging.New(cfg.Log, cmd.ErrOrStderr())
	slog.SetDefault(log)
	return cfg, log, nil
}

// openStores opens the database for the short-lived admin commands. Caches
// are disabled so every answer comes straight from the database.
func (o *RootOptions) openStores(cmd *cobra.Command) (*store.Stores, error) {
	cfg, _, err := o.load(cmd)
	if err != nil {
		return nil, err
	}
	db, err := store.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	return store.New(db, store.Options{}), nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func parseUserID(s string) (models.UserID, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid user id %q", s)
	}
	return models.UserID(id), nil
}
