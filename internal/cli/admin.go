package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kabili207/iamhere-server/pkg/auth"
	"github.com/kabili207/iamhere-server/pkg/models"
	"github.com/kabili207/iamhere-server/pkg/store"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := rootOpts.load(cmd)
			if err != nil {
				return err
			}
			return store.Migrate(cfg.Database)
		},
	}
}

// TokenOptions holds flags for the token command.
type TokenOptions struct {
	*RootOptions
	TTL time.Duration
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a bearer token for an existing user",
		Long: `Mint a bearer token for an existing user, signed with jwt.secret.

Example:
  iamhere token 42
  iamhere token 42 --ttl 168h`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			cfg, _, err := opts.load(cmd)
			if err != nil {
				return err
			}
			db, err := store.Open(cfg.Database)
			if err != nil {
				return err
			}
			stores := store.New(db, store.Options{})
			defer stores.Close()

			user, err := stores.Users.GetByID(commandContext(cmd), id)
			if err != nil {
				return err
			}
			if user == nil {
				return fmt.Errorf("user %d does not exist", id)
			}

			token, err := auth.NewIssuer([]byte(cfg.JWT.Secret)).Issue(id, user.UserName, opts.TTL)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().DurationVar(&opts.TTL, "ttl", 24*time.Hour, "token lifetime; 0 issues a token that never expires")
	return cmd
}

// NewUsersCommand creates the users command group.
func NewUsersCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage user accounts",
	}

	var language string
	add := &cobra.Command{
		Use:   "add <username>",
		Short: "Create a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stores, err := rootOpts.openStores(cmd)
			if err != nil {
				return err
			}
			defer stores.Close()

			id, err := stores.Users.CreateUser(commandContext(cmd), args[0], language)
			if err != nil {
				return fmt.Errorf("creating user %q: %w", args[0], err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	add.Flags().StringVar(&language, "language", "en", "preferred language")

	del := &cobra.Command{
		Use:   "delete <user-id>",
		Short: "Delete a user; their outstanding tokens stop working",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			stores, err := rootOpts.openStores(cmd)
			if err != nil {
				return err
			}
			defer stores.Close()
			return stores.Users.DeleteUser(commandContext(cmd), id)
		},
	}

	cmd.AddCommand(add, del)
	return cmd
}

// NewContactsCommand creates the contacts command group.
func NewContactsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contacts",
		Short: "Manage who receives a user's arrivals",
	}

	pair := func(use, short string, fn func(ctx context.Context, s *store.Stores, owner, contact models.UserID) error) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <owner-id> <contact-id>",
			Short: short,
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				owner, err := parseUserID(args[0])
				if err != nil {
					return err
				}
				contact, err := parseUserID(args[1])
				if err != nil {
					return err
				}
				stores, err := rootOpts.openStores(cmd)
				if err != nil {
					return err
				}
				defer stores.Close()
				return fn(commandContext(cmd), stores, owner, contact)
			},
		}
	}

	add := pair("add", "Let contact receive owner's arrivals", func(ctx context.Context, s *store.Stores, owner, contact models.UserID) error {
		return s.Contacts.AddContact(ctx, owner, contact)
	})
	remove := pair("remove", "Stop contact receiving owner's arrivals", func(ctx context.Context, s *store.Stores, owner, contact models.UserID) error {
		return s.Contacts.RemoveContact(ctx, owner, contact)
	})

	list := &cobra.Command{
		Use:   "list <owner-id>",
		Short: "List the users who receive owner's arrivals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			stores, err := rootOpts.openStores(cmd)
			if err != nil {
				return err
			}
			defer stores.Close()

			ctx := commandContext(cmd)
			ids, err := stores.Contacts.GetContacts(ctx, owner)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUSERNAME")
			for _, id := range ids {
				name := "?"
				if u, err := stores.Users.GetByID(ctx, id); err == nil && u != nil {
					name = u.UserName
				}
				fmt.Fprintf(w, "%d\t%s\n", id, name)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(add, remove, list)
	return cmd
}

// NewRequestsCommand creates the requests command.
func NewRequestsCommand(rootOpts *RootOptions) *cobra.Command {
	var since time.Duration

	cmd := &cobra.Command{
		Use:   "requests <user-id>",
		Short: "Show location requests addressed to a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			stores, err := rootOpts.openStores(cmd)
			if err != nil {
				return err
			}
			defer stores.Close()

			reqs, err := stores.Events.ListLocationRequests(commandContext(cmd), target, time.Now().Add(-since))
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tFROM\tREQUESTED AT")
			for _, r := range reqs {
				fmt.Fprintf(w, "%d\t%d\t%s\n", r.ID, r.From, r.RequestedAt.UTC().Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "how far back to look")
	return cmd
}
