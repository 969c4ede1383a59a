package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fieldhouse/api/internal/authpw"
	"fieldhouse/api/internal/rbac"
	"fieldhouse/api/internal/store"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := openDB(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := store.ApplyMigrations(ctx, db, opts.cfg.MigrationsDir)
			if err != nil {
				return fmt.Errorf("apply migrations: %w", err)
			}
			if len(applied) == 0 {
				opts.log.Info("database is up to date")
				return nil
			}
			for _, version := range applied {
				opts.log.Info("migration applied", zap.String("version", version))
			}
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List applied migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := openDB(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			versions, err := store.AppliedMigrations(ctx, db)
			if err != nil {
				return err
			}
			for _, version := range versions {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			}
			return nil
		},
	})
	return cmd
}

func newDraftsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drafts",
		Short: "Manage staged drafts",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Delete drafts whose preview window has closed",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, dataStore, cat, err := openStore(ctx, opts.cfg, opts.log)
			if err != nil {
				return err
			}
			defer db.Close()

			purged, err := newContentService(opts.cfg, dataStore, cat, opts.log).PurgeExpiredDrafts(ctx)
			if err != nil {
				return fmt.Errorf("purge drafts: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d expired draft(s)\n", purged)
			return nil
		},
	})
	return cmd
}

type adminCreateOptions struct {
	Email    string
	Name     string
	Role     string
	Password string
}

func newAdminCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage local admin accounts",
	}

	create := &adminCreateOptions{}
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an admin account that signs in with email and password",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			password := create.Password
			if password == "" {
				password = os.Getenv("FIELDHOUSE_ADMIN_PASSWORD")
			}

			db, err := openDB(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			user, err := authpw.NewService(store.NewPostgresStore(db)).CreateAdmin(ctx, authpw.CreateAdminRequest{
				Email:       create.Email,
				Password:    password,
				DisplayName: create.Name,
				Role:        create.Role,
			})
			if errors.Is(err, store.ErrDuplicateEmail) {
				return fmt.Errorf("an account for %s already exists", strings.ToLower(create.Email))
			}
			if err != nil {
				return err
			}
			opts.log.Info("admin account created", zap.String("user_id", user.ID), zap.String("role", user.Role))
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s) as %s\n", user.Email, user.ID, user.Role)
			return nil
		},
	}
	createCmd.Flags().StringVar(&create.Email, "email", "", "sign-in email (required)")
	createCmd.Flags().StringVar(&create.Name, "name", "", "display name shown in history (required)")
	createCmd.Flags().StringVar(&create.Role, "role", "editor", "viewer, editor or admin")
	createCmd.Flags().StringVar(&create.Password, "password", "", "password; defaults to $FIELDHOUSE_ADMIN_PASSWORD")
	_ = createCmd.MarkFlagRequired("email")
	_ = createCmd.MarkFlagRequired("name")

	cmd.AddCommand(createCmd)
	cmd.AddCommand(newAdminListCommand(opts))
	cmd.AddCommand(newAdminSetRoleCommand(opts))
	cmd.AddCommand(newAdminDeactivateCommand(opts))
	return cmd
}

// withUserStore opens the database for a single admin command.
func withUserStore(cmd *cobra.Command, opts *rootOptions, fn func(*store.PostgresStore) error) error {
	db, err := openDB(cmd.Context(), opts.cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(store.NewPostgresStore(db))
}

func lookupAdmin(cmd *cobra.Command, st *store.PostgresStore, email string) (store.AdminUser, error) {
	user, err := st.GetAdminUserByEmail(cmd.Context(), email)
	if errors.Is(err, sql.ErrNoRows) {
		return store.AdminUser{}, fmt.Errorf("no account for %s", strings.ToLower(email))
	}
	return user, err
}

func newAdminListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List admin accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUserStore(cmd, opts, func(st *store.PostgresStore) error {
				users, err := st.ListAdminUsers(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tEMAIL\tNAME\tROLE\tSTATUS")
				for _, user := range users {
					status := "active"
					if user.DeactivatedAt != nil {
						status = "deactivated"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", user.ID, user.Email, user.DisplayName, user.Role, status)
				}
				return w.Flush()
			})
		},
	}
}

func newAdminSetRoleCommand(opts *rootOptions) *cobra.Command {
	var email, role string
	cmd := &cobra.Command{
		Use:   "set-role",
		Short: "Change the role of an admin account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !rbac.Valid(role) {
				return authpw.ErrInvalidRole
			}
			return withUserStore(cmd, opts, func(st *store.PostgresStore) error {
				user, err := lookupAdmin(cmd, st, email)
				if err != nil {
					return err
				}
				next := string(rbac.Normalize(role))
				if err := st.UpdateAdminRole(cmd.Context(), user.ID, next); err != nil {
					return err
				}
				opts.log.Info("admin role changed", zap.String("user_id", user.ID), zap.String("from", user.Role), zap.String("to", next))
				fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", user.Email, next)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email (required)")
	cmd.Flags().StringVar(&role, "role", "", "viewer, editor or admin (required)")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func newAdminDeactivateCommand(opts *rootOptions) *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "deactivate",
		Short: "Block an admin account from signing in",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUserStore(cmd, opts, func(st *store.PostgresStore) error {
				user, err := lookupAdmin(cmd, st, email)
				if err != nil {
					return err
				}
				if err := st.DeactivateAdminUser(cmd.Context(), user.ID); err != nil {
					return err
				}
				opts.log.Info("admin deactivated", zap.String("user_id", user.ID))
				fmt.Fprintf(cmd.OutOrStdout(), "deactivated %s\n", user.Email)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email (required)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}
