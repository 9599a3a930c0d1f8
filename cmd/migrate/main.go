// Command migrate applies the embedded schema migrations and seeds the first
// owner account.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"agrivet.store/internal/audit"
	"agrivet.store/internal/auth"
	"agrivet.store/internal/migrate"
	"agrivet.store/internal/obs"
	"agrivet.store/internal/store/pg"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("AGRIVET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the Agrivet auth database schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("dsn", "", "PostgreSQL DSN (env AGRIVET_DATABASE_DSN)")
	root.PersistentFlags().Duration("timeout", 30*time.Second, "overall command timeout")
	_ = v.BindPFlag("database.dsn", root.PersistentFlags().Lookup("dsn"))
	_ = v.BindPFlag("timeout", root.PersistentFlags().Lookup("timeout"))

	withManager := func(fn func(ctx context.Context, cmd *cobra.Command, mgr *migrate.Manager) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), v, func(ctx context.Context, st *pg.Store) error {
				mgr, err := migrate.NewManager(st.DB())
				if err != nil {
					return err
				}
				return fn(ctx, cmd, mgr)
			})
		}
	}

	root.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: withManager(func(ctx context.Context, cmd *cobra.Command, mgr *migrate.Manager) error {
			applied, err := mgr.Up(ctx)
			if err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no pending migrations")
			}
			for _, name := range applied {
				fmt.Fprintln(cmd.OutOrStdout(), "applied", name)
			}
			return nil
		}),
	})
	root.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the latest migration",
		RunE: withManager(func(ctx context.Context, cmd *cobra.Command, mgr *migrate.Manager) error {
			name, err := mgr.Down(ctx)
			if err != nil {
				return fmt.Errorf("migrate down: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "rolled back", name)
			return nil
		}),
	})
	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print migration status",
		RunE: withManager(func(ctx context.Context, cmd *cobra.Command, mgr *migrate.Manager) error {
			lines, err := mgr.Status(ctx)
			if err != nil {
				return fmt.Errorf("migrate status: %w", err)
			}
			for _, line := range lines {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		}),
	})
	root.AddCommand(newBootstrapOwnerCmd(v))
	return root
}

func newBootstrapOwnerCmd(v *viper.Viper) *cobra.Command {
	var (
		email       string
		password    string
		branch      string
		displayName string
		cost        int
	)
	cmd := &cobra.Command{
		Use:   "bootstrap-owner",
		Short: "Create the first owner account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if password == "" {
				password = os.Getenv("AGRIVET_BOOTSTRAP_PASSWORD")
			}
			ident, err := auth.NewIdentity(email, password, displayName, auth.RoleOwner, branch, cost, time.Now())
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), v, func(ctx context.Context, st *pg.Store) error {
				if err := st.Identities().Create(ctx, ident); err != nil {
					if errors.Is(err, auth.ErrConflict) {
						return fmt.Errorf("an account for %s already exists", ident.Email)
					}
					return err
				}
				logger, err := obs.NewLogger("info")
				if err != nil {
					return err
				}
				defer func() { _ = logger.Sync() }()
				audit.NewRecorder(logger, audit.WithSink(st.Audit())).Record(ctx, audit.Entry{
					ActorID:     ident.ID,
					Action:      "identity_create",
					Description: "owner bootstrapped from the command line",
					Role:        string(ident.Role),
					BranchID:    ident.BranchID,
					EntityType:  "identity",
					EntityID:    ident.ID,
					Outcome:     audit.OutcomeSuccess,
					SourceAddr:  "cli",
				})
				logger.Info("owner created", zap.String("id", ident.ID), zap.String("email", ident.Email))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "owner email")
	cmd.Flags().StringVar(&password, "password", "", "owner password (or AGRIVET_BOOTSTRAP_PASSWORD)")
	cmd.Flags().StringVar(&branch, "branch", "", "home branch id")
	cmd.Flags().StringVar(&displayName, "name", "Owner", "display name")
	cmd.Flags().IntVar(&cost, "bcrypt-cost", 12, "bcrypt cost")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func withStore(ctx context.Context, v *viper.Viper, fn func(context.Context, *pg.Store) error) error {
	dsn := v.GetString("database.dsn")
	if dsn == "" {
		return errors.New("missing DSN: provide --dsn or AGRIVET_DATABASE_DSN")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, v.GetDuration("timeout"))
	defer cancel()

	st, err := pg.Open(dsn)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return fn(ctx, st)
}
