package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/p402/facilitator/internal/auth"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage tenant API keys",
	}

	var (
		tenant string
		name   string
		ttl    time.Duration
		keyID  string
	)

	create := &cobra.Command{
		Use:   "create",
		Short: "Issue a new API key; the raw key is printed once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			m := auth.NewManager(auth.NewPostgresStore(db))
			raw, key, err := m.GenerateKey(cmd.Context(), tenant, name, ttl)
			if err != nil {
				return fmt.Errorf("create key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "id:     %s\ntenant: %s\nkey:    %s\n", key.ID, key.TenantID, raw)
			return nil
		},
	}
	create.Flags().StringVar(&tenant, "tenant", "", "tenant the key belongs to")
	create.Flags().StringVar(&name, "name", "default", "label for the key")
	create.Flags().DurationVar(&ttl, "ttl", 0, "key lifetime (0 never expires)")
	_ = create.MarkFlagRequired("tenant")

	list := &cobra.Command{
		Use:   "list",
		Short: "List a tenant's keys",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			keys, err := auth.NewManager(auth.NewPostgresStore(db)).ListKeys(cmd.Context(), tenant)
			if err != nil {
				return fmt.Errorf("list keys: %w", err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tCREATED\tREVOKED")
			for _, k := range keys {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", k.ID, k.Name, k.CreatedAt.Format(time.RFC3339), k.Revoked)
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&tenant, "tenant", "", "tenant to list")
	_ = list.MarkFlagRequired("tenant")

	revoke := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			if err := auth.NewManager(auth.NewPostgresStore(db)).RevokeKey(cmd.Context(), keyID, tenant); err != nil {
				return fmt.Errorf("revoke key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", keyID)
			return nil
		},
	}
	revoke.Flags().StringVar(&tenant, "tenant", "", "tenant owning the key")
	revoke.Flags().StringVar(&keyID, "id", "", "key id (ak_...)")
	_ = revoke.MarkFlagRequired("tenant")
	_ = revoke.MarkFlagRequired("id")

	cmd.AddCommand(create, list, revoke)
	return cmd
}
