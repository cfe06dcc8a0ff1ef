package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Manage organisations",
}

var tenantCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create an organisation owned by an existing account",
	Long: `Create an organisation owned by an existing account. The owner becomes
its admin and every section gets a General category.

Example:
  imsctl tenant create "Acme Ltd" --admin-email ops@acme.example`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		adminEmail, _ := cmd.Flags().GetString("admin-email")
		slug, _ := cmd.Flags().GetString("slug")
		if adminEmail == "" {
			return fmt.Errorf("--admin-email is required")
		}

		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		tenant, err := rt.service.ProvisionTenant(cmd.Context(), args[0], slug, adminEmail)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"id": tenant.ID, "name": tenant.Name, "slug": tenant.Slug})
	},
}

func init() {
	tenantCreateCmd.Flags().String("admin-email", "", "email of the account that administers the organisation")
	tenantCreateCmd.Flags().String("slug", "", "organisation slug, derived from the name when empty")
	tenantCmd.AddCommand(tenantCreateCmd)
	rootCmd.AddCommand(tenantCmd)
}
