package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var energyCmd = &cobra.Command{
	Use:   "energy",
	Short: "Manage energy readings",
}

var energyImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Import energy readings from CSV",
	Long: `Import energy readings from a CSV file with the columns site, source,
period, quantity and unit, plus optional cost and notes. Existing readings
for the same site, source and month are replaced.

Example:
  imsctl energy import readings.csv --tenant acme-ltd`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		slug, _ := cmd.Flags().GetString("tenant")
		if slug == "" {
			return fmt.Errorf("--tenant is required")
		}
		file, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer file.Close()

		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		session, err := rt.service.TenantSession(cmd.Context(), slug)
		if err != nil {
			return fmt.Errorf("tenant %q: %w", slug, err)
		}
		payload, err := rt.service.ImportReadings(cmd.Context(), session, file)
		if err != nil {
			return err
		}
		return printJSON(payload["result"])
	},
}

func init() {
	energyImportCmd.Flags().String("tenant", "", "organisation slug")
	energyCmd.AddCommand(energyImportCmd)
	rootCmd.AddCommand(energyCmd)
}
