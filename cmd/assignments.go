package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/sudankdk/icee/internal/model"
)

var assignmentsCmd = &cobra.Command{
	Use:   "assignments",
	Short: "List the assignments a server offers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var list []model.AssignmentSummary
		if err := newClient().getJSON(cmd.Context(), "/api/assignments", &list); err != nil {
			return fmt.Errorf("failed to list assignments: %w", err)
		}

		jsonOutput, _ := cmd.Flags().GetBool("json")
		if jsonOutput {
			data, _ := json.MarshalIndent(list, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME")
		for _, a := range list {
			fmt.Fprintf(w, "%s\t%s\n", a.ID, a.Name)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(assignmentsCmd)

	assignmentsCmd.Flags().Bool("json", false, "Output as JSON")
}
