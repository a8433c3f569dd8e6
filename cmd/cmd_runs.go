// cmd_runs.go - Laufuebersicht
// Hauptfunktionen: RunsHandler
package cmd

import (
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ursa-ml/ursa/envconfig"
	"github.com/ursa-ml/ursa/format"
	"github.com/ursa-ml/ursa/track"
)

// RunsHandler - Listet alle aufgezeichneten Laeufe auf
func RunsHandler(cmd *cobra.Command, args []string) error {
	st, err := track.Open(envconfig.Models())
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.Runs()
	if err != nil {
		return err
	}

	var data [][]string
	for _, r := range runs {
		if len(args) == 0 || strings.HasPrefix(strings.ToLower(r.Name), strings.ToLower(args[0])) {
			data = append(data, []string{r.ID[:8], r.Name, format.HumanTime(r.CreatedAt, "Never")})
		}
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "NAME", "CREATED"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	return nil
}

// newRunsCmd - Erstellt den runs Command
func newRunsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "runs",
		Aliases: []string{"ls"},
		Short:   "List recorded training runs",
		RunE:    RunsHandler,
	}
}
