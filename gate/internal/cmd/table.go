package cmd

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/amurg-ai/rolegate/pkg/cli"
)

var (
	colorPrimary = lipgloss.Color("#7C3AED") // violet
	colorSuccess = lipgloss.Color("#10B981") // emerald
	colorError   = lipgloss.Color("#EF4444") // red
	colorMuted   = lipgloss.Color("#6B7280") // gray-500

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	liveStyle   = cellStyle.Foreground(colorSuccess)
	staleStyle  = cellStyle.Foreground(colorError)
)

// renderTable writes rows under headers. style, when set, overrides the
// style of individual body cells.
func renderTable(w io.Writer, headers []string, rows [][]string, style func(row, col int) (lipgloss.Style, bool)) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorMuted)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if style != nil {
				if s, ok := style(row, col); ok {
					return s
				}
			}
			return cellStyle
		})
	_, _ = fmt.Fprintln(w, t.Render())
}

func prompter(cmd *cobra.Command) *cli.Prompter {
	return &cli.Prompter{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()}
}
