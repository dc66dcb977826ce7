package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Table renders rows under a header. Without a terminal it falls back to
// plain borders so output stays greppable.
func Table(headers []string, rows [][]string) string {
	border := lipgloss.RoundedBorder()
	if !IsTerminal() {
		border = lipgloss.HiddenBorder()
	}

	t := table.New().
		Border(border).
		BorderStyle(MutedStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return HeaderStyle.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
	return t.Render()
}
