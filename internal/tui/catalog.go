// Package tui renders the terminal client: a format table and a live
// progress view for one job.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/lvcoi/ytdl-web/internal/catalog"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#0B0B0B")).
			Background(lipgloss.Color("#7FDBFF")).
			Bold(true).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F8F8F2")).
			Bold(true)

	combinedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00F5D4"))

	sentinelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFD166"))

	rowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EAEAEA"))

	faintStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#A6ADC8")).
			Faint(true)

	tableStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#7FDBFF")).
			Padding(0, 1)
)

// Info is the header shown above the format table.
type Info struct {
	Title    string
	Uploader string
	Duration string
}

// RenderCatalog draws the reconciled formats as a bordered table.
func RenderCatalog(info Info, entries []catalog.Entry) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(info.Title))
	b.WriteString("\n")
	b.WriteString(faintStyle.Render(fmt.Sprintf("%s · %s", info.Uploader, info.Duration)))
	b.WriteString("\n")

	var rows strings.Builder
	rows.WriteString(headerStyle.Render(fmt.Sprintf("%-18s %-5s %-22s %-12s %s", "format", "ext", "resolution", "size", "type")))
	for _, e := range entries {
		line := fmt.Sprintf("%-18s %-5s %-22s %-12s %s", e.FormatID, e.Ext, e.Resolution, e.Filesize, e.Type)
		style := rowStyle
		switch {
		case e.FormatID == catalog.BestVideo.FormatID || e.FormatID == catalog.BestAudio.FormatID:
			style = sentinelStyle
		case e.IsCombined():
			style = combinedStyle
		}
		rows.WriteString("\n")
		rows.WriteString(style.Render(line))
	}
	b.WriteString(tableStyle.Render(rows.String()))
	b.WriteString("\n")
	return b.String()
}
