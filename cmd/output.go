package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/nextlevelbuilder/agentengine/internal/store"
)

var (
	styleGreen  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	styleYellow = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleRed    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	styleGray   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleBold   = lipgloss.NewStyle().Bold(true)
)

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// styleStatus colors a cycle status. Styled cells go in the last table
// column so escape codes do not disturb tabwriter alignment.
func styleStatus(s store.Status) string {
	switch s {
	case store.StatusSuccess:
		return styleGreen.Render(string(s))
	case store.StatusRateLimit:
		return styleYellow.Render(string(s))
	case store.StatusError:
		return styleRed.Render(string(s))
	}
	return string(s)
}

// truncateStr shortens s to max display columns, counting wide runes as two.
// Newlines are flattened so one record stays on one row.
func truncateStr(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	return runewidth.Truncate(s, max, "...")
}
