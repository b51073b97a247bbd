package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"prism-board/domain"
)

const laneWidth = 24

var (
	laneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1).
			Width(laneWidth)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func renderBoard(tasks []domain.Task) string {
	lanes := domain.Board(tasks)
	cols := make([]string, 0, len(domain.Statuses()))
	for _, st := range domain.Statuses() {
		cols = append(cols, renderLane(st, lanes[st]))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, cols...)
}

func renderLane(st domain.Status, tasks []domain.Task) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%s (%d)", st, len(tasks))))
	if len(tasks) == 0 {
		b.WriteString("\n" + dimStyle.Render("empty"))
	}
	for _, t := range tasks {
		b.WriteString(fmt.Sprintf("\n%d. %s", t.OrderIndex, truncate(t.Title, laneWidth-6)))
		b.WriteString("\n   " + dimStyle.Render(shortID(t.ID)))
	}
	return laneStyle.Render(b.String())
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
