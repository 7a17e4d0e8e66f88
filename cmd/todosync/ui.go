package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/localfirst/todosync/internal/todo"
)

var (
	idStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	doneStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	openStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	faintStyle = lipgloss.NewStyle().Faint(true)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
)

func init() {
	// Degrade to plain text when stdout is not a color-capable terminal.
	if termenv.DefaultOutput().Profile == termenv.Ascii {
		plain := lipgloss.NewStyle()
		idStyle, doneStyle, openStyle = plain, plain, plain
		faintStyle, errStyle, okStyle = plain, plain, plain
	}
}

func renderID(id string) string {
	return idStyle.Render(id)
}

func renderOK(msg string) string {
	return okStyle.Render(msg)
}

func renderError(msg string) string {
	return errStyle.Render(msg)
}

// renderTodoLine formats one todo for list output:
//
//	[x] todo_abc123  Buy milk  (2h ago)
func renderTodoLine(t todo.Todo) string {
	mark := openStyle.Render("[ ]")
	if t.Completed {
		mark = doneStyle.Render("[x]")
	}

	title := t.Title
	if t.Completed {
		title = faintStyle.Render(title)
	}

	return fmt.Sprintf("%s %s  %s  %s",
		mark, renderID(t.ID), title, faintStyle.Render("("+relativeTime(t.CreatedAt)+")"))
}

// renderTodoDetail formats one todo in full for show output.
func renderTodoDetail(t todo.Todo) string {
	var b strings.Builder

	status := openStyle.Render("open")
	if t.Completed {
		status = doneStyle.Render("completed")
	}

	fmt.Fprintf(&b, "%s  %s\n", renderID(t.ID), status)
	fmt.Fprintf(&b, "Title:       %s\n", t.Title)
	if t.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", t.Description)
	}
	fmt.Fprintf(&b, "Created:     %s\n", t.CreatedAt.Local().Format(time.RFC1123))
	fmt.Fprintf(&b, "Updated:     %s\n", t.UpdatedAt.Local().Format(time.RFC1123))
	return b.String()
}

// relativeTime renders a timestamp as a coarse age like "3d ago".
func relativeTime(ts time.Time) string {
	d := time.Since(ts)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
