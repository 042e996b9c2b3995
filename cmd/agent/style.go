package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/OGODEVO/ex-machina/internal/domain"
)

// Adaptive palette; lipgloss drops colour when NO_COLOR is set.
var (
	colorSuccess = lipgloss.AdaptiveColor{Light: "#2e7d32", Dark: "#66bb6a"}
	colorError   = lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#ef5350"}
	colorWarning = lipgloss.AdaptiveColor{Light: "#e65100", Dark: "#ffa726"}
	colorInfo    = lipgloss.AdaptiveColor{Light: "#0277bd", Dark: "#4fc3f7"}
	colorAccent  = lipgloss.AdaptiveColor{Light: "#6a1b9a", Dark: "#ce93d8"}
	colorMuted   = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9e9e9e"}
)

var (
	styleBold    = lipgloss.NewStyle().Bold(true)
	styleDim     = lipgloss.NewStyle().Faint(true)
	styleSuccess = lipgloss.NewStyle().Foreground(colorSuccess).Bold(true)
	styleError   = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	styleWarning = lipgloss.NewStyle().Foreground(colorWarning).Bold(true)
	styleInfo    = lipgloss.NewStyle().Foreground(colorInfo)
	styleAgent   = lipgloss.NewStyle().Foreground(colorAccent).Bold(true)
	styleMuted   = lipgloss.NewStyle().Foreground(colorMuted)

	styleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorInfo).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(colorMuted)
)

// statusStyle colours a coordination status.
func statusStyle(status string) lipgloss.Style {
	switch status {
	case domain.StatusDone:
		return styleSuccess
	case domain.StatusBlocked, domain.StatusTimedOut:
		return styleWarning
	case domain.StatusFailed:
		return styleError
	default:
		return styleMuted
	}
}

// renderMarkdown renders md for the terminal, falling back to the raw text
// when no renderer can be built.
func renderMarkdown(md string, width int) string {
	if width <= 0 {
		width = 100
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return out
}

func printAgentReply(w io.Writer, agent, text string) {
	fmt.Fprintf(w, "%s %s\n", styleAgent.Render(agent+":"), strings.TrimSpace(renderMarkdown(text, 0)))
}

func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "%s %v\n", styleError.Render("error:"), err)
}

func printAgents(w io.Writer, statuses []domain.AgentStatus, online []domain.OnlineAgent) {
	fmt.Fprintln(w, styleHeader.Render("Agents"))
	if len(statuses) == 0 && len(online) == 0 {
		fmt.Fprintln(w, styleDim.Render("  none"))
		return
	}
	local := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		local[s.ID] = true
		state := styleSuccess.Render("ready")
		if s.Draining {
			state = styleInfo.Render("busy")
		}
		fmt.Fprintf(w, "  %s %s  %s  %s\n",
			styleAgent.Render(s.ID),
			styleDim.Render("("+s.Name+")"),
			styleMuted.Render(s.Endpoint+"/"+s.Model),
			fmt.Sprintf("%s pending=%d processed=%d", state, s.Pending, s.Processed),
		)
	}
	for _, a := range online {
		if local[a.ID] {
			continue
		}
		caps := ""
		if len(a.Capabilities) > 0 {
			caps = " [" + strings.Join(a.Capabilities, ", ") + "]"
		}
		fmt.Fprintf(w, "  %s %s%s %s\n",
			styleAgent.Render(a.ID),
			styleDim.Render("("+a.Name+")"),
			styleMuted.Render(caps),
			styleInfo.Render("remote"),
		)
	}
}

func printThreads(w io.Writer, threads []domain.ThreadInfo) {
	fmt.Fprintln(w, styleHeader.Render("Threads"))
	if len(threads) == 0 {
		fmt.Fprintln(w, styleDim.Render("  none"))
		return
	}
	for _, t := range threads {
		fmt.Fprintf(w, "  %s  %s  %s\n",
			styleBold.Render(t.ID),
			fmt.Sprintf("%d messages", t.MessageCount),
			styleMuted.Render(strings.Join(t.Participants, ", ")),
		)
	}
}

func printRecords(w io.Writer, recs []domain.CoordinationRecord) {
	fmt.Fprintln(w, styleHeader.Render("Coordination runs"))
	if len(recs) == 0 {
		fmt.Fprintln(w, styleDim.Render("  none"))
		return
	}
	for _, r := range recs {
		fmt.Fprintf(w, "  %s %s %s  %s  %s\n",
			styleDim.Render(r.StartedAt.Local().Format("2006-01-02 15:04:05")),
			styleBold.Render(string(r.Kind)),
			styleMuted.Render(r.ThreadID),
			styleInfo.Render(r.Outcome),
			styleDim.Render(r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()),
		)
		for _, e := range r.Entries {
			fmt.Fprintf(w, "      %s %s\n", styleAgent.Render(e.AgentID), statusStyle(e.Status).Render(e.Status))
		}
	}
}
