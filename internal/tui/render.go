// Package tui renders action state, plans and run history for the terminal.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/johndauphine/mention-anonymizer/internal/checkpoint"
	"github.com/johndauphine/mention-anonymizer/internal/orchestrator"
	"github.com/johndauphine/mention-anonymizer/internal/plan"
)

const timeFormat = "2006-01-02 15:04:05"

func field(label, value string) string {
	return styleLabel.Render(label) + " " + value
}

// RenderStatus describes the persisted state of one action.
func RenderStatus(key string, state *checkpoint.ActionState) string {
	if state == nil {
		return styleTitle.Render(key) + "\n" + styleMuted.Render("Not planned yet.") + "\n"
	}

	sum := state.Summarize()
	lines := []string{
		styleTitle.Render(key) + "  " + badge(string(state.Status)),
		field("Chunk size", fmt.Sprintf("%d", state.ChunkSize)),
		field("Requests", fmt.Sprintf("%d total, %d completed, %d skipped, %d pending",
			sum.Total, sum.Completed, sum.Skipped, sum.Pending)),
	}
	if sum.Members > 0 {
		users := fmt.Sprintf("%d/%d started", sum.MembersStarted, sum.Members)
		if cur := state.CurrentMember(); cur != "" {
			users += ", current " + cur
		}
		lines = append(lines, field("Users", users))
	}
	lines = append(lines,
		field("Planned", state.PlannedAt.Local().Format(timeFormat)),
		field("Updated", state.UpdatedAt.Local().Format(timeFormat)),
	)
	if state.RunID != "" {
		lines = append(lines, field("Run", state.RunID))
	}

	if !state.Status.Terminal() && len(state.Requests) > 0 {
		lines = append(lines, "")
		for _, req := range state.Requests {
			lines = append(lines, requestLine(state, req))
		}
	}
	return styleBox.Render(strings.Join(lines, "\n")) + "\n"
}

func requestLine(state *checkpoint.ActionState, req plan.Request) string {
	cursor := state.Cursor(req.Name)
	switch {
	case cursor == checkpoint.Skipped:
		return styleError.Render("✗ "+req.Name) + styleMuted.Render("  skipped")
	case state.IsDone(req.Name):
		return styleSuccess.Render("✓ "+req.Name) + styleMuted.Render(fmt.Sprintf("  %d keys", cursor))
	case cursor > 0:
		return styleWarning.Render("► "+req.Name) + styleMuted.Render(fmt.Sprintf("  offset %d", cursor))
	default:
		return styleMuted.Render("○ " + req.Name)
	}
}

// RenderPlan lists planned requests. Statements are present only in
// verbose results; they carry the subject's name.
func RenderPlan(res *orchestrator.PlanResult) string {
	var b strings.Builder
	b.WriteString(styleTitle.Render(res.TaskKey))
	if len(res.Requests) == 0 {
		b.WriteString("\n" + styleMuted.Render("No mention to anonymize.") + "\n")
		return b.String()
	}
	summary := fmt.Sprintf("%d requests", len(res.Requests))
	if res.TotalRows > 0 {
		summary += fmt.Sprintf(", %d rows", res.TotalRows)
	}
	fmt.Fprintf(&b, "  %s\n", styleMuted.Render(summary))

	for _, req := range res.Requests {
		line := styleHeader.Render(req.Name)
		if req.Rows != nil {
			line += styleMuted.Render(fmt.Sprintf("  %d rows", *req.Rows))
		}
		b.WriteString(line + "\n")
		if req.Select != "" {
			b.WriteString("  " + req.Select + "\n")
		}
		for _, u := range req.SQL {
			b.WriteString("  " + styleMuted.Render(u) + "\n")
		}
	}
	return b.String()
}

// RenderHistory renders runs as a table, newest first.
func RenderHistory(runs []checkpoint.Run) string {
	if len(runs) == 0 {
		return styleMuted.Render("No run history") + "\n"
	}

	widths := []int{36, 16, 7, 19, 9, 8, 10}
	headers := []string{"Run", "Task", "Command", "Started", "Duration", "Rows", "Outcome"}
	row := func(cells []string) string {
		out := make([]string, len(cells))
		for i, c := range cells {
			out[i] = lipgloss.NewStyle().Width(widths[i]).MaxWidth(widths[i]).Render(c)
		}
		return strings.Join(out, " ")
	}

	var b strings.Builder
	b.WriteString(styleHeader.Render(row(headers)) + "\n")
	for _, r := range runs {
		outcome := r.Outcome
		if r.CompletedAt == nil {
			outcome = "running"
		}
		b.WriteString(row([]string{
			r.ID,
			r.TaskKey,
			r.Command,
			r.StartedAt.Local().Format(timeFormat),
			r.Duration().Round(time.Second).String(),
			fmt.Sprintf("%d", r.Rows),
			outcome,
		}) + "\n")
		if r.Error != "" {
			b.WriteString(styleError.Render("  Error: "+r.Error) + "\n")
		}
	}
	return b.String()
}

// RenderHealth renders a health check result.
func RenderHealth(res *orchestrator.HealthCheckResult) string {
	status := "healthy"
	if !res.Healthy {
		status = "unhealthy"
	}

	db := fmt.Sprintf("connected (%dms)", res.DBLatencyMs)
	if !res.DBConnected {
		db = styleError.Render("unreachable: " + res.DBError)
	}
	state := fmt.Sprintf("reachable (%dms)", res.StateLatencyMs)
	if !res.StateReachable {
		state = styleError.Render("unreachable: " + res.StateError)
	}

	lines := []string{
		badge(status),
		field("Database", res.DBType+" "+db),
		field("State", res.StateBackend+" "+state),
	}
	if res.Pool != nil {
		lines = append(lines, field("Pool", res.Pool.String()))
	}
	if res.DBConnected {
		lines = append(lines, field("Tables", fmt.Sprintf("%d checked", res.TablesChecked)))
	}
	for _, e := range res.SchemaErrors {
		lines = append(lines, styleError.Render("  "+e))
	}
	return strings.Join(lines, "\n") + "\n"
}
