package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/slate-dev/slate/internal/model"
	"github.com/slate-dev/slate/internal/service"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("230"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

func renderTable(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...).
		Rows(rows...)
	return t.String()
}

func printTitle(w io.Writer, title string) {
	fmt.Fprintln(w, titleStyle.Render(title))
}

func age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Truncate(time.Second).String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func renderTasks(w io.Writer, tasks []*model.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "No tasks.")
		return
	}
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, []string{
			t.ID,
			t.Title,
			string(t.Status),
			fmt.Sprintf("P%d", t.Priority),
			orDash(t.AssignedTo),
			orDash(string(t.FlagReason)),
			orDash(strings.Join(t.Dependencies, ",")),
			age(t.CreatedAt),
		})
	}
	fmt.Fprintln(w, renderTable([]string{"ID", "TITLE", "STATUS", "PRI", "AGENT", "FLAG", "DEPENDS", "AGE"}, rows))
}

func renderTask(w io.Writer, t *model.Task) {
	fmt.Fprintf(w, "%s  %s  [%s]", t.ID, t.Title, t.Status)
	if t.AssignedTo != "" && t.AssignedTo != model.AssigneeAuto {
		fmt.Fprintf(w, "  -> %s", t.AssignedTo)
	}
	fmt.Fprintln(w)
}

func renderRoutingReport(w io.Writer, report *model.RoutingReport) {
	printTitle(w, fmt.Sprintf("Tick: %d assigned, %d deferred, %d flagged",
		report.Count(model.OutcomeAssigned),
		report.Count(model.OutcomeDeferred),
		report.Count(model.OutcomeFlagged)))
	if report.Blocked {
		fmt.Fprintln(w, warnStyle.Render("Routing paused: too many tasks in progress"))
	}
	if len(report.Decisions) == 0 {
		fmt.Fprintln(w, "No pending tasks.")
		return
	}
	rows := make([][]string, 0, len(report.Decisions))
	for _, d := range report.Decisions {
		rows = append(rows, []string{d.TaskID, string(d.Outcome), orDash(string(d.AgentID)), orDash(string(d.Kind)), orDash(d.Reason)})
	}
	fmt.Fprintln(w, renderTable([]string{"TASK", "OUTCOME", "AGENT", "KIND", "REASON"}, rows))
}

func renderSweepReport(w io.Writer, report *model.SweepReport) {
	printTitle(w, fmt.Sprintf("Sweep: %d reset, %d flagged, %d archived",
		len(report.Reset), len(report.Flagged), len(report.Archived)))

	var rows [][]string
	for _, e := range report.Reset {
		rows = append(rows, []string{e.TaskID, "reset", orDash(string(e.AgentID)), e.Reason})
	}
	for _, e := range report.Flagged {
		rows = append(rows, []string{e.TaskID, "flagged", "-", e.Reason})
	}
	for _, e := range report.Archived {
		rows = append(rows, []string{e.TaskID, "archived", "-", e.Reason})
	}
	if len(rows) > 0 {
		fmt.Fprintln(w, renderTable([]string{"TASK", "ACTION", "AGENT", "REASON"}, rows))
	}

	gate := fmt.Sprintf("In progress %d/%d", report.Gate.InProgress, report.Gate.Max)
	if report.Gate.Blocked {
		gate = warnStyle.Render(gate + " (blocked)")
	}
	fmt.Fprintln(w, gate)
}

func renderStatus(w io.Writer, status *service.QueueStatus) {
	printTitle(w, "Queue")
	rows := make([][]string, 0, len(model.AllTaskStatuses))
	for _, s := range model.AllTaskStatuses {
		rows = append(rows, []string{string(s), fmt.Sprint(status.Counts[s])})
	}
	fmt.Fprintln(w, renderTable([]string{"STATUS", "COUNT"}, rows))

	if len(status.Flagged) > 0 {
		reasons := make([]string, 0, len(status.Flagged))
		for r := range status.Flagged {
			reasons = append(reasons, string(r))
		}
		sort.Strings(reasons)
		for _, r := range reasons {
			fmt.Fprintln(w, warnStyle.Render(fmt.Sprintf("flagged %s: %d", r, status.Flagged[model.FlagReason(r)])))
		}
	}

	printTitle(w, "Resources")
	ledger := status.Ledger
	res := [][]string{
		{"CPU", fmt.Sprintf("%d/%d cores", ledger.CPUAllocated, ledger.CPUCores)},
		{"RAM", fmt.Sprintf("%d/%d MB", ledger.RAMAllocated, ledger.RAMMB)},
	}
	for _, g := range ledger.GPUs {
		res = append(res, []string{fmt.Sprintf("GPU%d %s", g.Index, g.Role), fmt.Sprintf("%d/%d MB", g.AllocatedMB, g.CapacityMB)})
	}
	fmt.Fprintln(w, renderTable([]string{"POOL", "ALLOCATED"}, res))

	a := status.Agents
	fmt.Fprintf(w, "Agents: %d total, %d active, %d degraded, %d offline, %d unloaded\n",
		a.Total, a.Active, a.Degraded, a.Offline, a.Unloaded)
	if status.Gate != nil {
		fmt.Fprintf(w, "In progress %d/%d\n", status.Gate.InProgress, status.Gate.Max)
	}
}

func renderAgents(w io.Writer, agents []model.Agent) {
	rows := make([][]string, 0, len(agents))
	for _, a := range agents {
		gpu := "-"
		if a.RequiresGPU {
			gpu = fmt.Sprintf("%d MB", a.GPUMemoryMB)
		}
		rows = append(rows, []string{
			string(a.ID),
			a.Role,
			string(a.Health),
			string(a.Lifecycle),
			gpu,
			fmt.Sprint(a.CPUCores),
			fmt.Sprint(a.PriorityWeight),
			orDash(string(a.Fallback)),
		})
	}
	fmt.Fprintln(w, renderTable([]string{"AGENT", "ROLE", "HEALTH", "LIFECYCLE", "GPU", "CPU", "WEIGHT", "FALLBACK"}, rows))
}
