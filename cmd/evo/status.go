package main

import (
	"fmt"
	"strings"
	"time"

	"evoengine/internal/evolution"
	"evoengine/internal/store"
	"evoengine/internal/types"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

// Semantic colors, shared with the host assistant's palette.
var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#8BC34A")).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFC107")).Bold(true)
	dangerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#e53935")).Bold(true)
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#2196F3"))
	titleStyle   = lipgloss.NewStyle().Bold(true)
)

// statusCmd shows engine status
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine state, counters, and health",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ws, err := resolveWorkspace()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(ws)
	if err != nil {
		return err
	}

	eng, err := evolution.New(ws, cfg, evolution.Deps{})
	if err != nil {
		// Another process holds the store; report from the on-disk view.
		if types.IsKind(err, types.KindAlreadyLocked) {
			return runPeekStatus(ws)
		}
		return err
	}
	defer eng.Close()

	fmt.Println(renderStatus(ws, eng.Status()))
	return nil
}

// runPeekStatus renders what state.json says while a live engine owns
// the lock. The view can trail that engine by one debounce window.
func runPeekStatus(ws string) error {
	peek, err := store.InspectState(types.NewOSFilesystem(), ws)
	if err != nil {
		return err
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Evolution Engine") + "\n")
	fmt.Fprintf(&b, "%s      %s\n", labelStyle.Render("workspace"), ws)
	fmt.Fprintf(&b, "%s          %s\n", labelStyle.Render("state"), successStyle.Render("running")+" (pid "+peek.LockedBy+")")
	writeCounters(&b, peek.Counters)
	if !peek.UpdatedAt.IsZero() {
		fmt.Fprintf(&b, "%s     %s ago\n", labelStyle.Render("as of"), time.Since(peek.UpdatedAt).Round(time.Second))
	}
	fmt.Println(b.String())
	return nil
}

func renderStatus(ws string, s evolution.EngineStatus) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Evolution Engine") + "\n")
	fmt.Fprintf(&b, "%s      %s\n", labelStyle.Render("workspace"), ws)

	enabled := successStyle.Render("enabled")
	if !s.Enabled {
		enabled = warnStyle.Render("disabled")
	}
	mode := ""
	if s.DryRun {
		mode = " " + warnStyle.Render("[dry-run]")
	}
	fmt.Fprintf(&b, "%s         %s%s, autonomy level %d\n", labelStyle.Render("engine"), enabled, mode, s.Autonomy)
	fmt.Fprintf(&b, "%s      %s, %d pending\n", labelStyle.Render("scheduler"), string(s.Scheduler.State), s.Scheduler.Pending)
	if !s.Scheduler.NextRun.IsZero() {
		fmt.Fprintf(&b, "%s       %s\n", labelStyle.Render("next run"), s.Scheduler.NextRun.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "%s         %s\n", labelStyle.Render("health"), healthStyle(s.Health).Render(string(s.Health)))

	writeCounters(&b, s.Counters)

	fmt.Fprintf(&b, "%s         %d events, %d subscriber(s)\n",
		labelStyle.Render("events"), s.Bus.TotalEmitted, s.Bus.SubscriberCount)
	if s.Quarantined > 0 {
		fmt.Fprintf(&b, "%s    %s\n", labelStyle.Render("quarantine"),
			dangerStyle.Render(fmt.Sprintf("%d corrupt record(s) set aside", s.Quarantined)))
	}
	return b.String()
}

func writeCounters(b *strings.Builder, c types.DailyCounters) {
	fmt.Fprintf(b, "%s          %s: %d run, %d ok, %d failed, %d rolled back (%d auto)\n",
		labelStyle.Render("today"), c.Date,
		c.ExecutionsToday, c.SuccessesToday, c.FailuresToday, c.RollbacksToday, c.AutoRollbacksToday)
	fmt.Fprintf(b, "%s         %d executions left, success rate %.0f%%\n",
		labelStyle.Render("budget"), c.RemainingToday, c.SuccessRate*100)
}

func healthStyle(h types.Health) lipgloss.Style {
	switch h {
	case types.HealthHealthy:
		return successStyle
	case types.HealthDegraded:
		return warnStyle
	default:
		return dangerStyle
	}
}

func renderBanner(ws string, s evolution.EngineStatus) string {
	state := successStyle.Render(string(s.Scheduler.State))
	return fmt.Sprintf("%s %s in %s (autonomy %d, %d pending)",
		titleStyle.Render("evo"), state, ws, s.Autonomy, s.Scheduler.Pending)
}

func renderResult(res *evolution.ExecutionResult) string {
	var verdict string
	switch {
	case res.Skipped:
		verdict = warnStyle.Render("skipped")
	case res.Failed:
		verdict = dangerStyle.Render("failed")
	case res.Outcome == types.OutcomeApproved:
		verdict = successStyle.Render("applied")
	case res.Outcome == types.OutcomeRejected:
		verdict = dangerStyle.Render("rejected")
	default:
		verdict = warnStyle.Render(string(res.Outcome))
	}

	line := fmt.Sprintf("%s %s", verdict, res.ProposalID)
	if res.Reason != "" {
		line += ": " + res.Reason
	}
	if res.ApplicationID != "" {
		line += fmt.Sprintf(" (application %s)", res.ApplicationID)
	}
	if res.RuleName != "" {
		line += fmt.Sprintf(" [rule %s]", res.RuleName)
	}
	return line
}
