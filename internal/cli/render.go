package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/shaiso/Cascade/internal/domain"
)

var (
	green  = lipgloss.Color("76")
	red    = lipgloss.Color("204")
	yellow = lipgloss.Color("214")
	purple = lipgloss.Color("99")
	dim    = lipgloss.Color("243")
)

var (
	successStyle = lipgloss.NewStyle().Foreground(green)
	errorStyle   = lipgloss.NewStyle().Foreground(red)
	warnStyle    = lipgloss.NewStyle().Foreground(yellow)
	accentStyle  = lipgloss.NewStyle().Foreground(purple)
	mutedStyle   = lipgloss.NewStyle().Foreground(dim)
	boldStyle    = lipgloss.NewStyle().Bold(true)
)

const barWidth = 24

// StatusLabel — цветная метка статуса шага.
func StatusLabel(s domain.Status) string {
	switch s {
	case domain.StatusCompleted:
		return successStyle.Render(string(s))
	case domain.StatusError:
		return errorStyle.Render(string(s))
	case domain.StatusStarting, domain.StatusRunning:
		return accentStyle.Render(string(s))
	default:
		return mutedStyle.Render(string(s))
	}
}

// ProgressBar рисует полосу прогресса шириной width.
func ProgressBar(percent, width int) string {
	percent = min(max(percent, 0), 100)
	filled := percent * width / 100
	bar := successStyle.Render(strings.Repeat("█", filled)) + mutedStyle.Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("%s %3d%%", bar, percent)
}

// RenderStatus — снимок тенанта в человекочитаемом виде.
func RenderStatus(tenantID string, s *StatusResponse, steps []StepResponse, now time.Time) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "%s %s\n", boldStyle.Render("Tenant"), tenantID)
	fmt.Fprintf(&sb, "%s %s  (%d/%d steps)\n", mutedStyle.Render("Cascade:"), ProgressBar(s.Progress, barWidth), s.Completed, s.Total)

	if run := s.Status; run != nil {
		sb.WriteString("\n")
		fmt.Fprintf(&sb, "%s %s  %s\n", boldStyle.Render(run.ScriptName), StatusLabel(run.Status), mutedStyle.Render(run.RunID.String()))
		if run.IsActive() || run.Total > 0 {
			fmt.Fprintf(&sb, "  %s  %d/%d", ProgressBar(run.Progress, barWidth), run.Current, run.Total)
			if run.ItemName != "" {
				fmt.Fprintf(&sb, "  %s", run.ItemName)
			}
			sb.WriteString("\n")
		}
		if run.Message != "" {
			fmt.Fprintf(&sb, "  %s\n", run.Message)
		}
		fmt.Fprintf(&sb, "  %s %s", mutedStyle.Render("duration:"), run.Duration(now).Round(time.Second))
		if len(run.Errors) > 0 {
			fmt.Fprintf(&sb, "  %s", errorStyle.Render(fmt.Sprintf("%d errors", len(run.Errors))))
		}
		if run.StopRequested && run.IsActive() {
			fmt.Fprintf(&sb, "  %s", warnStyle.Render("stop requested"))
		}
		sb.WriteString("\n")
	}

	if len(steps) > 0 {
		sb.WriteString("\n")
		for _, step := range steps {
			mark := mutedStyle.Render("○")
			switch {
			case s.ScriptsStatus[step.ScriptKey]:
				mark = successStyle.Render("✓")
			case s.Status != nil && s.Status.ScriptKey == step.ScriptKey && s.Status.IsActive():
				mark = accentStyle.Render("●")
			case s.Status != nil && s.Status.ScriptKey == step.ScriptKey && s.Status.Status == domain.StatusError:
				mark = errorStyle.Render("✗")
			}
			fmt.Fprintf(&sb, "  %s %2d. %-28s %s\n", mark, step.Order, step.Name, mutedStyle.Render(step.ScriptKey))
		}
	}

	return sb.String()
}

// RenderChange — одна строка для watch.
func RenderChange(now time.Time, snap domain.Snapshot) string {
	ts := mutedStyle.Render(now.Format("15:04:05"))
	run := snap.Status
	if run == nil {
		return fmt.Sprintf("%s %s\n", ts, StatusLabel(domain.StatusIdle))
	}
	line := fmt.Sprintf("%s %-22s %s %s", ts, run.ScriptName, StatusLabel(run.Status), ProgressBar(run.Progress, barWidth/2))
	if run.Message != "" {
		line += "  " + run.Message
	}
	return line + "\n"
}

// RenderCascade — отчёт секвенсора.
func RenderCascade(r *CascadeReport) string {
	var sb strings.Builder

	state := r.State
	switch state {
	case "completed":
		state = successStyle.Render(state)
	case "failed":
		state = errorStyle.Render(state)
	case "running":
		state = accentStyle.Render(state)
	default:
		state = mutedStyle.Render(state)
	}

	fmt.Fprintf(&sb, "%s %s  %s  (%d/%d steps)\n", boldStyle.Render("Cascade"), state, ProgressBar(r.Progress, barWidth), r.Completed, r.Total)
	if r.CurrentStep != "" {
		fmt.Fprintf(&sb, "  %s %s\n", mutedStyle.Render("current:"), r.CurrentStep)
	}
	if r.FailedStep != "" {
		fmt.Fprintf(&sb, "  %s %s\n", mutedStyle.Render("failed:"), errorStyle.Render(r.FailedStep))
	}
	if r.Message != "" {
		fmt.Fprintf(&sb, "  %s %s\n", mutedStyle.Render("message:"), r.Message)
	}
	if len(r.Started) > 0 {
		fmt.Fprintf(&sb, "  %s %s\n", mutedStyle.Render("started:"), strings.Join(r.Started, ", "))
	}
	return sb.String()
}
