package config

import "path/filepath"

// Layout names the well-known paths under a home directory.
type Layout struct {
	Home string
}

// NewLayout builds the path layout for home.
func NewLayout(home string) Layout { return Layout{Home: home} }

// HooksDir is <home>/hooks.
func (l Layout) HooksDir() string { return filepath.Join(l.Home, "hooks") }

// HookStatePath is <home>/hooks/state.json.
func (l Layout) HookStatePath() string { return filepath.Join(l.HooksDir(), "state.json") }

// PendingActionsPath is <home>/hooks/pending_actions.jsonl.
func (l Layout) PendingActionsPath() string {
	return filepath.Join(l.HooksDir(), "pending_actions.jsonl")
}

// SchedulesPath is <home>/schedules/schedules.json.
func (l Layout) SchedulesPath() string {
	return filepath.Join(l.Home, "schedules", "schedules.json")
}

// JobsDir is <home>/jobs.
func (l Layout) JobsDir() string { return filepath.Join(l.Home, "jobs") }

// JobStatePath is <home>/jobs/state/<job_id>.json.
func (l Layout) JobStatePath(jobID string) string {
	return filepath.Join(l.JobsDir(), "state", jobID+".json")
}

// LogsDir is <home>/logs.
func (l Layout) LogsDir() string { return filepath.Join(l.Home, "logs") }

// EventLogPath is <home>/logs/amon.log.
func (l Layout) EventLogPath() string { return filepath.Join(l.LogsDir(), "amon.log") }

// AuditLogPath is <home>/logs/tool_audit.jsonl.
func (l Layout) AuditLogPath() string { return filepath.Join(l.LogsDir(), "tool_audit.jsonl") }

// ProjectsDir is <home>/projects.
func (l Layout) ProjectsDir() string { return filepath.Join(l.Home, "projects") }

// ProjectDir is <home>/projects/<project_id>.
func (l Layout) ProjectDir(projectID string) string {
	return filepath.Join(l.ProjectsDir(), projectID)
}

// ProjectFile is the project identity file inside a project directory.
func (l Layout) ProjectFile(projectID string) string {
	return filepath.Join(l.ProjectDir(projectID), "amon.project.yaml")
}

// ProjectEventLogPath is the per-project event log.
func (l Layout) ProjectEventLogPath(projectID string) string {
	return filepath.Join(l.ProjectDir(projectID), ".amon", "logs", "events.log")
}

// RunDir is <project>/.amon/runs/<run_id>.
func RunDir(projectDir, runID string) string {
	return filepath.Join(projectDir, ".amon", "runs", runID)
}
