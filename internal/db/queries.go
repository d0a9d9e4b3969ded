package db

import (
	"database/sql"
	"fmt"
)

// PipelineEvent represents a row in the pipeline_events table.
type PipelineEvent struct {
	ID        int
	Workspace string
	Story     string
	Stage     string
	Event     string
	Detail    string
	Timestamp string
}

// GateDecision represents a row in the gate_decisions table.
type GateDecision struct {
	ID          int
	Workspace   string
	Gate        string
	Outcome     string
	Note        string
	RequestedAt string
	DecidedAt   string
}

// TestAttempt represents a row in the test_attempts table.
type TestAttempt struct {
	ID         int
	Workspace  string
	Story      string
	Attempt    int
	Passed     bool
	ExitCode   int
	DurationMs int
	OutputPath string
	Timestamp  string
}

// AgentInvocation represents a row in the agent_invocations table.
type AgentInvocation struct {
	ID             int
	Workspace      string
	Story          string
	Stage          string
	Phase          string
	Model          string
	ExitCode       int
	DurationMs     int
	TranscriptPath string
	Timestamp      string
}

// LogPipelineEvent inserts a pipeline event.
func (d *DB) LogPipelineEvent(workspace, story, stage, event, detail string) error {
	_, err := d.conn.Exec(
		`INSERT INTO pipeline_events (workspace, story, stage, event, detail) VALUES (?, ?, ?, ?, ?)`,
		workspace, story, stage, event, detail,
	)
	if err != nil {
		return fmt.Errorf("log pipeline event: %w", err)
	}
	return nil
}

// GetPipelineHistory returns all pipeline events for a workspace, newest first.
func (d *DB) GetPipelineHistory(workspace string) ([]PipelineEvent, error) {
	rows, err := d.conn.Query(
		`SELECT id, workspace, story, stage, event, detail, timestamp
		 FROM pipeline_events WHERE workspace = ? ORDER BY timestamp DESC, id DESC`,
		workspace,
	)
	if err != nil {
		return nil, fmt.Errorf("get pipeline history: %w", err)
	}
	defer rows.Close()

	var events []PipelineEvent
	for rows.Next() {
		var e PipelineEvent
		var story, stage, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.Workspace, &story, &stage, &e.Event, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pipeline event: %w", err)
		}
		if story.Valid {
			e.Story = story.String
		}
		if stage.Valid {
			e.Stage = stage.String
		}
		if detail.Valid {
			e.Detail = detail.String
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// LogGateDecision inserts a gate decision. requestedAt may be empty when the
// decision was made inline without a pending request.
func (d *DB) LogGateDecision(workspace, gate, outcome, note, requestedAt string) error {
	var req interface{}
	if requestedAt != "" {
		req = requestedAt
	}
	_, err := d.conn.Exec(
		`INSERT INTO gate_decisions (workspace, gate, outcome, note, requested_at) VALUES (?, ?, ?, ?, ?)`,
		workspace, gate, outcome, note, req,
	)
	if err != nil {
		return fmt.Errorf("log gate decision: %w", err)
	}
	return nil
}

// GetGateDecisions returns all gate decisions for a workspace, oldest first.
func (d *DB) GetGateDecisions(workspace string) ([]GateDecision, error) {
	rows, err := d.conn.Query(
		`SELECT id, workspace, gate, outcome, note, requested_at, decided_at
		 FROM gate_decisions WHERE workspace = ? ORDER BY id`,
		workspace,
	)
	if err != nil {
		return nil, fmt.Errorf("get gate decisions: %w", err)
	}
	defer rows.Close()

	var decisions []GateDecision
	for rows.Next() {
		var g GateDecision
		var note, requestedAt sql.NullString
		if err := rows.Scan(&g.ID, &g.Workspace, &g.Gate, &g.Outcome, &note, &requestedAt, &g.DecidedAt); err != nil {
			return nil, fmt.Errorf("scan gate decision: %w", err)
		}
		if note.Valid {
			g.Note = note.String
		}
		if requestedAt.Valid {
			g.RequestedAt = requestedAt.String
		}
		decisions = append(decisions, g)
	}
	return decisions, rows.Err()
}

// LogTestAttempt inserts a test attempt record.
func (d *DB) LogTestAttempt(workspace, story string, attempt int, passed bool, exitCode, durationMs int, outputPath string) error {
	_, err := d.conn.Exec(
		`INSERT INTO test_attempts (workspace, story, attempt, passed, exit_code, duration_ms, output_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		workspace, story, attempt, passed, exitCode, durationMs, outputPath,
	)
	if err != nil {
		return fmt.Errorf("log test attempt: %w", err)
	}
	return nil
}

// GetTestAttempts returns test attempts for a workspace and story in attempt order.
func (d *DB) GetTestAttempts(workspace, story string) ([]TestAttempt, error) {
	rows, err := d.conn.Query(
		`SELECT id, workspace, story, attempt, passed, exit_code, duration_ms, output_path, timestamp
		 FROM test_attempts WHERE workspace = ? AND story = ? ORDER BY attempt`,
		workspace, story,
	)
	if err != nil {
		return nil, fmt.Errorf("get test attempts: %w", err)
	}
	defer rows.Close()

	var attempts []TestAttempt
	for rows.Next() {
		var a TestAttempt
		var story, outputPath sql.NullString
		var exitCode, durationMs sql.NullInt64
		if err := rows.Scan(&a.ID, &a.Workspace, &story, &a.Attempt, &a.Passed, &exitCode, &durationMs, &outputPath, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("scan test attempt: %w", err)
		}
		if story.Valid {
			a.Story = story.String
		}
		if exitCode.Valid {
			a.ExitCode = int(exitCode.Int64)
		}
		if durationMs.Valid {
			a.DurationMs = int(durationMs.Int64)
		}
		if outputPath.Valid {
			a.OutputPath = outputPath.String
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// LogAgentInvocation inserts an agent invocation record.
func (d *DB) LogAgentInvocation(workspace, story, stage, phase, model string, exitCode, durationMs int, transcriptPath string) error {
	_, err := d.conn.Exec(
		`INSERT INTO agent_invocations (workspace, story, stage, phase, model, exit_code, duration_ms, transcript_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		workspace, story, stage, phase, model, exitCode, durationMs, transcriptPath,
	)
	if err != nil {
		return fmt.Errorf("log agent invocation: %w", err)
	}
	return nil
}

// GetAgentInvocations returns agent invocations for a workspace, oldest first.
func (d *DB) GetAgentInvocations(workspace string) ([]AgentInvocation, error) {
	rows, err := d.conn.Query(
		`SELECT id, workspace, story, stage, phase, model, exit_code, duration_ms, transcript_path, timestamp
		 FROM agent_invocations WHERE workspace = ? ORDER BY id`,
		workspace,
	)
	if err != nil {
		return nil, fmt.Errorf("get agent invocations: %w", err)
	}
	defer rows.Close()

	var invocations []AgentInvocation
	for rows.Next() {
		var a AgentInvocation
		var story, model, transcriptPath sql.NullString
		var exitCode, durationMs sql.NullInt64
		if err := rows.Scan(&a.ID, &a.Workspace, &story, &a.Stage, &a.Phase, &model, &exitCode, &durationMs, &transcriptPath, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("scan agent invocation: %w", err)
		}
		if story.Valid {
			a.Story = story.String
		}
		if model.Valid {
			a.Model = model.String
		}
		if exitCode.Valid {
			a.ExitCode = int(exitCode.Int64)
		}
		if durationMs.Valid {
			a.DurationMs = int(durationMs.Int64)
		}
		if transcriptPath.Valid {
			a.TranscriptPath = transcriptPath.String
		}
		invocations = append(invocations, a)
	}
	return invocations, rows.Err()
}
