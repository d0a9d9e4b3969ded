package report

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"
)

// DB is the interface for database queries used by reporting.
type DB interface {
	Conn() *sql.DB
}

// timestamp formats to try when parsing timestamps from the database.
// SQLite's datetime('now') and the RFC3339 stamps written by the gate
// package both occur.
var timestampFormats = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.000",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, f := range timestampFormats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}

// StageDuration holds duration stats for a stage.
type StageDuration struct {
	Stage string  `json:"stage"`
	Runs  int     `json:"runs"`
	Avg   float64 `json:"avg_minutes"`
	P50   float64 `json:"p50_minutes"`
	P95   float64 `json:"p95_minutes"`
}

// QueryStageDurations returns average and percentile run durations per stage.
// Each run-ending event (stage_completed, stage_failed, gate_rejected) is
// paired with the most recent prior stage_started or stage_resumed for the
// same workspace and stage.
func QueryStageDurations(database DB, workspace string) ([]StageDuration, error) {
	query := `
		SELECT pe1.stage, pe1.timestamp as end_ts,
			(SELECT MAX(pe2.timestamp) FROM pipeline_events pe2
			 WHERE pe2.workspace = pe1.workspace
			 AND pe2.stage = pe1.stage
			 AND pe2.event IN ('stage_started', 'stage_resumed')
			 AND pe2.id < pe1.id) as start_ts
		FROM pipeline_events pe1
		WHERE pe1.workspace = ?
		AND pe1.event IN ('stage_completed', 'stage_failed', 'gate_rejected')
		AND pe1.stage != ''`

	rows, err := database.Conn().Query(query, workspace)
	if err != nil {
		return nil, fmt.Errorf("query stage durations: %w", err)
	}
	defer rows.Close()

	stageDurations := make(map[string][]float64)
	for rows.Next() {
		var stage, endTS string
		var startTS sql.NullString
		if err := rows.Scan(&stage, &endTS, &startTS); err != nil {
			return nil, fmt.Errorf("scan stage duration: %w", err)
		}
		if !startTS.Valid {
			continue
		}
		start, err := parseTimestamp(startTS.String)
		if err != nil {
			continue
		}
		end, err := parseTimestamp(endTS)
		if err != nil {
			continue
		}
		minutes := end.Sub(start).Minutes()
		if minutes > 0 {
			stageDurations[stage] = append(stageDurations[stage], minutes)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []StageDuration
	for stage, durations := range stageDurations {
		sort.Float64s(durations)
		results = append(results, StageDuration{
			Stage: stage,
			Runs:  len(durations),
			Avg:   avg(durations),
			P50:   percentile(durations, 50),
			P95:   percentile(durations, 95),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Stage < results[j].Stage
	})
	return results, nil
}

// GateLatency holds review turnaround stats for a gate.
type GateLatency struct {
	Gate       string  `json:"gate"`
	Decisions  int     `json:"decisions"`
	Approvals  int     `json:"approvals"`
	Rejections int     `json:"rejections"`
	Avg        float64 `json:"avg_minutes"`
	P50        float64 `json:"p50_minutes"`
	P95        float64 `json:"p95_minutes"`
}

// QueryGateLatencies returns per-gate decision counts and the time reviewers
// took from request to decision. Decisions recorded without a pending
// request count toward totals but not latency.
func QueryGateLatencies(database DB, workspace string) ([]GateLatency, error) {
	rows, err := database.Conn().Query(
		`SELECT gate, outcome, requested_at, decided_at
		 FROM gate_decisions WHERE workspace = ? ORDER BY id`,
		workspace,
	)
	if err != nil {
		return nil, fmt.Errorf("query gate latencies: %w", err)
	}
	defer rows.Close()

	type gateInfo struct {
		approvals, rejections int
		latencies             []float64
	}
	gates := make(map[string]*gateInfo)
	for rows.Next() {
		var gate, outcome, decidedAt string
		var requestedAt sql.NullString
		if err := rows.Scan(&gate, &outcome, &requestedAt, &decidedAt); err != nil {
			return nil, fmt.Errorf("scan gate decision: %w", err)
		}
		info, ok := gates[gate]
		if !ok {
			info = &gateInfo{}
			gates[gate] = info
		}
		if outcome == "approve" {
			info.approvals++
		} else {
			info.rejections++
		}
		if !requestedAt.Valid {
			continue
		}
		req, err := parseTimestamp(requestedAt.String)
		if err != nil {
			continue
		}
		dec, err := parseTimestamp(decidedAt)
		if err != nil {
			continue
		}
		if minutes := dec.Sub(req).Minutes(); minutes >= 0 {
			info.latencies = append(info.latencies, minutes)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []GateLatency
	for gate, info := range gates {
		sort.Float64s(info.latencies)
		results = append(results, GateLatency{
			Gate:       gate,
			Decisions:  info.approvals + info.rejections,
			Approvals:  info.approvals,
			Rejections: info.rejections,
			Avg:        avg(info.latencies),
			P50:        percentile(info.latencies, 50),
			P95:        percentile(info.latencies, 95),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Gate < results[j].Gate
	})
	return results, nil
}

// FixDistribution summarizes how many fix rounds stories needed before their
// test suite passed.
type FixDistribution struct {
	Stories    int     `json:"stories"`
	FirstPass  float64 `json:"first_pass_pct"`
	OneFix     float64 `json:"one_fix_pct"`
	TwoPlus    float64 `json:"two_plus_fixes_pct"`
	Unresolved float64 `json:"unresolved_pct"`
}

// QueryFixDistribution buckets each story by the attempt on which its tests
// first passed: attempt 1 means no fixes, attempt N means N-1 fixes, and no
// passing attempt means the loop exhausted its budget.
func QueryFixDistribution(database DB, workspace string) (*FixDistribution, error) {
	rows, err := database.Conn().Query(
		`SELECT story,
			MIN(CASE WHEN passed = 1 THEN attempt END) as first_pass_attempt
		 FROM test_attempts
		 WHERE workspace = ? AND story IS NOT NULL
		 GROUP BY story`,
		workspace,
	)
	if err != nil {
		return nil, fmt.Errorf("query fix distribution: %w", err)
	}
	defer rows.Close()

	var stories, firstPass, oneFix, twoPlus, unresolved int
	for rows.Next() {
		var story string
		var attempt sql.NullInt64
		if err := rows.Scan(&story, &attempt); err != nil {
			return nil, fmt.Errorf("scan fix distribution: %w", err)
		}
		stories++
		switch {
		case !attempt.Valid:
			unresolved++
		case attempt.Int64 == 1:
			firstPass++
		case attempt.Int64 == 2:
			oneFix++
		default:
			twoPlus++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &FixDistribution{
		Stories:    stories,
		FirstPass:  pct(firstPass, stories),
		OneFix:     pct(oneFix, stories),
		TwoPlus:    pct(twoPlus, stories),
		Unresolved: pct(unresolved, stories),
	}, nil
}

// AgentUsage holds invocation stats for one stage and phase.
type AgentUsage struct {
	Stage       string  `json:"stage"`
	Phase       string  `json:"phase"`
	Invocations int     `json:"invocations"`
	Failures    int     `json:"failures"`
	AvgSeconds  float64 `json:"avg_seconds"`
}

// QueryAgentUsage returns agent invocation counts, failures, and average
// duration grouped by stage and phase.
func QueryAgentUsage(database DB, workspace string) ([]AgentUsage, error) {
	rows, err := database.Conn().Query(
		`SELECT stage, phase,
			COUNT(*) as invocations,
			SUM(CASE WHEN exit_code != 0 THEN 1 ELSE 0 END) as failures,
			AVG(duration_ms) as avg_ms
		 FROM agent_invocations
		 WHERE workspace = ?
		 GROUP BY stage, phase
		 ORDER BY stage, phase`,
		workspace,
	)
	if err != nil {
		return nil, fmt.Errorf("query agent usage: %w", err)
	}
	defer rows.Close()

	var results []AgentUsage
	for rows.Next() {
		var u AgentUsage
		var avgMs sql.NullFloat64
		if err := rows.Scan(&u.Stage, &u.Phase, &u.Invocations, &u.Failures, &avgMs); err != nil {
			return nil, fmt.Errorf("scan agent usage: %w", err)
		}
		if avgMs.Valid {
			u.AvgSeconds = math.Round(avgMs.Float64/100) / 10
		}
		results = append(results, u)
	}
	return results, rows.Err()
}

// TimelineEvent holds a single event for the story-detail view.
type TimelineEvent struct {
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"` // pipeline, test, agent
	Event     string `json:"event"`
	Stage     string `json:"stage,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// QueryStoryTimeline returns the merged event timeline for one story:
// pipeline events, test attempts, and agent invocations, oldest first.
func QueryStoryTimeline(database DB, workspace, story string) ([]TimelineEvent, error) {
	var results []TimelineEvent

	peRows, err := database.Conn().Query(
		`SELECT timestamp, event, stage, detail
		 FROM pipeline_events WHERE workspace = ? AND story = ? ORDER BY timestamp, id`,
		workspace, story,
	)
	if err != nil {
		return nil, fmt.Errorf("query pipeline events: %w", err)
	}
	defer peRows.Close()

	for peRows.Next() {
		var e TimelineEvent
		var stage, detail sql.NullString
		if err := peRows.Scan(&e.Timestamp, &e.Event, &stage, &detail); err != nil {
			return nil, fmt.Errorf("scan pipeline event: %w", err)
		}
		e.Type = "pipeline"
		if stage.Valid {
			e.Stage = stage.String
		}
		if detail.Valid {
			e.Detail = detail.String
		}
		results = append(results, e)
	}
	if err := peRows.Err(); err != nil {
		return nil, err
	}

	taRows, err := database.Conn().Query(
		`SELECT timestamp, attempt, passed, exit_code, duration_ms
		 FROM test_attempts WHERE workspace = ? AND story = ? ORDER BY timestamp, id`,
		workspace, story,
	)
	if err != nil {
		return nil, fmt.Errorf("query test attempts: %w", err)
	}
	defer taRows.Close()

	for taRows.Next() {
		var ts string
		var attempt int
		var passed bool
		var exitCode, durationMs sql.NullInt64
		if err := taRows.Scan(&ts, &attempt, &passed, &exitCode, &durationMs); err != nil {
			return nil, fmt.Errorf("scan test attempt: %w", err)
		}
		status := "PASS"
		if !passed {
			status = "FAIL"
		}
		results = append(results, TimelineEvent{
			Timestamp: ts,
			Type:      "test",
			Event:     fmt.Sprintf("attempt %d", attempt),
			Stage:     "test-execution",
			Detail:    fmt.Sprintf("%s (exit %d, %dms)", status, exitCode.Int64, durationMs.Int64),
		})
	}
	if err := taRows.Err(); err != nil {
		return nil, err
	}

	aiRows, err := database.Conn().Query(
		`SELECT timestamp, stage, phase, model, exit_code, duration_ms
		 FROM agent_invocations WHERE workspace = ? AND story = ? ORDER BY timestamp, id`,
		workspace, story,
	)
	if err != nil {
		return nil, fmt.Errorf("query agent invocations: %w", err)
	}
	defer aiRows.Close()

	for aiRows.Next() {
		var ts, stage, phase string
		var model sql.NullString
		var exitCode, durationMs sql.NullInt64
		if err := aiRows.Scan(&ts, &stage, &phase, &model, &exitCode, &durationMs); err != nil {
			return nil, fmt.Errorf("scan agent invocation: %w", err)
		}
		detail := fmt.Sprintf("exit %d, %dms", exitCode.Int64, durationMs.Int64)
		if model.Valid && model.String != "" {
			detail = "model " + model.String + ", " + detail
		}
		results = append(results, TimelineEvent{
			Timestamp: ts,
			Type:      "agent",
			Event:     phase,
			Stage:     stage,
			Detail:    detail,
		})
	}
	if err := aiRows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Timestamp < results[j].Timestamp
	})
	return results, nil
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
