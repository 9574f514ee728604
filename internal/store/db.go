package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rotisserie/eris"

	"go-event-pipeline/internal/model"
)

// Run lifecycle states persisted in the runs table.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = eris.New("run not found")

// Store persists runs, their stage results, final records, and consumption
// summaries in sqlite. It implements the pipeline's RunSink.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the sqlite database at path and migrates the
// schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, eris.Wrapf(err, "opening database %s", path)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			mode TEXT NOT NULL,
			status TEXT NOT NULL,
			success INTEGER NOT NULL DEFAULT 0,
			fatal_stage TEXT,
			fatal_key TEXT,
			fatal_cause TEXT,
			report TEXT,
			started_at DATETIME NOT NULL,
			finished_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS stage_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			position INTEGER NOT NULL,
			success INTEGER NOT NULL,
			attempts INTEGER NOT NULL,
			attempted INTEGER NOT NULL,
			succeeded INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			error_kind TEXT,
			error_message TEXT,
			request TEXT,
			response TEXT,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			record_id TEXT NOT NULL,
			source_record_id TEXT NOT NULL,
			status TEXT NOT NULL,
			failed_stage TEXT,
			discarded INTEGER NOT NULL DEFAULT 0,
			payload TEXT,
			lineage TEXT,
			notes TEXT,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS summaries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			record_id TEXT NOT NULL,
			source_record_id TEXT NOT NULL,
			status TEXT NOT NULL,
			available INTEGER NOT NULL,
			amount REAL,
			currency TEXT,
			reason TEXT,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_stage_results_run ON stage_results(run_id, position);`,
		`CREATE INDEX IF NOT EXISTS idx_records_run ON records(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_summaries_run ON summaries(run_id);`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return eris.Wrap(err, "migrating schema")
		}
	}
	return nil
}

// BeginRun registers a run as running.
func (s *Store) BeginRun(ctx context.Context, report *model.PipelineReport) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, mode, status, started_at, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		report.RunID, string(report.Mode), RunStatusRunning, report.StartedAt.UTC(), now, now)
	if err != nil {
		return eris.Wrap(err, "inserting run")
	}
	return nil
}

// SaveStageResult appends one stage outcome for a run.
func (s *Store) SaveStageResult(ctx context.Context, runID string, result model.StageResult) error {
	request, err := json.Marshal(result.RequestPayload)
	if err != nil {
		return eris.Wrap(err, "encoding request payload")
	}
	var errKind, errMessage sql.NullString
	if result.Err != nil {
		errKind = sql.NullString{String: string(result.Err.Kind), Valid: true}
		errMessage = sql.NullString{String: result.Err.Message, Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO stage_results
			(run_id, stage, position, success, attempts, attempted, succeeded, failed, duration_ms, error_kind, error_message, request, response, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, result.StageName, stagePosition(result.StageName), boolToInt(result.Success),
		result.Attempts, result.Counts.Attempted, result.Counts.Succeeded, result.Counts.Failed,
		result.DurationMs, errKind, errMessage, string(request), string(result.ResponsePayload),
		time.Now().UTC())
	if err != nil {
		return eris.Wrap(err, "inserting stage result")
	}
	return nil
}

// FinishRun stores the final report together with every record and summary.
func (s *Store) FinishRun(ctx context.Context, report *model.PipelineReport) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return eris.Wrap(err, "encoding report")
	}

	status := RunStatusCompleted
	var fatalStage, fatalKey, fatalCause sql.NullString
	if report.Fatal != nil {
		status = RunStatusFailed
		fatalStage = sql.NullString{String: report.Fatal.Stage, Valid: true}
		fatalKey = sql.NullString{String: report.Fatal.Key, Valid: report.Fatal.Key != ""}
		fatalCause = sql.NullString{String: report.Fatal.Cause, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, success = ?, fatal_stage = ?, fatal_key = ?, fatal_cause = ?,
			report = ?, finished_at = ?, updated_at = ? WHERE id = ?`,
		status, boolToInt(report.Success), fatalStage, fatalKey, fatalCause,
		string(reportJSON), report.FinishedAt.UTC(), now, report.RunID)
	if err != nil {
		return eris.Wrap(err, "updating run")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// BeginRun may have been skipped or rejected; make the run visible anyway.
		_, err = tx.ExecContext(ctx,
			`INSERT INTO runs (id, mode, status, success, fatal_stage, fatal_key, fatal_cause, report, started_at, finished_at, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			report.RunID, string(report.Mode), status, boolToInt(report.Success),
			fatalStage, fatalKey, fatalCause, string(reportJSON),
			report.StartedAt.UTC(), report.FinishedAt.UTC(), now, now)
		if err != nil {
			return eris.Wrap(err, "inserting finished run")
		}
	}

	if err := insertRecords(ctx, tx, report.RunID, report.Records, false, now); err != nil {
		return err
	}
	if err := insertRecords(ctx, tx, report.RunID, report.Discards, true, now); err != nil {
		return err
	}
	for _, entry := range report.Summaries {
		var amount sql.NullFloat64
		if entry.Amount != nil {
			amount = sql.NullFloat64{Float64: *entry.Amount, Valid: true}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO summaries (run_id, record_id, source_record_id, status, available, amount, currency, reason, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			report.RunID, entry.RecordID, entry.SourceRecordID, string(entry.Status),
			boolToInt(entry.Available), amount, entry.Currency, entry.Reason, now)
		if err != nil {
			return eris.Wrap(err, "inserting summary")
		}
	}

	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "committing run")
	}
	return nil
}

func insertRecords(ctx context.Context, tx *sql.Tx, runID string, records []model.Record, discarded bool, now time.Time) error {
	for _, rec := range records {
		payload, err := json.Marshal(rec.Payload)
		if err != nil {
			return eris.Wrap(err, "encoding record payload")
		}
		lineage, err := json.Marshal(rec.Lineage)
		if err != nil {
			return eris.Wrap(err, "encoding record lineage")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO records (run_id, record_id, source_record_id, status, failed_stage, discarded, payload, lineage, notes, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, rec.RecordID, rec.SourceRecordID, string(rec.Status), rec.FailedStage,
			boolToInt(discarded), string(payload), string(lineage), rec.Notes, now)
		if err != nil {
			return eris.Wrap(err, "inserting record")
		}
	}
	return nil
}

// RunInfo is the listing view of a persisted run.
type RunInfo struct {
	ID         string     `json:"id"`
	Mode       string     `json:"mode"`
	Status     string     `json:"status"`
	Success    bool       `json:"success"`
	FatalStage string     `json:"fatalStage,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// ListRuns returns all runs, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]RunInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, mode, status, success, fatal_stage, started_at, finished_at, updated_at
		 FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, eris.Wrap(err, "listing runs")
	}
	defer rows.Close()

	var runs []RunInfo
	for rows.Next() {
		info, err := scanRunInfo(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, info)
	}
	return runs, rows.Err()
}

// GetRun returns the listing view of one run.
func (s *Store) GetRun(ctx context.Context, runID string) (RunInfo, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, mode, status, success, fatal_stage, started_at, finished_at, updated_at
		 FROM runs WHERE id = ?`, runID)
	info, err := scanRunInfo(row)
	if err == sql.ErrNoRows {
		return RunInfo{}, ErrNotFound
	}
	return info, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRunInfo(row rowScanner) (RunInfo, error) {
	var info RunInfo
	var success int
	var fatalStage sql.NullString
	var finishedAt sql.NullTime
	err := row.Scan(&info.ID, &info.Mode, &info.Status, &success, &fatalStage,
		&info.StartedAt, &finishedAt, &info.UpdatedAt)
	if err == sql.ErrNoRows {
		return info, err
	}
	if err != nil {
		return info, eris.Wrap(err, "scanning run")
	}
	info.Success = success != 0
	info.FatalStage = fatalStage.String
	if finishedAt.Valid {
		t := finishedAt.Time
		info.FinishedAt = &t
	}
	return info, nil
}

// GetReport returns the full report persisted for a finished run. Running
// runs have no report yet.
func (s *Store) GetReport(ctx context.Context, runID string) (*model.PipelineReport, error) {
	var reportJSON sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT report FROM runs WHERE id = ?`, runID).Scan(&reportJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "reading report")
	}
	if !reportJSON.Valid || reportJSON.String == "" {
		return nil, nil
	}
	var report model.PipelineReport
	if err := json.Unmarshal([]byte(reportJSON.String), &report); err != nil {
		return nil, eris.Wrap(err, "decoding report")
	}
	return &report, nil
}

// ListStageResults returns a run's stage outcomes in pipeline order.
func (s *Store) ListStageResults(ctx context.Context, runID string) ([]model.StageResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stage, success, attempts, attempted, succeeded, failed, duration_ms, error_kind, error_message, request, response
		 FROM stage_results WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "listing stage results")
	}
	defer rows.Close()

	var results []model.StageResult
	for rows.Next() {
		var sr model.StageResult
		var success int
		var errKind, errMessage, request, response sql.NullString
		if err := rows.Scan(&sr.StageName, &success, &sr.Attempts,
			&sr.Counts.Attempted, &sr.Counts.Succeeded, &sr.Counts.Failed,
			&sr.DurationMs, &errKind, &errMessage, &request, &response); err != nil {
			return nil, eris.Wrap(err, "scanning stage result")
		}
		sr.Success = success != 0
		if errKind.Valid {
			sr.Err = &model.StageError{Kind: model.ErrorKind(errKind.String), Message: errMessage.String}
		}
		if request.Valid && request.String != "" && request.String != "null" {
			var payload model.StagePayload
			if err := json.Unmarshal([]byte(request.String), &payload); err == nil {
				sr.RequestPayload = &payload
			}
		}
		if response.Valid && response.String != "" {
			sr.ResponsePayload = json.RawMessage(response.String)
		}
		results = append(results, sr)
	}
	return results, rows.Err()
}

// StoredRecord is a final record state together with its dedup audit flag.
type StoredRecord struct {
	model.Record
	Discarded bool `json:"discarded"`
}

// ListRecords returns a run's final record states, dedup discards included.
func (s *Store) ListRecords(ctx context.Context, runID string) ([]StoredRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record_id, source_record_id, status, failed_stage, discarded, payload, lineage, notes
		 FROM records WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "listing records")
	}
	defer rows.Close()

	var records []StoredRecord
	for rows.Next() {
		var rec StoredRecord
		var status string
		var discarded int
		var payload, lineage sql.NullString
		if err := rows.Scan(&rec.RecordID, &rec.SourceRecordID, &status, &rec.FailedStage,
			&discarded, &payload, &lineage, &rec.Notes); err != nil {
			return nil, eris.Wrap(err, "scanning record")
		}
		rec.Status = model.Status(status)
		rec.Discarded = discarded != 0
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &rec.Payload); err != nil {
				return nil, eris.Wrap(err, "decoding record payload")
			}
		}
		if lineage.Valid && lineage.String != "" {
			if err := json.Unmarshal([]byte(lineage.String), &rec.Lineage); err != nil {
				return nil, eris.Wrap(err, "decoding record lineage")
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListSummaries returns a run's consumption summaries.
func (s *Store) ListSummaries(ctx context.Context, runID string) ([]model.SummaryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record_id, source_record_id, status, available, amount, currency, reason
		 FROM summaries WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "listing summaries")
	}
	defer rows.Close()

	var entries []model.SummaryEntry
	for rows.Next() {
		var entry model.SummaryEntry
		var status string
		var available int
		var amount sql.NullFloat64
		if err := rows.Scan(&entry.RecordID, &entry.SourceRecordID, &status,
			&available, &amount, &entry.Currency, &entry.Reason); err != nil {
			return nil, eris.Wrap(err, "scanning summary")
		}
		entry.Status = model.Status(status)
		entry.Available = available != 0
		if amount.Valid {
			a := amount.Float64
			entry.Amount = &a
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// RunError is one failure surfaced by a run: a degraded stage call or the
// fatal abort.
type RunError struct {
	Stage   string `json:"stage"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}

// ListRunErrors returns a run's stage failures, the fatal abort last.
func (s *Store) ListRunErrors(ctx context.Context, runID string) ([]RunError, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stage, error_kind, error_message FROM stage_results
		 WHERE run_id = ? AND success = 0 ORDER BY position`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "listing run errors")
	}
	defer rows.Close()

	var errs []RunError
	for rows.Next() {
		var re RunError
		var kind, message sql.NullString
		if err := rows.Scan(&re.Stage, &kind, &message); err != nil {
			return nil, eris.Wrap(err, "scanning run error")
		}
		re.Kind = kind.String
		re.Message = message.String
		errs = append(errs, re)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var fatalStage, fatalKey, fatalCause sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT fatal_stage, fatal_key, fatal_cause FROM runs WHERE id = ?`, runID).
		Scan(&fatalStage, &fatalKey, &fatalCause)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "reading fatal error")
	}
	if fatalStage.Valid {
		errs = append(errs, RunError{
			Stage:   fatalStage.String,
			Kind:    string(model.ErrKindConfig),
			Message: fatalCause.String,
			Fatal:   true,
		})
	}
	return errs, nil
}

func stagePosition(stage string) int {
	for i, name := range model.StageOrder {
		if name == stage {
			return i
		}
	}
	return len(model.StageOrder)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
