package model

import (
	"encoding/json"
	"time"
)

// StagePayload is the JSON body sent to a stage service for one batch call.
type StagePayload struct {
	RunID   string   `json:"runId"`
	Stage   string   `json:"stage"`
	Records []Record `json:"records"`

	// Summaries is populated for the consumption stage only.
	Summaries []SummaryEntry `json:"summaries,omitempty"`
}

// StageCounts summarizes how the batch fared in one stage.
type StageCounts struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// StageResult captures the outcome of one stage execution for the report and
// the run store.
type StageResult struct {
	StageName string `json:"stageName"`
	Success   bool   `json:"success"`

	// RequestPayload is the body sent to the stage service. In simulate mode
	// ResponsePayload echoes it byte for byte.
	RequestPayload  *StagePayload   `json:"requestPayload,omitempty"`
	ResponsePayload json.RawMessage `json:"responsePayload,omitempty"`

	// Attempts is how many calls were made, including the successful one.
	// Simulate mode always reports one attempt.
	Attempts int `json:"attempts"`

	Counts     StageCounts `json:"counts"`
	Err        *StageError `json:"error,omitempty"`
	DurationMs int64       `json:"durationMs"`
}

// SummaryEntry is the per-record consumption view of the finished batch.
// Status captures the record's outcome as consumption saw it, before the
// final SUMMARIZED transition.
type SummaryEntry struct {
	RecordID       string   `json:"recordId"`
	SourceRecordID string   `json:"sourceRecordId"`
	Status         Status   `json:"status"`
	Available      bool     `json:"available"`
	Amount         *float64 `json:"amount,omitempty"`
	Currency       string   `json:"currency,omitempty"`
	Reason         string   `json:"reason,omitempty"`
}

// BatchTotals is the analytics rollup produced by the consumption stage.
type BatchTotals struct {
	Records     int     `json:"records"`
	Available   int     `json:"available"`
	Unavailable int     `json:"unavailable"`
	AmountSum   float64 `json:"amountSum"`
}

// PipelineReport is the full outcome of one run: every stage result, the
// final state of every record, and the consumption rollup.
type PipelineReport struct {
	RunID      string    `json:"runId"`
	Mode       Mode      `json:"mode"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`

	Stages []StageResult `json:"stages"`

	// Records holds the final state of every record that survived
	// deduplication. Discards holds the duplicates removed by it; they stay
	// out of summaries but remain visible for audit.
	Records  []Record `json:"records"`
	Discards []Record `json:"discards,omitempty"`

	Summaries []SummaryEntry `json:"summaries"`
	Totals    BatchTotals    `json:"totals"`

	// Fatal is set when the run aborted; partial results up to the abort are
	// retained above.
	Fatal *PipelineError `json:"fatal,omitempty"`

	// Success means the run completed with every stage call succeeding.
	// A run with degraded stages still finishes, but is not a success.
	Success bool `json:"success"`
}

// StageByName returns the result for the named stage, or nil when the run
// never reached it.
func (r *PipelineReport) StageByName(name string) *StageResult {
	for i := range r.Stages {
		if r.Stages[i].StageName == name {
			return &r.Stages[i]
		}
	}
	return nil
}

// Duration returns the wall-clock time the run took.
func (r *PipelineReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
