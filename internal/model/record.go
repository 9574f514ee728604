package model

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a record inside the pipeline. Transitions
// are strictly forward: a record never returns to an earlier state.
type Status string

const (
	StatusRaw        Status = "RAW"
	StatusIngested   Status = "INGESTED"
	StatusDeduped    Status = "DEDUPED"
	StatusValid      Status = "VALID"
	StatusInvalid    Status = "INVALID"
	StatusNormalized Status = "NORMALIZED"
	StatusRejected   Status = "REJECTED"
	StatusStored     Status = "STORED"
	StatusSkipped    Status = "SKIPPED"
	StatusSummarized Status = "SUMMARIZED"
)

// statusRanks orders statuses along the pipeline. Statuses sharing a rank
// (VALID/INVALID, NORMALIZED/REJECTED, STORED/SKIPPED) are the accept/reject
// outcomes of the same stage.
var statusRanks = map[Status]int{
	StatusRaw:        0,
	StatusIngested:   1,
	StatusDeduped:    2,
	StatusValid:      3,
	StatusInvalid:    3,
	StatusNormalized: 4,
	StatusRejected:   4,
	StatusStored:     5,
	StatusSkipped:    5,
	StatusSummarized: 6,
}

// Rank returns the position of s in the stage order, or -1 for an unknown status.
func (s Status) Rank() int {
	r, ok := statusRanks[s]
	if !ok {
		return -1
	}
	return r
}

// LineageStamp records when and where a stage touched a record.
type LineageStamp struct {
	Stage     string    `json:"stage"`
	Timestamp time.Time `json:"timestamp"`
	Location  string    `json:"location"`
}

// Record is a single event flowing through the pipeline.
type Record struct {
	// SourceRecordID is the externally supplied identity used for deduplication.
	SourceRecordID string `json:"sourceRecordId"`

	// RecordID is assigned once at ingestion and immutable afterwards.
	RecordID string `json:"recordId,omitempty"`

	Status Status `json:"status"`

	// Payload holds the event fields; stages mutate it in place.
	Payload map[string]interface{} `json:"payload"`

	// Lineage is append-only; stamps are never removed or rewritten.
	Lineage []LineageStamp `json:"lineage,omitempty"`

	// Notes explains why a stage rejected, skipped, or degraded the record.
	Notes string `json:"notes,omitempty"`

	// FailedStage names the stage whose remote call failed after exhausting
	// retries while this record was still active. A degraded record is carried
	// to the end of the run but excluded from further transformation.
	FailedStage string `json:"failedStage,omitempty"`
}

// NewRecord builds a RAW record around an externally supplied source id.
func NewRecord(sourceID string, payload map[string]interface{}) Record {
	if payload == nil {
		payload = make(map[string]interface{})
	}
	return Record{
		SourceRecordID: sourceID,
		Status:         StatusRaw,
		Payload:        payload,
	}
}

// Transition advances the record to next. A transition to a lower rank is a
// programming error and is rejected so status regressions can never be
// persisted silently.
func (r *Record) Transition(next Status) error {
	if next.Rank() < 0 {
		return fmt.Errorf("record %s: unknown status %q", r.RecordID, next)
	}
	if next.Rank() < r.Status.Rank() {
		return fmt.Errorf("record %s: status cannot regress from %s to %s", r.RecordID, r.Status, next)
	}
	r.Status = next
	return nil
}

// Stamp appends a lineage entry for the given stage.
func (r *Record) Stamp(stage string, at time.Time, location string) {
	r.Lineage = append(r.Lineage, LineageStamp{Stage: stage, Timestamp: at, Location: location})
}

// AddNote appends an explanatory note, joining multiple notes with "; ".
func (r *Record) AddNote(note string) {
	if note == "" {
		return
	}
	if r.Notes == "" {
		r.Notes = note
		return
	}
	r.Notes += "; " + note
}

// Degraded reports whether a stage remote call failed while this record was
// active, excluding it from any further transformation.
func (r *Record) Degraded() bool {
	return r.FailedStage != ""
}

// Clone copies the record deeply enough for audit snapshots: stages mutate
// only top-level payload keys, so copying the payload map and lineage slice
// isolates the copy.
func (r Record) Clone() Record {
	cp := r
	cp.Payload = make(map[string]interface{}, len(r.Payload))
	for k, v := range r.Payload {
		cp.Payload[k] = v
	}
	cp.Lineage = append([]LineageStamp(nil), r.Lineage...)
	return cp
}

// CloneBatch clones every record in the slice.
func CloneBatch(records []Record) []Record {
	out := make([]Record, len(records))
	for i := range records {
		out[i] = records[i].Clone()
	}
	return out
}
