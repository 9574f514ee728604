package pipeline

import (
	"time"

	"github.com/google/uuid"

	"go-event-pipeline/internal/model"
)

// Ingest activates a raw batch: every record receives its permanent record id
// and moves to INGESTED. Ids already assigned are kept; a record id is set
// exactly once and never reused, even when deduplication later collapses
// records sharing a source id.
func Ingest(records []model.Record, now time.Time) model.StageCounts {
	for i := range records {
		rec := &records[i]
		if rec.RecordID == "" {
			rec.RecordID = uuid.NewString()
		}
		if rec.Payload == nil {
			rec.Payload = make(map[string]interface{})
		}
		_ = rec.Transition(model.StatusIngested)
		rec.Stamp(model.StageIngestion, now, model.StageService(model.StageIngestion))
	}
	return model.StageCounts{
		Attempted: len(records),
		Succeeded: len(records),
	}
}
