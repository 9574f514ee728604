package pipeline

import (
	"fmt"
	"time"

	"go-event-pipeline/internal/model"
)

// Dedupe collapses the batch by source record id. The first record carrying a
// given id in input order wins; later ones are discarded with a note naming
// the survivor. Discarded records keep their INGESTED status and stay out of
// every later stage, but remain available for audit.
//
// Running Dedupe over an already deduplicated batch discards nothing.
func Dedupe(records []model.Record, now time.Time) (kept, discarded []model.Record, counts model.StageCounts) {
	kept = make([]model.Record, 0, len(records))
	seen := make(map[string]string, len(records))

	for _, rec := range records {
		winner, dup := seen[rec.SourceRecordID]
		if dup {
			rec.AddNote(fmt.Sprintf("duplicate of record %s for source id %q", winner, rec.SourceRecordID))
			discarded = append(discarded, rec)
			continue
		}
		seen[rec.SourceRecordID] = rec.RecordID
		if !rec.Degraded() {
			_ = rec.Transition(model.StatusDeduped)
			rec.Stamp(model.StageDeduplication, now, model.StageService(model.StageDeduplication))
		}
		kept = append(kept, rec)
	}

	counts = model.StageCounts{
		Attempted: len(records),
		Succeeded: len(kept),
		Failed:    len(discarded),
	}
	return kept, discarded, counts
}
