package pipeline

import (
	"time"

	"go-event-pipeline/internal/model"
)

// MarkStored finishes the storage stage locally: NORMALIZED records get their
// storage lineage stamp and become STORED, while REJECTED records become
// SKIPPED with a note and are never handed to the storage backend as data to
// persist. Skipped records still count toward the stage totals.
func MarkStored(records []model.Record, now time.Time) model.StageCounts {
	var counts model.StageCounts
	for i := range records {
		rec := &records[i]
		if rec.Degraded() {
			continue
		}
		switch rec.Status {
		case model.StatusNormalized:
			counts.Attempted++
			_ = rec.Transition(model.StatusStored)
			rec.Stamp(model.StageStorage, now, model.StageService(model.StageStorage))
			counts.Succeeded++
		case model.StatusRejected:
			counts.Attempted++
			rec.AddNote("not persisted")
			_ = rec.Transition(model.StatusSkipped)
			counts.Failed++
		}
	}
	return counts
}
