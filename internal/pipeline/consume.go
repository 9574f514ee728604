package pipeline

import (
	"time"

	"go-event-pipeline/internal/model"
	"go-event-pipeline/pkg/utils"
)

// Summarize builds the consumption view of the finished batch: exactly one
// entry per surviving record, whatever its outcome. A record is available
// only when it was stored and no stage call failed while it was active;
// everything else is reported unavailable with the reason from its notes.
//
// Records untouched by any stage failure advance to SUMMARIZED; degraded
// records keep the status they had when their stage call failed.
func Summarize(records []model.Record, now time.Time) ([]model.SummaryEntry, model.BatchTotals, model.StageCounts) {
	entries := make([]model.SummaryEntry, 0, len(records))
	var totals model.BatchTotals

	for i := range records {
		rec := &records[i]

		entry := model.SummaryEntry{
			RecordID:       rec.RecordID,
			SourceRecordID: rec.SourceRecordID,
			Status:         rec.Status,
			Available:      rec.Status == model.StatusStored && !rec.Degraded(),
		}
		if f, numeric := utils.NumericOK(rec.Payload["amount"]); numeric {
			amount := f
			entry.Amount = &amount
		}
		if c, isString := utils.AsString(rec.Payload["currency"]); isString && c != "" {
			entry.Currency = c
		}

		if entry.Available {
			totals.Available++
			if entry.Amount != nil {
				totals.AmountSum += *entry.Amount
			}
		} else {
			totals.Unavailable++
			entry.Reason = rec.Notes
			if entry.Reason == "" {
				entry.Reason = "record was not stored"
			}
		}
		entries = append(entries, entry)

		if !rec.Degraded() {
			_ = rec.Transition(model.StatusSummarized)
			rec.Stamp(model.StageConsumption, now, model.StageService(model.StageConsumption))
		}
	}

	totals.Records = len(entries)
	counts := model.StageCounts{
		Attempted: len(records),
		Succeeded: len(entries),
	}
	return entries, totals, counts
}
