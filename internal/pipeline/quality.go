package pipeline

import (
	"fmt"
	"math"
	"regexp"
	"sync"
	"time"

	"go-event-pipeline/internal/model"
	"go-event-pipeline/pkg/utils"
)

// qualityWorkers bounds the validation pool; each worker owns a disjoint
// slice range, so no locking is needed.
const qualityWorkers = 4

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// qualityRule is a named check over a record payload. A failing rule
// contributes one reason; every rule runs regardless of earlier failures.
type qualityRule struct {
	name  string
	check func(payload map[string]interface{}) (ok bool, reason string)
}

var qualityRules = []qualityRule{
	{name: "amount-positive", check: checkAmountPositive},
	{name: "email-syntax", check: checkEmailSyntax},
}

func checkAmountPositive(payload map[string]interface{}) (bool, string) {
	v, present := payload["amount"]
	if !present {
		return false, "amount is missing"
	}
	f, numeric := utils.NumericOK(v)
	if !numeric {
		return false, fmt.Sprintf("amount %v is not numeric", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return false, "amount is not a finite number"
	}
	if f <= 0 {
		return false, fmt.Sprintf("amount must be greater than zero, got %v", v)
	}
	return true, ""
}

// checkEmailSyntax passes records without an email; the field is optional.
func checkEmailSyntax(payload map[string]interface{}) (bool, string) {
	v, present := payload["email"]
	if !present || v == nil {
		return true, ""
	}
	s, isString := utils.AsString(v)
	if !isString {
		return false, fmt.Sprintf("email %v is not a string", v)
	}
	if s == "" {
		return true, ""
	}
	if !emailPattern.MatchString(s) {
		return false, fmt.Sprintf("email %q is malformed", s)
	}
	return true, ""
}

// ValidateQuality marks every deduplicated record VALID or INVALID. All rules
// are evaluated for every record and the notes carry the union of failures;
// validation itself never errors. Records are checked in parallel across
// disjoint index ranges.
func ValidateQuality(records []model.Record, now time.Time) model.StageCounts {
	workers := qualityWorkers
	if len(records) < workers {
		workers = len(records)
	}
	if workers > 1 {
		var wg sync.WaitGroup
		chunk := (len(records) + workers - 1) / workers
		for start := 0; start < len(records); start += chunk {
			end := start + chunk
			if end > len(records) {
				end = len(records)
			}
			wg.Add(1)
			go func(part []model.Record) {
				defer wg.Done()
				for i := range part {
					checkQuality(&part[i], now)
				}
			}(records[start:end])
		}
		wg.Wait()
	} else {
		for i := range records {
			checkQuality(&records[i], now)
		}
	}

	var counts model.StageCounts
	for i := range records {
		switch {
		case records[i].Degraded():
		case records[i].Status == model.StatusValid:
			counts.Attempted++
			counts.Succeeded++
		case records[i].Status == model.StatusInvalid:
			counts.Attempted++
			counts.Failed++
		}
	}
	return counts
}

func checkQuality(rec *model.Record, now time.Time) {
	if rec.Degraded() || rec.Status != model.StatusDeduped {
		return
	}
	failed := false
	for _, rule := range qualityRules {
		if ok, reason := rule.check(rec.Payload); !ok {
			failed = true
			rec.AddNote(reason)
		}
	}
	if failed {
		_ = rec.Transition(model.StatusInvalid)
		return
	}
	_ = rec.Transition(model.StatusValid)
	rec.Stamp(model.StageQuality, now, model.StageService(model.StageQuality))
}
