package pipeline

import (
	"fmt"
	"strings"
	"time"

	"go-event-pipeline/internal/model"
	"go-event-pipeline/pkg/utils"
)

// Fallbacks applied when a value has no table entry. Unknown inputs never
// pass through raw; they map to the fallback and leave a note.
const (
	fallbackCurrency = "XXX"
	fallbackStatus   = "unknown"
)

// currencyTable maps accepted currency spellings to ISO 4217 codes.
var currencyTable = map[string]string{
	"usd":     "USD",
	"us$":     "USD",
	"dollar":  "USD",
	"dollars": "USD",
	"eur":     "EUR",
	"euro":    "EUR",
	"euros":   "EUR",
	"gbp":     "GBP",
	"pound":   "GBP",
	"pounds":  "GBP",
	"jpy":     "JPY",
	"yen":     "JPY",
	"cad":     "CAD",
	"aud":     "AUD",
	"chf":     "CHF",
}

// statusTable maps accepted event status spellings to canonical values.
var statusTable = map[string]string{
	"complete":    "completed",
	"completed":   "completed",
	"done":        "completed",
	"success":     "completed",
	"ok":          "completed",
	"pending":     "pending",
	"in_progress": "pending",
	"in-progress": "pending",
	"processing":  "pending",
	"open":        "pending",
	"failed":      "failed",
	"failure":     "failed",
	"error":       "failed",
	"cancelled":   "cancelled",
	"canceled":    "cancelled",
	"refunded":    "refunded",
	"refund":      "refunded",
}

// Normalize rewrites the payload fields of VALID records into canonical form
// and moves them to NORMALIZED. INVALID records skip field rewriting entirely
// and become REJECTED, keeping their quality notes.
func Normalize(records []model.Record, now time.Time) model.StageCounts {
	var counts model.StageCounts
	for i := range records {
		rec := &records[i]
		if rec.Degraded() {
			continue
		}
		switch rec.Status {
		case model.StatusValid:
			counts.Attempted++
			normalizeFields(rec, now)
			_ = rec.Transition(model.StatusNormalized)
			rec.Stamp(model.StageNormalization, now, model.StageService(model.StageNormalization))
			counts.Succeeded++
		case model.StatusInvalid:
			counts.Attempted++
			rec.AddNote("normalization skipped")
			_ = rec.Transition(model.StatusRejected)
			counts.Failed++
		}
	}
	return counts
}

func normalizeFields(rec *model.Record, now time.Time) {
	if v, present := rec.Payload["currency"]; present {
		rec.Payload["currency"] = normalizeCurrency(rec, v)
	}
	if v, present := rec.Payload["status"]; present {
		rec.Payload["status"] = normalizeStatus(rec, v)
	}
	if v, present := rec.Payload["sku"]; present {
		if s, isString := utils.AsString(v); isString && s != "" {
			rec.Payload["sku"] = CanonicalSKU(s)
		}
	}
	rec.Payload["normalizedAt"] = now.UTC().Format(time.RFC3339)
}

func normalizeCurrency(rec *model.Record, v interface{}) string {
	s, isString := utils.AsString(v)
	if isString {
		if code, known := currencyTable[strings.ToLower(s)]; known {
			return code
		}
	}
	rec.AddNote(fmt.Sprintf("currency %v is not recognized, mapped to %s", v, fallbackCurrency))
	return fallbackCurrency
}

func normalizeStatus(rec *model.Record, v interface{}) string {
	s, isString := utils.AsString(v)
	if isString {
		if canonical, known := statusTable[strings.ToLower(s)]; known {
			return canonical
		}
	}
	rec.AddNote(fmt.Sprintf("status %v is not recognized, mapped to %s", v, fallbackStatus))
	return fallbackStatus
}

// CanonicalSKU reformats a product code into uppercase alphanumeric runs
// joined by single dashes: " ab_12 cd " becomes "AB-12-CD".
func CanonicalSKU(s string) string {
	upper := strings.ToUpper(s)
	var runs []string
	var current strings.Builder
	for _, r := range upper {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			current.WriteRune(r)
			continue
		}
		if current.Len() > 0 {
			runs = append(runs, current.String())
			current.Reset()
		}
	}
	if current.Len() > 0 {
		runs = append(runs, current.String())
	}
	return strings.Join(runs, "-")
}
