package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionForward(t *testing.T) {
	r := NewRecord("src-1", map[string]interface{}{"amount": 10})
	require.Equal(t, StatusRaw, r.Status)

	for _, next := range []Status{StatusIngested, StatusDeduped, StatusValid, StatusNormalized, StatusStored, StatusSummarized} {
		require.NoError(t, r.Transition(next))
		assert.Equal(t, next, r.Status)
	}
}

func TestTransitionRejectsRegression(t *testing.T) {
	r := NewRecord("src-1", nil)
	require.NoError(t, r.Transition(StatusValid))

	err := r.Transition(StatusIngested)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "regress")
	assert.Equal(t, StatusValid, r.Status, "failed transition must not change status")
}

func TestTransitionSameRankOutcome(t *testing.T) {
	// VALID and INVALID share a rank; moving between them is not a regression.
	r := NewRecord("src-1", nil)
	require.NoError(t, r.Transition(StatusValid))
	require.NoError(t, r.Transition(StatusInvalid))
	assert.Equal(t, StatusInvalid, r.Status)
}

func TestTransitionUnknownStatus(t *testing.T) {
	r := NewRecord("src-1", nil)
	err := r.Transition(Status("BOGUS"))
	require.Error(t, err)
	assert.Equal(t, StatusRaw, r.Status)
}

func TestStatusRanks(t *testing.T) {
	assert.Equal(t, StatusValid.Rank(), StatusInvalid.Rank())
	assert.Equal(t, StatusNormalized.Rank(), StatusRejected.Rank())
	assert.Equal(t, StatusStored.Rank(), StatusSkipped.Rank())
	assert.Less(t, StatusIngested.Rank(), StatusDeduped.Rank())
	assert.Equal(t, -1, Status("?").Rank())
}

func TestAddNoteJoins(t *testing.T) {
	r := NewRecord("src-1", nil)
	r.AddNote("")
	assert.Empty(t, r.Notes)

	r.AddNote("amount must be positive")
	r.AddNote("email is malformed")
	assert.Equal(t, "amount must be positive; email is malformed", r.Notes)
}

func TestStampAppendOnly(t *testing.T) {
	r := NewRecord("src-1", nil)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.Stamp(StageIngestion, t0, StageService(StageIngestion))
	r.Stamp(StageStorage, t0.Add(time.Second), StageService(StageStorage))

	require.Len(t, r.Lineage, 2)
	assert.Equal(t, StageIngestion, r.Lineage[0].Stage)
	assert.Equal(t, "dataingestion-service", r.Lineage[0].Location)
	assert.Equal(t, StageStorage, r.Lineage[1].Stage)
	assert.True(t, r.Lineage[1].Timestamp.After(r.Lineage[0].Timestamp))
}

func TestNewRecordDefaults(t *testing.T) {
	r := NewRecord("src-9", nil)
	assert.NotNil(t, r.Payload)
	assert.Equal(t, StatusRaw, r.Status)
	assert.Empty(t, r.RecordID)
	assert.False(t, r.Degraded())

	r.FailedStage = StageQuality
	assert.True(t, r.Degraded())
}
