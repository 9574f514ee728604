package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"go-event-pipeline/internal/model"
)

func testConfig(baseURL string) model.PipelineConfig {
	stages := make(map[string]model.StageConfig, len(model.StageOrder))
	for _, name := range model.StageOrder {
		stages[name] = model.StageConfig{
			BaseURL:    baseURL,
			Path:       "/" + name,
			Method:     "POST",
			TimeoutMs:  2000,
			MaxRetries: 3,
			BackoffMs:  1,
		}
	}
	return model.PipelineConfig{Stages: stages}
}

func workedExampleBatch() []model.Record {
	return []model.Record{
		model.NewRecord("A", map[string]interface{}{"amount": 10, "email": "x@y.com"}),
		model.NewRecord("A", map[string]interface{}{"amount": -5}),
		model.NewRecord("B", map[string]interface{}{"amount": 20, "email": "bad"}),
	}
}

// fakeExecutor scripts per-stage failures and records every call.
type fakeExecutor struct {
	mu           sync.Mutex
	calls        []string
	failuresLeft map[string]int
	err          error
}

func (f *fakeExecutor) Execute(_ context.Context, _ model.StageConfig, payload *model.StagePayload) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, payload.Stage)
	if n := f.failuresLeft[payload.Stage]; n > 0 {
		f.failuresLeft[payload.Stage] = n - 1
		return nil, f.err
	}
	return json.Marshal(payload)
}

func (f *fakeExecutor) callsFor(stage string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.calls {
		if s == stage {
			n++
		}
	}
	return n
}

type recordingSink struct {
	mu       sync.Mutex
	began    int
	stages   []string
	finished []*model.PipelineReport
	fail     bool
}

func (s *recordingSink) BeginRun(context.Context, *model.PipelineReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.began++
	if s.fail {
		return errors.New("sink down")
	}
	return nil
}

func (s *recordingSink) SaveStageResult(_ context.Context, _ string, res model.StageResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages = append(s.stages, res.StageName)
	if s.fail {
		return errors.New("sink down")
	}
	return nil
}

func (s *recordingSink) FinishRun(_ context.Context, rep *model.PipelineReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, rep)
	if s.fail {
		return errors.New("sink down")
	}
	return nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestRunWorkedExampleSimulate(t *testing.T) {
	p := New(testConfig("http://stages.invalid"), model.ModeSimulate, WithLogger(zap.NewNop()))
	report, err := p.Run(context.Background(), workedExampleBatch())
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.True(t, report.Success)
	assert.Nil(t, report.Fatal)
	assert.NotEmpty(t, report.RunID)
	require.Len(t, report.Stages, 6)
	for i, sr := range report.Stages {
		assert.Equal(t, model.StageOrder[i], sr.StageName, "stage order is fixed")
		assert.True(t, sr.Success)
		assert.Equal(t, 1, sr.Attempts, "simulate mode never retries")
		require.NotNil(t, sr.RequestPayload)
		assert.JSONEq(t, mustJSON(t, sr.RequestPayload), string(sr.ResponsePayload), "simulate echoes the request")
	}

	wantCounts := map[string]model.StageCounts{
		model.StageIngestion:     {Attempted: 3, Succeeded: 3},
		model.StageDeduplication: {Attempted: 3, Succeeded: 2, Failed: 1},
		model.StageQuality:       {Attempted: 2, Succeeded: 1, Failed: 1},
		model.StageNormalization: {Attempted: 2, Succeeded: 1, Failed: 1},
		model.StageStorage:       {Attempted: 2, Succeeded: 1, Failed: 1},
		model.StageConsumption:   {Attempted: 2, Succeeded: 2},
	}
	for _, sr := range report.Stages {
		assert.Equal(t, wantCounts[sr.StageName], sr.Counts, "counts for %s", sr.StageName)
	}

	require.Len(t, report.Records, 2)
	require.Len(t, report.Discards, 1)
	assert.Equal(t, model.StatusIngested, report.Discards[0].Status)
	assert.Equal(t, "A", report.Discards[0].SourceRecordID)

	byID := make(map[string]model.SummaryEntry)
	require.Len(t, report.Summaries, 2)
	for _, e := range report.Summaries {
		byID[e.SourceRecordID] = e
	}
	a, b := byID["A"], byID["B"]
	assert.True(t, a.Available)
	require.NotNil(t, a.Amount)
	assert.Equal(t, 10.0, *a.Amount)
	assert.Equal(t, model.StatusStored, a.Status)

	assert.False(t, b.Available)
	assert.Equal(t, model.StatusSkipped, b.Status)
	assert.Contains(t, b.Reason, "malformed")

	assert.Equal(t, model.BatchTotals{Records: 2, Available: 1, Unavailable: 1, AmountSum: 10}, report.Totals)

	for _, rec := range report.Records {
		assert.Equal(t, model.StatusSummarized, rec.Status)
	}
}

func TestRunSimulateTouchesNoNetwork(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { hits++ }))
	defer srv.Close()

	p := New(testConfig(srv.URL), model.ModeSimulate, WithLogger(zap.NewNop()))
	report, err := p.Run(context.Background(), workedExampleBatch())
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Zero(t, hits, "simulate mode makes no HTTP calls")
}

func TestRunLiveAgainstStageServices(t *testing.T) {
	var mu sync.Mutex
	seenStages := []string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload model.StagePayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		mu.Lock()
		seenStages = append(seenStages, payload.Stage)
		mu.Unlock()
		assert.Equal(t, "/"+payload.Stage, r.URL.Path)
		assert.NotEmpty(t, payload.RunID)
		w.Write([]byte(`{"ack":true}`))
	}))
	defer srv.Close()

	p := New(testConfig(srv.URL), model.ModeLive, WithLogger(zap.NewNop()))
	report, err := p.Run(context.Background(), workedExampleBatch())
	require.NoError(t, err)

	assert.True(t, report.Success)
	assert.Equal(t, model.StageOrder, seenStages, "one call per stage, in order")
	assert.Equal(t, model.BatchTotals{Records: 2, Available: 1, Unavailable: 1, AmountSum: 10}, report.Totals)
}

func TestRunStageFailureDegradesButCompletes(t *testing.T) {
	exec := &fakeExecutor{
		failuresLeft: map[string]int{model.StageStorage: 99},
		err:          &model.ResponseError{URL: "http://svc/storage", StatusCode: 503},
	}
	p := New(testConfig("http://stages.invalid"), model.ModeLive,
		WithExecutor(exec), WithLogger(zap.NewNop()), WithSleep(noSleep))

	report, err := p.Run(context.Background(), workedExampleBatch())
	require.NoError(t, err, "degraded stages never abort the run")
	require.Len(t, report.Stages, 6, "the run reaches the final stage")

	storage := report.StageByName(model.StageStorage)
	require.NotNil(t, storage)
	assert.False(t, storage.Success)
	assert.Equal(t, 4, storage.Attempts, "maxRetries retries follow the first attempt")
	require.NotNil(t, storage.Err)
	assert.Equal(t, model.ErrKindResponse, storage.Err.Kind)
	assert.Equal(t, 4, exec.callsFor(model.StageStorage))

	consumption := report.StageByName(model.StageConsumption)
	require.NotNil(t, consumption)
	assert.True(t, consumption.Success, "later stages still run")

	assert.False(t, report.Success)
	require.Len(t, report.Summaries, 2)
	for _, e := range report.Summaries {
		assert.False(t, e.Available, "records active in a failed stage end up unavailable")
		assert.Contains(t, e.Reason, "storage stage call failed")
	}
	for _, rec := range report.Records {
		assert.Equal(t, model.StageStorage, rec.FailedStage)
	}
}

func TestRunRetriesThenSucceeds(t *testing.T) {
	exec := &fakeExecutor{
		failuresLeft: map[string]int{model.StageQuality: 2},
		err:          &model.TransportError{URL: "http://svc/quality", Err: errors.New("connection reset")},
	}
	p := New(testConfig("http://stages.invalid"), model.ModeLive,
		WithExecutor(exec), WithLogger(zap.NewNop()), WithSleep(noSleep))

	report, err := p.Run(context.Background(), workedExampleBatch())
	require.NoError(t, err)

	quality := report.StageByName(model.StageQuality)
	require.NotNil(t, quality)
	assert.True(t, quality.Success)
	assert.Equal(t, 3, quality.Attempts, "two failures then success")
	assert.True(t, report.Success)
	for _, rec := range report.Records {
		assert.Empty(t, rec.FailedStage)
	}
}

func TestRunRetriesAddToFirstAttempt(t *testing.T) {
	var mu sync.Mutex
	calls := make(map[string]int)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls[r.URL.Path]++
		mu.Unlock()
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	for name, sc := range cfg.Stages {
		sc.MaxRetries = 2
		cfg.Stages[name] = sc
	}
	p := New(cfg, model.ModeLive, WithLogger(zap.NewNop()), WithSleep(noSleep))

	report, err := p.Run(context.Background(), workedExampleBatch())
	require.NoError(t, err, "degraded stages never abort the run")

	ingestion := report.StageByName(model.StageIngestion)
	require.NotNil(t, ingestion)
	assert.Equal(t, 3, ingestion.Attempts, "two retries on top of the first call")
	assert.Equal(t, 3, calls["/"+model.StageIngestion], "three calls hit the wire")
}

func TestRunMissingStageConfigIsFatal(t *testing.T) {
	cfg := testConfig("http://stages.invalid")
	delete(cfg.Stages, model.StageNormalization)

	p := New(cfg, model.ModeSimulate, WithLogger(zap.NewNop()))
	report, err := p.Run(context.Background(), workedExampleBatch())
	require.Error(t, err)

	var pe *model.PipelineError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, model.StageNormalization, pe.Stage)
	assert.Equal(t, model.StageNormalization, pe.Key)

	require.NotNil(t, report)
	assert.Equal(t, pe, report.Fatal)
	assert.False(t, report.Success)
	assert.Empty(t, report.Stages, "config is checked before any stage call")
}

func TestRunBadEndpointIsFatalMidRun(t *testing.T) {
	cfg := testConfig("http://stages.invalid")
	sc := cfg.Stages[model.StageQuality]
	sc.Method = "FETCH"
	cfg.Stages[model.StageQuality] = sc

	// Stages before quality hit the network; route them through a live server.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	for _, name := range []string{model.StageIngestion, model.StageDeduplication} {
		s := cfg.Stages[name]
		s.BaseURL = srv.URL
		cfg.Stages[name] = s
	}
	p := New(cfg, model.ModeLive, WithLogger(zap.NewNop()), WithSleep(noSleep))

	report, err := p.Run(context.Background(), workedExampleBatch())
	require.Error(t, err)

	var pe *model.PipelineError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, model.StageQuality, pe.Stage)
	require.NotNil(t, report.Fatal)
	require.Len(t, report.Stages, 3, "the failing stage result is retained")
	assert.False(t, report.Stages[2].Success)
	assert.Equal(t, 1, report.Stages[2].Attempts, "config errors are never retried")
}

func TestRunMergesEchoedFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload model.StagePayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		if payload.Stage == model.StageIngestion {
			for i := range payload.Records {
				payload.Records[i].Payload["region"] = "eu-west"
				payload.Records[i].Payload["amount"] = 9999
			}
		}
		json.NewEncoder(w).Encode(payload)
	}))
	defer srv.Close()

	p := New(testConfig(srv.URL), model.ModeLive, WithLogger(zap.NewNop()))
	report, err := p.Run(context.Background(), []model.Record{
		model.NewRecord("A", map[string]interface{}{"amount": 10}),
	})
	require.NoError(t, err)

	require.Len(t, report.Records, 1)
	assert.Equal(t, "eu-west", report.Records[0].Payload["region"], "new echoed fields are merged")
	assert.EqualValues(t, 10, report.Records[0].Payload["amount"], "locally held fields are never overwritten")
}

func TestRunRequestPayloadsAreSnapshots(t *testing.T) {
	p := New(testConfig("http://stages.invalid"), model.ModeSimulate, WithLogger(zap.NewNop()))
	report, err := p.Run(context.Background(), workedExampleBatch())
	require.NoError(t, err)

	ingestion := report.StageByName(model.StageIngestion)
	require.NotNil(t, ingestion)
	for _, rec := range ingestion.RequestPayload.Records {
		assert.Equal(t, model.StatusIngested, rec.Status,
			"the ingestion payload must show statuses as they were sent, not the final state")
	}
	storage := report.StageByName(model.StageStorage)
	require.NotNil(t, storage)
	statuses := make(map[model.Status]int)
	for _, rec := range storage.RequestPayload.Records {
		statuses[rec.Status]++
	}
	assert.Equal(t, map[model.Status]int{model.StatusStored: 1, model.StatusSkipped: 1}, statuses)
}

func TestRunReportsToSink(t *testing.T) {
	sink := &recordingSink{}
	p := New(testConfig("http://stages.invalid"), model.ModeSimulate,
		WithLogger(zap.NewNop()), WithSink(sink))

	report, err := p.Run(context.Background(), workedExampleBatch())
	require.NoError(t, err)

	assert.Equal(t, 1, sink.began)
	assert.Equal(t, model.StageOrder, sink.stages)
	require.Len(t, sink.finished, 1)
	assert.Equal(t, report.RunID, sink.finished[0].RunID)
}

func TestRunSurvivesSinkFailures(t *testing.T) {
	sink := &recordingSink{fail: true}
	p := New(testConfig("http://stages.invalid"), model.ModeSimulate,
		WithLogger(zap.NewNop()), WithSink(sink))

	report, err := p.Run(context.Background(), workedExampleBatch())
	require.NoError(t, err, "a broken run store never fails the run")
	assert.True(t, report.Success)
}

func TestRunHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New(testConfig("http://stages.invalid"), model.ModeSimulate, WithLogger(zap.NewNop()))
	report, err := p.Run(ctx, workedExampleBatch())
	require.Error(t, err)

	var pe *model.PipelineError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, model.StageIngestion, pe.Stage)
	assert.NotNil(t, report.Fatal)
}

func TestRunEmptyBatch(t *testing.T) {
	p := New(testConfig("http://stages.invalid"), model.ModeSimulate, WithLogger(zap.NewNop()))
	report, err := p.Run(context.Background(), nil)
	require.NoError(t, err)

	assert.True(t, report.Success)
	require.Len(t, report.Stages, 6)
	for _, sr := range report.Stages {
		assert.Zero(t, sr.Counts.Attempted)
	}
	assert.Empty(t, report.Summaries)
	assert.Equal(t, model.BatchTotals{}, report.Totals)
}

func TestRunPinsRunID(t *testing.T) {
	p := New(testConfig("http://stages.invalid"), model.ModeSimulate,
		WithLogger(zap.NewNop()), WithRunID("run-fixed"))
	report, err := p.Run(context.Background(), workedExampleBatch())
	require.NoError(t, err)
	assert.Equal(t, "run-fixed", report.RunID)
}

func TestNewWiresLoggerIntoSimulateExecutor(t *testing.T) {
	logger := zap.NewNop()
	p := New(testConfig("http://stages.invalid"), model.ModeSimulate, WithLogger(logger))

	sim, ok := p.exec.(SimulateExecutor)
	require.True(t, ok)
	assert.Same(t, logger, sim.Log, "simulate output follows the configured logger, not the global one")
}

func TestMergeEchoedFieldsLocalWins(t *testing.T) {
	records := []model.Record{model.NewRecord("A", map[string]interface{}{"amount": 10})}
	Ingest(records, time.Now())
	resp := fmt.Sprintf(
		`{"records":[{"recordId":%q,"payload":{"amount":77,"enriched":"yes"}}]}`,
		records[0].RecordID)

	mergeEchoedFields(records, []byte(resp))

	assert.Equal(t, 10, records[0].Payload["amount"], "locally computed fields win")
	assert.Equal(t, "yes", records[0].Payload["enriched"])
}

func TestMergeEchoedFieldsIgnoresGarbage(t *testing.T) {
	records := []model.Record{model.NewRecord("A", map[string]interface{}{"amount": 10})}
	Ingest(records, time.Now())

	mergeEchoedFields(records, nil)
	mergeEchoedFields(records, []byte(`not json`))
	mergeEchoedFields(records, []byte(`{"ack":true}`))
	mergeEchoedFields(records, []byte(`{"records":{"recordId":"x"}}`))

	assert.Equal(t, map[string]interface{}{"amount": 10}, records[0].Payload)
}

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}
