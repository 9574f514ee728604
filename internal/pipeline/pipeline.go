package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"go-event-pipeline/internal/model"
)

// RunSink persists run progress. Sink failures never stop a run; they are
// logged and the pipeline moves on.
type RunSink interface {
	BeginRun(ctx context.Context, report *model.PipelineReport) error
	SaveStageResult(ctx context.Context, runID string, result model.StageResult) error
	FinishRun(ctx context.Context, report *model.PipelineReport) error
}

// Pipeline pushes one batch through the six stages in fixed order, calling
// one remote service per stage.
type Pipeline struct {
	cfg   model.PipelineConfig
	mode  model.Mode
	exec  Executor
	sink  RunSink
	log   *zap.Logger
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	runID string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithExecutor replaces the mode-selected executor.
func WithExecutor(e Executor) Option { return func(p *Pipeline) { p.exec = e } }

// WithSink attaches a run store.
func WithSink(s RunSink) Option { return func(p *Pipeline) { p.sink = s } }

// WithLogger replaces the global logger.
func WithLogger(l *zap.Logger) Option { return func(p *Pipeline) { p.log = l } }

// WithClock replaces the wall clock; tests pin timestamps with it.
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

// WithSleep replaces the backoff wait between retry attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Pipeline) { p.sleep = fn }
}

// WithRunID pins the run id instead of generating one; the API server
// assigns ids up front so it can answer before the run finishes.
func WithRunID(id string) Option { return func(p *Pipeline) { p.runID = id } }

// New builds a pipeline for the given configuration and mode.
func New(cfg model.PipelineConfig, mode model.Mode, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:  cfg,
		mode: mode,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = zap.L()
	}
	if p.exec == nil {
		p.exec = ExecutorForMode(mode, p.log)
	}
	return p
}

// Run executes the full pipeline over one batch and returns the report.
// Degraded stages leave their records unavailable but never stop the run;
// only configuration failures (and cancellation) abort, and then the report
// built so far is returned together with the fatal error.
func (p *Pipeline) Run(ctx context.Context, records []model.Record) (*model.PipelineReport, error) {
	runID := p.runID
	if runID == "" {
		runID = uuid.NewString()
	}
	report := &model.PipelineReport{
		RunID:     runID,
		Mode:      p.mode,
		StartedAt: p.now(),
	}
	log := p.log.With(zap.String("runId", runID), zap.String("mode", string(p.mode)))
	log.Info("pipeline run starting", zap.Int("records", len(records)))

	if err := p.cfg.Validate(); err != nil {
		return p.abort(ctx, report, log, stageOfConfigError(err), err)
	}
	p.beginRun(ctx, report, log)

	batch := make([]model.Record, len(records))
	copy(batch, records)

	for _, stage := range model.StageOrder {
		if err := ctx.Err(); err != nil {
			report.Records = batch
			return p.abort(ctx, report, log, stage, err)
		}
		sc, err := p.cfg.Stage(stage)
		if err != nil {
			report.Records = batch
			return p.abort(ctx, report, log, stage, err)
		}

		stageStart := p.now()
		var counts model.StageCounts
		switch stage {
		case model.StageIngestion:
			counts = Ingest(batch, stageStart)
		case model.StageDeduplication:
			var kept, dropped []model.Record
			kept, dropped, counts = Dedupe(batch, stageStart)
			batch = kept
			report.Discards = append(report.Discards, dropped...)
		case model.StageQuality:
			counts = ValidateQuality(batch, stageStart)
		case model.StageNormalization:
			counts = Normalize(batch, stageStart)
		case model.StageStorage:
			counts = MarkStored(batch, stageStart)
		case model.StageConsumption:
			report.Summaries, report.Totals, counts = Summarize(batch, stageStart)
		}

		// The payload is a snapshot: later stages keep mutating the batch in
		// place, and stage results must show what was actually sent.
		payload := &model.StagePayload{RunID: runID, Stage: stage, Records: model.CloneBatch(batch)}
		if stage == model.StageConsumption {
			payload.Summaries = report.Summaries
		}

		result, callErr := p.callStage(ctx, sc, payload)
		result.Counts = counts
		result.DurationMs = p.now().Sub(stageStart).Milliseconds()
		report.Stages = append(report.Stages, result)
		p.saveStageResult(ctx, runID, result, log)

		fields := []zap.Field{
			zap.String("stage", stage),
			zap.Int("attempted", counts.Attempted),
			zap.Int("succeeded", counts.Succeeded),
			zap.Int("failed", counts.Failed),
			zap.Int("attempts", result.Attempts),
			zap.Int64("durationMs", result.DurationMs),
		}
		if callErr == nil {
			mergeEchoedFields(batch, result.ResponsePayload)
			log.Info("stage complete", fields...)
			continue
		}
		if model.Classify(callErr) == model.ErrKindConfig {
			report.Records = batch
			return p.abort(ctx, report, log, stage, callErr)
		}
		degradeBatch(batch, stage, result.Attempts, callErr)
		log.Warn("stage call failed, continuing run", append(fields, zap.Error(callErr))...)
	}

	report.Records = batch
	p.finalize(ctx, report, log)
	return report, nil
}

// callStage performs the remote exchange for one stage under its retry
// policy. The returned error is the final one after retries were exhausted.
func (p *Pipeline) callStage(ctx context.Context, sc model.StageConfig, payload *model.StagePayload) (model.StageResult, error) {
	result := model.StageResult{
		StageName:      payload.Stage,
		RequestPayload: payload,
	}

	policy := PolicyFromConfig(sc)
	policy.Sleep = p.sleep

	var resp []byte
	attempts, err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			p.log.Debug("retrying stage call",
				zap.String("stage", payload.Stage),
				zap.Int("attempt", attempt),
				zap.Int("maxAttempts", policy.MaxAttempts))
		}
		var callErr error
		resp, callErr = p.exec.Execute(ctx, sc, payload)
		return callErr
	})
	result.Attempts = attempts
	if err != nil {
		result.Err = model.NewStageError(err)
		return result, err
	}
	result.Success = true
	result.ResponsePayload = resp
	return result, nil
}

// degradeBatch marks every record that was active in the failed stage. The
// records keep their current status but are excluded from all further
// transformation and end up unavailable.
func degradeBatch(batch []model.Record, stage string, attempts int, err error) {
	note := fmt.Sprintf("%s stage call failed after %d attempt(s): %v", stage, attempts, err)
	for i := range batch {
		if batch[i].Degraded() {
			continue
		}
		batch[i].FailedStage = stage
		batch[i].AddNote(note)
	}
}

// mergeEchoedFields copies payload fields the stage service echoed back that
// the local record does not carry yet. Locally computed fields always win.
func mergeEchoedFields(batch []model.Record, resp []byte) {
	if len(resp) == 0 {
		return
	}
	echoed := gjson.GetBytes(resp, "records")
	if !echoed.IsArray() {
		return
	}
	byID := make(map[string]gjson.Result, len(batch))
	echoed.ForEach(func(_, item gjson.Result) bool {
		if id := item.Get("recordId").String(); id != "" {
			byID[id] = item
		}
		return true
	})
	for i := range batch {
		rec := &batch[i]
		if rec.Degraded() {
			continue
		}
		item, ok := byID[rec.RecordID]
		if !ok {
			continue
		}
		item.Get("payload").ForEach(func(key, value gjson.Result) bool {
			k := key.String()
			if _, exists := rec.Payload[k]; !exists {
				rec.Payload[k] = value.Value()
			}
			return true
		})
	}
}

func (p *Pipeline) abort(ctx context.Context, report *model.PipelineReport, log *zap.Logger, stage string, err error) (*model.PipelineReport, error) {
	pe := model.AbortError(stage, err)
	report.Fatal = pe
	log.Error("pipeline aborted", zap.String("stage", stage), zap.Error(err))
	p.finalize(ctx, report, log)
	return report, pe
}

func (p *Pipeline) finalize(ctx context.Context, report *model.PipelineReport, log *zap.Logger) {
	report.FinishedAt = p.now()
	report.Success = report.Fatal == nil
	for _, sr := range report.Stages {
		if !sr.Success {
			report.Success = false
			break
		}
	}
	if p.sink != nil {
		if err := p.sink.FinishRun(ctx, report); err != nil {
			log.Warn("run store rejected final report", zap.Error(eris.Wrap(err, "finishing run")))
		}
	}
	log.Info("pipeline run finished",
		zap.Bool("success", report.Success),
		zap.Int("stages", len(report.Stages)),
		zap.Int("records", len(report.Records)),
		zap.Int("discards", len(report.Discards)),
		zap.Duration("duration", report.Duration()))
}

func (p *Pipeline) beginRun(ctx context.Context, report *model.PipelineReport, log *zap.Logger) {
	if p.sink == nil {
		return
	}
	if err := p.sink.BeginRun(ctx, report); err != nil {
		log.Warn("run store rejected run start", zap.Error(eris.Wrap(err, "beginning run")))
	}
}

func (p *Pipeline) saveStageResult(ctx context.Context, runID string, result model.StageResult, log *zap.Logger) {
	if p.sink == nil {
		return
	}
	if err := p.sink.SaveStageResult(ctx, runID, result); err != nil {
		log.Warn("run store rejected stage result",
			zap.String("stage", result.StageName),
			zap.Error(eris.Wrap(err, "saving stage result")))
	}
}

// stageOfConfigError maps a configuration failure back to the stage whose
// entry is unusable, for the abort report.
func stageOfConfigError(err error) string {
	pe := model.AbortError("", err)
	if pe.Key != "" {
		return pe.Key
	}
	return model.StageIngestion
}
