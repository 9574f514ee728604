package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"go-event-pipeline/internal/model"
	"go-event-pipeline/internal/pipeline"
	"go-event-pipeline/internal/store"
	"go-event-pipeline/pkg/utils"
)

// RunHandler serves the run endpoints. Submitted batches execute
// asynchronously; the GET endpoints read whatever the store has so far, and
// finished runs leave their exported artifacts under the output manager.
type RunHandler struct {
	store *store.Store
	cfg   model.PipelineConfig
	out   *utils.OutputManager
}

// New builds a handler over the run store, the stage configuration and the
// artifact output directory.
func New(st *store.Store, cfg model.PipelineConfig, out *utils.OutputManager) *RunHandler {
	return &RunHandler{store: st, cfg: cfg, out: out}
}

// RecordInput is one raw record in a run submission.
type RecordInput struct {
	SourceRecordID string                 `json:"sourceRecordId"`
	Payload        map[string]interface{} `json:"payload"`
}

// CreateRunRequest is the body of a run submission.
type CreateRunRequest struct {
	Mode    string        `json:"mode,omitempty"`
	Records []RecordInput `json:"records"`
}

// CreateRun starts a pipeline run over the submitted batch
// @Summary Submit a run
// @Description Submit a batch of raw records and start a pipeline run over it
// @Tags runs
// @Accept json
// @Produce json
// @Param run body CreateRunRequest true "Batch and execution mode"
// @Success 202 {object} map[string]interface{} "Run accepted"
// @Failure 400 {object} map[string]interface{} "Invalid request payload"
// @Router /runs [post]
func (h *RunHandler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	if len(req.Records) == 0 {
		http.Error(w, "At least one record is required", http.StatusBadRequest)
		return
	}

	mode := model.ModeLive
	switch req.Mode {
	case "", string(model.ModeLive):
	case string(model.ModeSimulate):
		mode = model.ModeSimulate
	default:
		http.Error(w, "Mode must be live or simulate", http.StatusBadRequest)
		return
	}

	records := make([]model.Record, 0, len(req.Records))
	for _, in := range req.Records {
		if strings.TrimSpace(in.SourceRecordID) == "" {
			http.Error(w, "Every record needs a sourceRecordId", http.StatusBadRequest)
			return
		}
		records = append(records, model.NewRecord(strings.TrimSpace(in.SourceRecordID), in.Payload))
	}

	runID := uuid.NewString()
	p := pipeline.New(h.cfg, mode,
		pipeline.WithRunID(runID),
		pipeline.WithSink(h.store))

	go func() {
		report, err := p.Run(context.Background(), records)
		if err != nil {
			zap.L().Error("run aborted", zap.String("runId", runID), zap.Error(err))
		}
		if report == nil || h.out == nil {
			return
		}
		if _, err := pipeline.ExportReport(report, h.out.BaseOutputDir); err != nil {
			zap.L().Warn("exporting run artifacts", zap.String("runId", runID), zap.Error(err))
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"runId":     runID,
		"mode":      string(mode),
		"status":    store.RunStatusRunning,
		"records":   len(records),
		"createdAt": time.Now().UTC(),
	})
}

// ListRuns retrieves all runs
// @Summary List runs
// @Description List every run, newest first
// @Tags runs
// @Produce json
// @Success 200 {array} store.RunInfo "Runs"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /runs [get]
func (h *RunHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.store.ListRuns(r.Context())
	if err != nil {
		zap.L().Error("listing runs", zap.Error(err))
		http.Error(w, "Failed to list runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []store.RunInfo{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(runs)
}

// GetRun retrieves one run
// @Summary Get run
// @Description Retrieve the status of one run
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} store.RunInfo "Run"
// @Failure 404 {object} map[string]interface{} "Run not found"
// @Router /runs/{id} [get]
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDFromPath(w, r, "")
	if !ok {
		return
	}
	info, err := h.store.GetRun(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err, "Failed to read run")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

// GetRunReport retrieves the full report of a finished run
// @Summary Get run report
// @Description Retrieve the full pipeline report of a finished run
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} model.PipelineReport "Report"
// @Failure 404 {object} map[string]interface{} "Run not found"
// @Router /runs/{id}/report [get]
func (h *RunHandler) GetRunReport(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDFromPath(w, r, "/report")
	if !ok {
		return
	}
	report, err := h.store.GetReport(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err, "Failed to read report")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if report == nil {
		// The run exists but has not finished.
		json.NewEncoder(w).Encode(map[string]interface{}{
			"runId":  runID,
			"status": store.RunStatusRunning,
		})
		return
	}
	json.NewEncoder(w).Encode(report)
}

// GetRunStages retrieves a run's stage results
// @Summary Get stage results
// @Description Retrieve the per-stage outcomes of a run in pipeline order
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} map[string]interface{} "Stage results"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /runs/{id}/stages [get]
func (h *RunHandler) GetRunStages(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDFromPath(w, r, "/stages")
	if !ok {
		return
	}
	results, err := h.store.ListStageResults(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err, "Failed to read stage results")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"runId":  runID,
		"stages": results,
		"count":  len(results),
	})
}

// GetRunRecords retrieves a run's final record states
// @Summary Get run records
// @Description Retrieve the final state of every record, dedup discards included
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} map[string]interface{} "Records"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /runs/{id}/records [get]
func (h *RunHandler) GetRunRecords(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDFromPath(w, r, "/records")
	if !ok {
		return
	}
	records, err := h.store.ListRecords(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err, "Failed to read records")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"runId":   runID,
		"records": records,
		"count":   len(records),
	})
}

// GetRunSummary retrieves a run's consumption summaries
// @Summary Get run summary
// @Description Retrieve the consumption summary entries of a run
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} map[string]interface{} "Summaries"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /runs/{id}/summary [get]
func (h *RunHandler) GetRunSummary(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDFromPath(w, r, "/summary")
	if !ok {
		return
	}
	summaries, err := h.store.ListSummaries(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err, "Failed to read summaries")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"runId":     runID,
		"summaries": summaries,
		"count":     len(summaries),
	})
}

// GetRunErrors retrieves a run's failures
// @Summary Get run errors
// @Description Retrieve a run's degraded stage calls and fatal abort, if any
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} map[string]interface{} "Errors"
// @Failure 404 {object} map[string]interface{} "Run not found"
// @Router /runs/{id}/errors [get]
func (h *RunHandler) GetRunErrors(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDFromPath(w, r, "/errors")
	if !ok {
		return
	}
	runErrors, err := h.store.ListRunErrors(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err, "Failed to read run errors")
		return
	}
	if runErrors == nil {
		runErrors = []store.RunError{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"runId":  runID,
		"errors": runErrors,
		"count":  len(runErrors),
	})
}

// GetRunFiles lists a run's exported artifacts
// @Summary List run files
// @Description List the artifacts exported for a run, with download locations
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} map[string]interface{} "Files"
// @Failure 404 {object} map[string]interface{} "Run not found"
// @Router /runs/{id}/files [get]
func (h *RunHandler) GetRunFiles(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDFromPath(w, r, "/files")
	if !ok {
		return
	}
	if _, err := h.store.GetRun(r.Context(), runID); err != nil {
		writeStoreError(w, err, "Failed to read run")
		return
	}

	runDir := filepath.Join(h.out.BaseOutputDir, runID)
	entries, err := os.ReadDir(runDir)
	if err != nil && !os.IsNotExist(err) {
		zap.L().Error("listing run files", zap.String("runId", runID), zap.Error(err))
		http.Error(w, "Failed to list run files", http.StatusInternalServerError)
		return
	}

	// A run that has not finished exporting simply has no files yet.
	files := []map[string]interface{}{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		size, err := h.out.FileSize(filepath.Join(runDir, entry.Name()))
		if err != nil {
			continue
		}
		files = append(files, map[string]interface{}{
			"name":        entry.Name(),
			"type":        h.out.FileType(entry.Name()),
			"sizeBytes":   size,
			"downloadUrl": h.out.DownloadURL(runID, entry.Name()),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"runId": runID,
		"files": files,
		"count": len(files),
	})
}

// DownloadRunFile serves one exported artifact
// @Summary Download run file
// @Description Download one exported artifact of a run
// @Tags runs
// @Produce octet-stream
// @Param id path string true "Run ID"
// @Param filename path string true "File name"
// @Success 200 {file} file "File contents"
// @Failure 404 {object} map[string]interface{} "Run or file not found"
// @Router /runs/{id}/files/{filename} [get]
func (h *RunHandler) DownloadRunFile(w http.ResponseWriter, r *http.Request) {
	const prefix = "/api/v1/runs/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, prefix), "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] != "files" || parts[2] == "" {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}
	runID, fileName := parts[0], filepath.Base(parts[2])

	if _, err := h.store.GetRun(r.Context(), runID); err != nil {
		writeStoreError(w, err, "Failed to read run")
		return
	}

	filePath := filepath.Join(h.out.BaseOutputDir, runID, fileName)
	if _, err := os.Stat(filePath); err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "File not found", http.StatusNotFound)
			return
		}
		zap.L().Error("reading run file", zap.String("runId", runID), zap.Error(err))
		http.Error(w, "Failed to read run file", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	http.ServeFile(w, r, filePath)
}

// runIDFromPath extracts the run id between "/api/v1/runs/" and suffix,
// writing the error response itself when the path is unusable.
func runIDFromPath(w http.ResponseWriter, r *http.Request, suffix string) (string, bool) {
	const prefix = "/api/v1/runs/"
	path := r.URL.Path
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return "", false
	}
	runID := path[len(prefix) : len(path)-len(suffix)]
	if runID == "" || strings.Contains(runID, "/") {
		http.Error(w, "Run ID is required", http.StatusBadRequest)
		return "", false
	}
	return runID, true
}

func writeStoreError(w http.ResponseWriter, err error, message string) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	zap.L().Error("run store read failed", zap.Error(err))
	http.Error(w, message, http.StatusInternalServerError)
}
