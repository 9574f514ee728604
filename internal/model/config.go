package model

import (
	"fmt"
	"strings"
	"time"
)

// Stage names, in execution order.
const (
	StageIngestion     = "ingestion"
	StageDeduplication = "deduplication"
	StageQuality       = "quality"
	StageNormalization = "normalization"
	StageStorage       = "storage"
	StageConsumption   = "consumption"
)

// StageOrder is the fixed execution order of the pipeline.
var StageOrder = []string{
	StageIngestion,
	StageDeduplication,
	StageQuality,
	StageNormalization,
	StageStorage,
	StageConsumption,
}

// stageServices maps each stage to the service identity written into lineage
// stamps as the processing location.
var stageServices = map[string]string{
	StageIngestion:     "dataingestion-service",
	StageDeduplication: "datadeduplication-service",
	StageQuality:       "dataquality-service",
	StageNormalization: "datanormalization-service",
	StageStorage:       "datalineage-service",
	StageConsumption:   "dataconsumption-service",
}

// StageService returns the service identity recorded in lineage stamps for
// the given stage.
func StageService(stage string) string {
	if svc, ok := stageServices[stage]; ok {
		return svc
	}
	return stage
}

// Mode selects how stage calls are executed.
type Mode string

const (
	// ModeLive performs real HTTP calls to the configured stage services.
	ModeLive Mode = "live"
	// ModeSimulate echoes each request back as its response without any
	// network activity.
	ModeSimulate Mode = "simulate"
)

// StageConfig holds the per-stage connection settings. MaxRetries counts
// the retries made after the first call; zero means a single attempt.
type StageConfig struct {
	BaseURL    string `json:"baseUrl" yaml:"baseUrl"`
	Path       string `json:"path" yaml:"path"`
	Method     string `json:"method" yaml:"method"`
	TimeoutMs  int    `json:"timeoutMs" yaml:"timeoutMs"`
	MaxRetries int    `json:"maxRetries" yaml:"maxRetries"`
	BackoffMs  int    `json:"backoffMs" yaml:"backoffMs"`
}

// URL joins the base URL and path into the stage endpoint.
func (c StageConfig) URL() string {
	base := strings.TrimRight(c.BaseURL, "/")
	path := c.Path
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

// Timeout returns the per-call timeout.
func (c StageConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Backoff returns the base backoff delay between retry attempts.
func (c StageConfig) Backoff() time.Duration {
	return time.Duration(c.BackoffMs) * time.Millisecond
}

// PipelineConfig maps stage names to their connection settings. Every stage
// in StageOrder must be present before a run starts.
type PipelineConfig struct {
	Stages map[string]StageConfig `json:"stages" yaml:"stages"`
}

// Stage looks up the settings for a stage. A missing entry is a configuration
// error that aborts the run.
func (c PipelineConfig) Stage(name string) (StageConfig, error) {
	sc, ok := c.Stages[name]
	if !ok {
		return StageConfig{}, &ConfigError{Key: name, Reason: "stage is not configured"}
	}
	return sc, nil
}

// Validate checks that every pipeline stage has a usable configuration entry.
func (c PipelineConfig) Validate() error {
	for _, name := range StageOrder {
		sc, ok := c.Stages[name]
		if !ok {
			return &ConfigError{Key: name, Reason: "stage is not configured"}
		}
		if sc.BaseURL == "" {
			return &ConfigError{Key: name, Reason: "baseUrl is empty"}
		}
		if sc.Method == "" {
			return &ConfigError{Key: name, Reason: "method is empty"}
		}
		if sc.TimeoutMs <= 0 {
			return &ConfigError{Key: name, Reason: fmt.Sprintf("timeoutMs must be positive, got %d", sc.TimeoutMs)}
		}
		if sc.MaxRetries < 0 {
			return &ConfigError{Key: name, Reason: fmt.Sprintf("maxRetries must not be negative, got %d", sc.MaxRetries)}
		}
		if sc.BackoffMs < 0 {
			return &ConfigError{Key: name, Reason: fmt.Sprintf("backoffMs must not be negative, got %d", sc.BackoffMs)}
		}
	}
	return nil
}
