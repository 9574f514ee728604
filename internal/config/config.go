package config

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"go-event-pipeline/internal/model"
)

// Defaults applied to omitted stage settings.
const (
	DefaultMethod     = "POST"
	DefaultTimeoutMs  = 5000
	DefaultMaxRetries = 3
	DefaultBackoffMs  = 200
)

// rawStage mirrors model.StageConfig for decoding. MaxRetries is a pointer so
// an explicit `maxRetries: 0` (no retries) is distinguishable from an omitted
// field, which falls back to DefaultMaxRetries.
type rawStage struct {
	BaseURL    string `yaml:"baseUrl"`
	Path       string `yaml:"path"`
	Method     string `yaml:"method"`
	TimeoutMs  int    `yaml:"timeoutMs"`
	MaxRetries *int   `yaml:"maxRetries"`
	BackoffMs  int    `yaml:"backoffMs"`
}

type rawConfig struct {
	Stages map[string]rawStage `yaml:"stages"`
}

// Load reads the stage configuration from a YAML file. A missing or unusable
// stage entry fails here, before any run starts.
func Load(path string) (model.PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.PipelineConfig{}, eris.Wrapf(err, "reading config %s", path)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML stage configuration.
func Parse(data []byte) (model.PipelineConfig, error) {
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return model.PipelineConfig{}, eris.Wrap(err, "decoding config")
	}

	cfg := model.PipelineConfig{Stages: make(map[string]model.StageConfig, len(raw.Stages))}
	for name, rs := range raw.Stages {
		sc := model.StageConfig{
			BaseURL:    rs.BaseURL,
			Path:       rs.Path,
			Method:     rs.Method,
			TimeoutMs:  rs.TimeoutMs,
			MaxRetries: DefaultMaxRetries,
			BackoffMs:  rs.BackoffMs,
		}
		if rs.MaxRetries != nil {
			sc.MaxRetries = *rs.MaxRetries
		}
		if sc.Method == "" {
			sc.Method = DefaultMethod
		}
		if sc.TimeoutMs == 0 {
			sc.TimeoutMs = DefaultTimeoutMs
		}
		if sc.BackoffMs == 0 {
			sc.BackoffMs = DefaultBackoffMs
		}
		cfg.Stages[name] = sc
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
