package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validStages() map[string]StageConfig {
	stages := make(map[string]StageConfig, len(StageOrder))
	for _, name := range StageOrder {
		stages[name] = StageConfig{
			BaseURL:    "http://" + StageService(name) + ":8080",
			Path:       "/process",
			Method:     "POST",
			TimeoutMs:  2000,
			MaxRetries: 3,
			BackoffMs:  100,
		}
	}
	return stages
}

func TestValidateOK(t *testing.T) {
	cfg := PipelineConfig{Stages: validStages()}
	require.NoError(t, cfg.Validate())
}

func TestValidateMissingStage(t *testing.T) {
	stages := validStages()
	delete(stages, StageNormalization)
	cfg := PipelineConfig{Stages: stages}

	err := cfg.Validate()
	require.Error(t, err)

	var ce *ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, StageNormalization, ce.Key)
}

func TestValidateBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*StageConfig)
	}{
		{"empty baseUrl", func(c *StageConfig) { c.BaseURL = "" }},
		{"empty method", func(c *StageConfig) { c.Method = "" }},
		{"zero timeout", func(c *StageConfig) { c.TimeoutMs = 0 }},
		{"negative retries", func(c *StageConfig) { c.MaxRetries = -1 }},
		{"negative backoff", func(c *StageConfig) { c.BackoffMs = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stages := validStages()
			sc := stages[StageQuality]
			tc.mutate(&sc)
			stages[StageQuality] = sc

			err := PipelineConfig{Stages: stages}.Validate()
			require.Error(t, err)
			var ce *ConfigError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, StageQuality, ce.Key)
		})
	}
}

func TestValidateAllowsZeroRetries(t *testing.T) {
	stages := validStages()
	sc := stages[StageQuality]
	sc.MaxRetries = 0
	stages[StageQuality] = sc

	require.NoError(t, PipelineConfig{Stages: stages}.Validate(), "zero retries means a single attempt, not a misconfiguration")
}

func TestStageLookup(t *testing.T) {
	cfg := PipelineConfig{Stages: validStages()}

	sc, err := cfg.Stage(StageIngestion)
	require.NoError(t, err)
	assert.Equal(t, "http://dataingestion-service:8080/process", sc.URL())

	_, err = cfg.Stage("enrichment")
	require.Error(t, err)
	var ce *ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "enrichment", ce.Key)
}

func TestStageConfigURLJoining(t *testing.T) {
	cases := []struct {
		base, path, want string
	}{
		{"http://svc:9000", "/run", "http://svc:9000/run"},
		{"http://svc:9000/", "/run", "http://svc:9000/run"},
		{"http://svc:9000", "run", "http://svc:9000/run"},
		{"http://svc:9000/", "", "http://svc:9000"},
	}
	for _, tc := range cases {
		sc := StageConfig{BaseURL: tc.base, Path: tc.path}
		assert.Equal(t, tc.want, sc.URL())
	}
}

func TestStageConfigDurations(t *testing.T) {
	sc := StageConfig{TimeoutMs: 1500, BackoffMs: 250}
	assert.Equal(t, 1500*time.Millisecond, sc.Timeout())
	assert.Equal(t, 250*time.Millisecond, sc.Backoff())
}

func TestStageOrderAndServices(t *testing.T) {
	require.Len(t, StageOrder, 6)
	assert.Equal(t, StageIngestion, StageOrder[0])
	assert.Equal(t, StageConsumption, StageOrder[5])
	assert.Equal(t, "datalineage-service", StageService(StageStorage))
	assert.Equal(t, "archival", StageService("archival"), "unknown stages fall back to their own name")
}
