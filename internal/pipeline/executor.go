package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"go-event-pipeline/internal/model"
)

// Executor performs a single call to a stage service. Retrying is the
// caller's concern; an Executor makes exactly one attempt.
type Executor interface {
	Execute(ctx context.Context, sc model.StageConfig, payload *model.StagePayload) ([]byte, error)
}

// ExecutorForMode returns the executor matching the run mode. The logger is
// handed to the simulate executor, which reports the calls it skips.
func ExecutorForMode(mode model.Mode, log *zap.Logger) Executor {
	if mode == model.ModeSimulate {
		return SimulateExecutor{Log: log}
	}
	return NewHTTPExecutor()
}

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// HTTPExecutor sends stage payloads over HTTP. Timeouts are applied per call
// from the stage configuration.
type HTTPExecutor struct {
	Client *http.Client
}

// NewHTTPExecutor builds an executor with a shared client. Per-call deadlines
// come from the stage settings, so the client itself carries no timeout.
func NewHTTPExecutor() *HTTPExecutor {
	return &HTTPExecutor{Client: &http.Client{}}
}

// Execute posts the payload to the stage endpoint and returns the raw
// response body. Unusable endpoint settings surface as ConfigError; network
// failures as TransportError; non-2xx replies as ResponseError.
func (e *HTTPExecutor) Execute(ctx context.Context, sc model.StageConfig, payload *model.StagePayload) ([]byte, error) {
	endpoint := sc.URL()
	parsed, err := url.Parse(endpoint)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, &model.ConfigError{Key: payload.Stage, Reason: fmt.Sprintf("endpoint %q is not a valid URL", endpoint)}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, &model.ConfigError{Key: payload.Stage, Reason: fmt.Sprintf("endpoint scheme %q is not supported", parsed.Scheme)}
	}
	method := strings.ToUpper(sc.Method)
	if !allowedMethods[method] {
		return nil, &model.ConfigError{Key: payload.Stage, Reason: fmt.Sprintf("method %q is not supported", sc.Method)}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", payload.Stage, err)
	}

	callCtx := ctx
	if sc.Timeout() > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, sc.Timeout())
		defer cancel()
	}

	req, err := http.NewRequestWithContext(callCtx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &model.ConfigError{Key: payload.Stage, Reason: fmt.Sprintf("building request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	client := e.Client
	if client == nil {
		client = &http.Client{}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &model.TransportError{URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &model.TransportError{URL: endpoint, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &model.ResponseError{URL: endpoint, StatusCode: resp.StatusCode, Body: truncate(respBody, 256)}
	}
	return respBody, nil
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// SimulateExecutor logs the request it would have sent and echoes it back as
// the response, without any network activity. Dry runs exercise the full
// pipeline flow with it.
type SimulateExecutor struct {
	// Log receives the would-be request lines. Nil falls back to the
	// process logger.
	Log *zap.Logger
}

func (e SimulateExecutor) Execute(_ context.Context, sc model.StageConfig, payload *model.StagePayload) ([]byte, error) {
	method := strings.ToUpper(sc.Method)
	if method == "" {
		method = http.MethodPost
	}
	log := e.Log
	if log == nil {
		log = zap.L()
	}
	log.Info("simulated stage call",
		zap.String("stage", payload.Stage),
		zap.String("method", method),
		zap.String("url", sc.URL()),
		zap.Int("records", len(payload.Records)))
	return json.Marshal(payload)
}
