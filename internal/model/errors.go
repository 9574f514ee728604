package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a stage call failure for reports and persistence.
type ErrorKind string

const (
	ErrKindConfig    ErrorKind = "configuration"
	ErrKindTransport ErrorKind = "transport"
	ErrKindResponse  ErrorKind = "response"
	ErrKindInternal  ErrorKind = "internal"
)

// ConfigError reports an unusable or missing configuration entry. It is
// always fatal: the run aborts instead of degrading.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration %q: %s", e.Key, e.Reason)
}

// TransportError reports a network-level failure while calling a stage
// service. Transport failures are retried.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure calling %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ResponseError reports a non-2xx reply from a stage service. Like transport
// failures, these are retried.
type ResponseError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *ResponseError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
	}
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// PipelineError is a fatal orchestration failure. It names the stage that was
// running and, for configuration failures, the key that could not be
// resolved. A PipelineError aborts the run with a non-zero exit.
type PipelineError struct {
	Stage string `json:"stage"`
	Key   string `json:"key,omitempty"`
	Cause string `json:"cause"`
}

func (e *PipelineError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("pipeline aborted at stage %q (configuration key %q): %s", e.Stage, e.Key, e.Cause)
	}
	return fmt.Sprintf("pipeline aborted at stage %q: %s", e.Stage, e.Cause)
}

// AbortError wraps err into the fatal form carried on the final report. The
// configuration key is preserved when err is a ConfigError.
func AbortError(stage string, err error) *PipelineError {
	pe := &PipelineError{Stage: stage, Cause: err.Error()}
	var ce *ConfigError
	if errors.As(err, &ce) {
		pe.Key = ce.Key
	}
	return pe
}

// Retryable reports whether err is worth another attempt. Only transport and
// response failures qualify; configuration problems never do.
func Retryable(err error) bool {
	var te *TransportError
	var re *ResponseError
	return errors.As(err, &te) || errors.As(err, &re)
}

// Classify maps err to its report-facing kind.
func Classify(err error) ErrorKind {
	var ce *ConfigError
	var te *TransportError
	var re *ResponseError
	switch {
	case errors.As(err, &ce):
		return ErrKindConfig
	case errors.As(err, &te):
		return ErrKindTransport
	case errors.As(err, &re):
		return ErrKindResponse
	default:
		return ErrKindInternal
	}
}

// StageError is the serializable failure attached to a stage result.
type StageError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// NewStageError classifies err for reports and persistence. Returns nil for
// a nil error.
func NewStageError(err error) *StageError {
	if err == nil {
		return nil
	}
	return &StageError{Kind: Classify(err), Message: err.Error()}
}
