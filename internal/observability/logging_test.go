package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/contentflow/internal/config"
	"github.com/pitabwire/contentflow/model"
)

// newTestLogger creates a logger that writes JSON to a buffer for assertion.
func newTestLogger(buf *bytes.Buffer) *zap.Logger {
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		MessageKey:     "msg",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
	})
	core := zapcore.NewCore(enc, zapcore.AddSync(buf), zapcore.DebugLevel)
	return zap.New(core)
}

func decodeEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v", err)
	}
	return entry
}

// --- NewLogger ---

func TestNewLogger_levels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		t.Run(level, func(t *testing.T) {
			logger, err := NewLogger(config.ObservabilityConfig{LogLevel: level})
			if err != nil {
				t.Fatalf("NewLogger(%q) error = %v", level, err)
			}
			defer func() { _ = logger.Sync() }()

			expected, _ := zapcore.ParseLevel(level)
			if !logger.Core().Enabled(expected) {
				t.Errorf("level %q should be enabled", level)
			}
		})
	}
}

func TestNewLogger_invalidLevel_defaultsToInfo(t *testing.T) {
	logger, err := NewLogger(config.ObservabilityConfig{LogLevel: "bogus"})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if !logger.Core().Enabled(zapcore.InfoLevel) {
		t.Error("should default to info level")
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug should not be enabled with an invalid level")
	}
}

// --- Context helpers ---

func TestWithLogger_and_LoggerFrom(t *testing.T) {
	logger := zap.NewNop()
	ctx := WithLogger(context.Background(), logger)

	if LoggerFrom(ctx, nil) != logger {
		t.Error("LoggerFrom should return the stored logger")
	}
	fallback := zap.NewNop()
	if LoggerFrom(context.Background(), fallback) != fallback {
		t.Error("LoggerFrom should return fallback when no logger in context")
	}
}

func TestRequestLogger_enrichesWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{
		SubjectID:     "editor-42",
		CorrelationID: "corr-abc",
		TraceID:       "trace-xyz",
	})

	RequestLogger(ctx, logger).Info("signal delivered")

	entry := decodeEntry(t, &buf)
	for key, want := range map[string]string{
		"subject_id":     "editor-42",
		"correlation_id": "corr-abc",
		"trace_id":       "trace-xyz",
		"msg":            "signal delivered",
		"level":          "info",
	} {
		if got, _ := entry[key].(string); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
}

func TestRequestLogger_noTraceID(t *testing.T) {
	var buf bytes.Buffer
	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{SubjectID: "editor-42"})

	RequestLogger(ctx, newTestLogger(&buf)).Info("no trace")

	if _, exists := decodeEntry(t, &buf)["trace_id"]; exists {
		t.Error("trace_id should not be present when empty")
	}
}

func TestRequestLogger_noRequestContext(t *testing.T) {
	var buf bytes.Buffer
	RequestLogger(context.Background(), newTestLogger(&buf)).Info("scheduler tick")

	entry := decodeEntry(t, &buf)
	if entry["msg"] != "scheduler tick" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if _, exists := entry["subject_id"]; exists {
		t.Error("subject_id should not be present without RequestContext")
	}
}

func TestRunFields(t *testing.T) {
	var buf bytes.Buffer
	newTestLogger(&buf).Info("run closed", RunFields("content-production-c1-1", "r-1", "content-production")...)

	entry := decodeEntry(t, &buf)
	if entry["workflow_id"] != "content-production-c1-1" || entry["run_id"] != "r-1" || entry["workflow_type"] != "content-production" {
		t.Errorf("entry = %v", entry)
	}
}

// --- RedactPayload ---

func TestRedactPayload_masksNestedSecrets(t *testing.T) {
	raw := json.RawMessage(`{"contentId":"c1","token":"abc","agent":{"api_key":"k","name":"writer"}}`)

	got := RedactPayload(raw)
	if got["contentId"] != "c1" {
		t.Errorf("contentId = %v", got["contentId"])
	}
	if got["token"] != "[REDACTED]" {
		t.Errorf("token = %v, want [REDACTED]", got["token"])
	}
	agent, ok := got["agent"].(map[string]any)
	if !ok {
		t.Fatal("agent should remain a nested object")
	}
	if agent["api_key"] != "[REDACTED]" || agent["name"] != "writer" {
		t.Errorf("agent = %v", agent)
	}
}

func TestRedactPayload_nonObject(t *testing.T) {
	if got := RedactPayload(json.RawMessage(`[1,2]`)); got != nil {
		t.Errorf("RedactPayload(array) = %v, want nil", got)
	}
	if got := RedactPayload(nil); got != nil {
		t.Errorf("RedactPayload(nil) = %v, want nil", got)
	}
}
