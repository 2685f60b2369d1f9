package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/jmylchreest/loopcam/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(level string) (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewLoggerWithWriter(config.LoggingConfig{Level: level, Format: "json"}, &buf), &buf
}

func TestNewLogger_JSONFormat(t *testing.T) {
	logger, buf := newTestLogger("info")
	logger.Info("test message", slog.String("key", "value"))

	output := buf.String()
	assert.Contains(t, output, "test message")
	assert.Contains(t, output, `"key":"value"`)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(output), &parsed))
}

func TestNewLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "text"}, &buf)
	logger.Info("test message", slog.String("key", "value"))

	output := buf.String()
	assert.Contains(t, output, "test message")
	assert.Contains(t, output, "key=value")
}

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		name        string
		configLevel string
		logLevel    slog.Level
		shouldLog   bool
	}{
		{"trace logs at trace level", "trace", LevelTrace, true},
		{"debug does not log trace", "debug", LevelTrace, false},
		{"debug logs at debug level", "debug", slog.LevelDebug, true},
		{"info does not log debug", "info", slog.LevelDebug, false},
		{"info logs at info level", "info", slog.LevelInfo, true},
		{"warn does not log info", "warn", slog.LevelInfo, false},
		{"error does not log warn", "error", slog.LevelWarn, false},
		{"error logs at error level", "error", slog.LevelError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, buf := newTestLogger(tt.configLevel)
			logger.Log(context.Background(), tt.logLevel, "test")

			if tt.shouldLog {
				assert.NotEmpty(t, buf.String())
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"trace", LevelTrace},
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLevel(tt.input))
		})
	}
}

func TestTraceLevelDisplay(t *testing.T) {
	logger, buf := newTestLogger("trace")
	logger.Log(context.Background(), LevelTrace, "trace message")

	output := buf.String()
	assert.Contains(t, output, "trace message")
	assert.Contains(t, output, `"level":"TRACE"`)
	assert.NotContains(t, output, "DEBUG-4")
}

func TestNewLogger_CustomTimeFormat(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.LoggingConfig{Level: "info", Format: "json", TimeFormat: "2006-01-02"}
	logger := NewLoggerWithWriter(cfg, &buf)
	logger.Info("test message")

	assert.Contains(t, buf.String(), time.Now().Format("2006-01-02"))
}

func TestNewLogger_AddSource(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.LoggingConfig{Level: "info", Format: "json", AddSource: true}
	logger := NewLoggerWithWriter(cfg, &buf)
	logger.Info("test message")

	assert.Contains(t, buf.String(), "logger_test.go")
}

func TestWithHelpers(t *testing.T) {
	logger, buf := newTestLogger("info")

	enriched := WithComponent(WithSessionID(WithRequestID(logger, "req-1"), "sess-1"), "uploader")
	enriched.Info("chained test")

	output := buf.String()
	assert.Contains(t, output, `"request_id":"req-1"`)
	assert.Contains(t, output, `"session_id":"sess-1"`)
	assert.Contains(t, output, `"component":"uploader"`)
}

func TestWithError(t *testing.T) {
	logger, buf := newTestLogger("info")

	WithError(logger, errors.New("boom")).Info("with error")
	assert.Contains(t, buf.String(), `"error":"boom"`)

	buf.Reset()
	WithError(logger, nil).Info("without error")
	assert.NotContains(t, buf.String(), `"error"`)
}

func TestContextHelpers(t *testing.T) {
	logger, buf := newTestLogger("info")

	ctx := ContextWithLogger(context.Background(), logger)
	LoggerFromContext(ctx).Info("from context")
	assert.Contains(t, buf.String(), "from context")

	assert.NotNil(t, LoggerFromContext(context.Background()))

	ctx = ContextWithSessionID(ctx, "sess-9")
	ctx = ContextWithRequestID(ctx, "req-9")
	assert.Equal(t, "sess-9", SessionIDFromContext(ctx))
	assert.Equal(t, "req-9", RequestIDFromContext(ctx))
	assert.Empty(t, SessionIDFromContext(context.Background()))
	assert.Empty(t, RequestIDFromContext(context.Background()))
}

func TestTimedOperationWithError(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		logger, buf := newTestLogger("info")
		var err error
		done := TimedOperationWithError(context.Background(), logger, "upload", &err)
		done()

		output := buf.String()
		assert.Contains(t, output, "operation completed")
		assert.Contains(t, output, "duration")
		assert.NotContains(t, output, "operation failed")
	})

	t.Run("failure", func(t *testing.T) {
		logger, buf := newTestLogger("info")
		var err error
		done := TimedOperationWithError(context.Background(), logger, "upload", &err)
		err = errors.New("part 2 rejected")
		done()

		output := buf.String()
		assert.Contains(t, output, "operation failed")
		assert.Contains(t, output, "part 2 rejected")
	})
}

func TestSensitiveDataRedaction(t *testing.T) {
	tests := []struct {
		name          string
		fieldName     string
		sensitiveData string
	}{
		{"password", "password", "secret123"},
		{"password capitalized", "Password", "MyP@ssw0rd"},
		{"secret_key", "secret_key", "wJalrXUtnFEMI"},
		{"access_key", "access_key", "AKIAIOSFODNN7"},
		{"SecretKey camel", "SecretKey", "camelSecret"},
		{"session token", "session_token", "FQoGZXIvYXdz"},
		{"token", "token", "jwt-token-abc"},
		{"api_key", "api_key", "api-key-value"},
		{"credential", "Credential", "CRED-XYZ"},
		{"dsn", "dsn", "postgres://u:p@db/loopcam"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, buf := newTestLogger("info")
			logger.Info("test message", slog.String(tt.fieldName, tt.sensitiveData))

			output := buf.String()
			assert.NotContains(t, output, tt.sensitiveData)
			assert.Contains(t, output, RedactedValue)
		})
	}
}

func TestSensitiveDataRedaction_Group(t *testing.T) {
	logger, buf := newTestLogger("info")
	logger.Info("storage",
		slog.Group("s3",
			slog.String("bucket", "pi-demo-raw"),
			slog.String("secret_key", "secret123"),
		),
	)

	output := buf.String()
	assert.Contains(t, output, "pi-demo-raw")
	assert.NotContains(t, output, "secret123")
	assert.Contains(t, output, RedactedValue)
}

func TestSensitiveDataRedaction_TaggedStruct(t *testing.T) {
	logger, buf := newTestLogger("info")
	logger.Info("storage config", slog.Any("storage", config.StorageConfig{
		Handler:   "s3",
		Bucket:    "pi-demo-raw",
		AccessKey: "AKIAEXAMPLE",
		SecretKey: "supersecretvalue",
	}))

	output := buf.String()
	assert.Contains(t, output, "pi-demo-raw")
	assert.NotContains(t, output, "AKIAEXAMPLE")
	assert.NotContains(t, output, "supersecretvalue")
}

func TestNonSensitiveDataNotRedacted(t *testing.T) {
	logger, buf := newTestLogger("info")
	logger.Info("upload completed",
		slog.String("key", "h264/garden.h264"),
		slog.String("upload_id", "abc123"),
		slog.Int("parts", 3),
	)

	output := buf.String()
	assert.Contains(t, output, "h264/garden.h264")
	assert.Contains(t, output, "abc123")
	assert.NotContains(t, output, RedactedValue)
}

func TestURLParameterRedaction(t *testing.T) {
	tests := []struct {
		name           string
		url            string
		sensitiveValue string
		paramName      string
	}{
		{
			name:           "presigned signature",
			url:            "https://s3.amazonaws.com/pi-demo-raw/h264/a.h264?X-Amz-Signature=deadbeef&X-Amz-Expires=60",
			sensitiveValue: "deadbeef",
			paramName:      "X-Amz-Signature",
		},
		{
			name:           "security token",
			url:            "https://minio.local/b/k?X-Amz-Security-Token=FQoGZX&partNumber=1",
			sensitiveValue: "FQoGZX",
			paramName:      "X-Amz-Security-Token",
		},
		{
			name:           "password",
			url:            "http://example.com/api?username=user&password=secret123",
			sensitiveValue: "secret123",
			paramName:      "password",
		},
		{
			name:           "case insensitive",
			url:            "http://example.com/api?TOKEN=MySecret&user=test",
			sensitiveValue: "MySecret",
			paramName:      "TOKEN",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, buf := newTestLogger("info")
			logger.Info("request", slog.String("url", tt.url))

			output := buf.String()
			assert.NotContains(t, output, tt.sensitiveValue)
			assert.Contains(t, output, tt.paramName+"="+RedactedValue)
		})
	}
}

func TestURLParameterRedaction_PreservesNonSensitiveURL(t *testing.T) {
	logger, buf := newTestLogger("info")
	url := "https://minio.local/pi-demo-raw/h264/a.h264?uploadId=abc&partNumber=2"
	logger.Info("request", slog.String("url", url))

	output := buf.String()
	assert.Contains(t, output, "uploadId=abc")
	assert.Contains(t, output, "partNumber=2")
	assert.NotContains(t, output, RedactedValue)
}
