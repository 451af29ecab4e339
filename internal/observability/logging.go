package observability

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/flowdesk/internal/config"
	"github.com/pitabwire/flowdesk/model"
)

type loggerKey struct{}

// NewLogger builds the JSON process logger. An unknown level means info.
//
// Levels:
//   - error: store outages, panics, 5xx responses
//   - warn:  4xx responses, failed saves and rule deletes, breaker trips
//   - info:  requests, saved and deleted flows, draft sweeps
//   - debug: cache traffic, outbound rule payloads
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig = enc
	zc.Sampling = nil
	zc.OutputPaths = []string{"stdout"}
	return zc.Build()
}

// WithLogger returns ctx carrying logger.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger in ctx, then fallback, then a no-op logger.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	if fallback == nil {
		return zap.NewNop()
	}
	return fallback
}

// ScopeLogger stores base, tagged with the session in ctx, as the logger of
// ctx. Later LoggerFrom calls on the returned context pick it up.
func ScopeLogger(ctx context.Context, base *zap.Logger) context.Context {
	logger := LoggerFrom(ctx, base)
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		logger = logger.With(SessionFields(rctx)...)
	}
	return WithLogger(ctx, logger)
}

// SessionFields identifies the caller of a request. The bearer token is never
// logged.
func SessionFields(rctx *model.RequestContext) []zap.Field {
	if rctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 4)
	fields = append(fields,
		zap.String("organization_id", rctx.OrganizationID),
		zap.String("subject_id", rctx.SubjectID),
	)
	if rctx.CorrelationID != "" {
		fields = append(fields, zap.String("correlation_id", rctx.CorrelationID))
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return fields
}

// FlowFields identifies a flow in log entries.
func FlowFields(ref model.FlowRef) []zap.Field {
	fields := []zap.Field{zap.String("flow_id", ref.FlowID), zap.String("scope", ref.Scope())}
	if !ref.IsTemplate {
		fields = append(fields, zap.String("event_id", ref.EventID))
	}
	return fields
}

const redacted = "[REDACTED]"

// Detail keys whose values may carry signed links or credentials.
var sensitiveDetailKeys = map[string]bool{
	"fileurl":       true,
	"imageurl":      true,
	"password":      true,
	"secret":        true,
	"token":         true,
	"apikey":        true,
	"authorization": true,
}

func isSensitiveKey(k string) bool {
	return sensitiveDetailKeys[strings.ToLower(strings.ReplaceAll(k, "_", ""))]
}

// RedactDetails returns rule details as a generic map with link and
// credential values masked, for debug logs. Extra keys are masked too and
// are matched case-insensitively. Details that do not encode to a JSON
// object yield nil.
func RedactDetails(details any, extra ...string) map[string]any {
	if details == nil {
		return nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	more := make(map[string]bool, len(extra))
	for _, k := range extra {
		more[strings.ToLower(k)] = true
	}
	redactMap(m, more)
	return m
}

func redactMap(m map[string]any, extra map[string]bool) {
	for k, v := range m {
		if isSensitiveKey(k) || extra[strings.ToLower(k)] {
			m[k] = redacted
			continue
		}
		switch val := v.(type) {
		case map[string]any:
			redactMap(val, extra)
		case []any:
			for _, item := range val {
				if nested, ok := item.(map[string]any); ok {
					redactMap(nested, extra)
				}
			}
		}
	}
}
