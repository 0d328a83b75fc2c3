package core

import (
	"context"
	"sort"
	"strings"

	glog "github.com/goliatone/go-logger/glog"
)

// Log writes message with fields at level. Credential fields are redacted.
// Fields are attached with WithFields when supported and also flattened
// into sorted key/value args.
func Log(ctx context.Context, logger Logger, level string, message string, fields map[string]any) {
	if logger == nil {
		return
	}
	fields = RedactSensitiveMap(fields)
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	if fieldsLogger, ok := logger.(FieldsLogger); ok {
		logger = fieldsLogger.WithFields(cloneFields(fields))
	}
	args := flattenFields(fields)
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		logger.Debug(message, args...)
	case "warn":
		logger.Warn(message, args...)
	case "error":
		logger.Error(message, args...)
	default:
		logger.Info(message, args...)
	}
}

func LogInfo(ctx context.Context, logger Logger, message string, fields map[string]any) {
	Log(ctx, logger, "info", message, fields)
}

func LogWarn(ctx context.Context, logger Logger, message string, fields map[string]any) {
	Log(ctx, logger, "warn", message, fields)
}

func LogError(ctx context.Context, logger Logger, message string, fields map[string]any) {
	Log(ctx, logger, "error", message, fields)
}

// ResolveLogger returns the named logger from provider, then logger, then nop.
func ResolveLogger(name string, provider LoggerProvider, logger Logger) Logger {
	_, resolved := glog.Resolve(name, provider, logger)
	return glog.Ensure(resolved)
}

// ErrorFields adds the rich error envelope of err to fields.
func ErrorFields(err error, fields map[string]any) map[string]any {
	out := cloneFields(fields)
	if err == nil {
		return out
	}
	out["error"] = err.Error()
	if mapped := MapError(err); mapped != nil {
		out["error_code"] = mapped.TextCode
		out["error_category"] = string(mapped.Category)
	}
	return out
}

func cloneFields(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return map[string]any{}
	}
	copied := make(map[string]any, len(fields))
	for key, value := range fields {
		copied[key] = value
	}
	return copied
}

func flattenFields(fields map[string]any) []any {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(keys)*2)
	for _, key := range keys {
		args = append(args, key, fields[key])
	}
	return args
}
