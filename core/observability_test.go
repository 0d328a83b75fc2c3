package core

import (
	"context"
	"testing"

	glog "github.com/goliatone/go-logger/glog"
)

type logCall struct {
	level string
	msg   string
	args  []any
}

type recordingLogger struct {
	calls  []logCall
	fields map[string]any
}

func (l *recordingLogger) record(level, msg string, args []any) {
	l.calls = append(l.calls, logCall{level: level, msg: msg, args: append([]any(nil), args...)})
}

func (l *recordingLogger) Trace(msg string, args ...any) { l.record("trace", msg, args) }
func (l *recordingLogger) Debug(msg string, args ...any) { l.record("debug", msg, args) }
func (l *recordingLogger) Info(msg string, args ...any)  { l.record("info", msg, args) }
func (l *recordingLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args) }
func (l *recordingLogger) Error(msg string, args ...any) { l.record("error", msg, args) }
func (l *recordingLogger) Fatal(msg string, args ...any) { l.record("fatal", msg, args) }

func (l *recordingLogger) WithContext(context.Context) glog.Logger { return l }

func (l *recordingLogger) WithFields(fields map[string]any) glog.Logger {
	l.fields = fields
	return l
}

var (
	_ glog.Logger       = (*recordingLogger)(nil)
	_ glog.FieldsLogger = (*recordingLogger)(nil)
)

func TestLog_FlattensSortedFieldsAndAttachesMap(t *testing.T) {
	logger := &recordingLogger{}
	LogWarn(context.Background(), logger, "sync aborted", map[string]any{"open_kfid": "wk1", "attempt": 2})

	if len(logger.calls) != 1 {
		t.Fatalf("expected one log call, got %d", len(logger.calls))
	}
	call := logger.calls[0]
	if call.level != "warn" || call.msg != "sync aborted" {
		t.Fatalf("unexpected call %#v", call)
	}
	if call.args[0] != "attempt" || call.args[2] != "open_kfid" {
		t.Fatalf("expected sorted keys, got %#v", call.args)
	}
	if logger.fields["open_kfid"] != "wk1" {
		t.Fatalf("expected fields attached, got %#v", logger.fields)
	}
}

func TestLog_RedactsCredentialFields(t *testing.T) {
	logger := &recordingLogger{}
	LogInfo(context.Background(), logger, "token fetched", map[string]any{"access_token": "tok", "secret_kind": "kf"})

	call := logger.calls[0]
	if call.args[0] != "access_token" || call.args[1] != RedactedValue {
		t.Fatalf("expected access_token redacted, got %#v", call.args)
	}
	if logger.fields["secret_kind"] != "kf" {
		t.Fatalf("expected secret_kind visible, got %#v", logger.fields)
	}
}

func TestErrorFields_IncludesTextCode(t *testing.T) {
	fields := ErrorFields(StoreError(nil, "db down", nil), map[string]any{"open_kfid": "wk1"})
	if fields["error_code"] != ErrorStore {
		t.Fatalf("expected store error code, got %#v", fields["error_code"])
	}
	if fields["open_kfid"] != "wk1" {
		t.Fatalf("expected original fields kept")
	}
}

func TestResolveLogger_FallsBackToNop(t *testing.T) {
	if ResolveLogger("wecom", nil, nil) == nil {
		t.Fatalf("expected nop logger")
	}
	logger := &recordingLogger{}
	if ResolveLogger("wecom", nil, logger) != glog.Logger(logger) {
		t.Fatalf("expected direct logger")
	}
}
