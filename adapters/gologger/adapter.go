package gologger

import (
	"context"
	"fmt"
	"os"
	"strings"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-wecom/core"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Resolve uses deterministic precedence provider > logger > nop.
func Resolve(name string, provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
	return glog.Resolve(name, provider, logger)
}

// Logger writes glog calls to a zap sugared logger. Args are key/value pairs.
type Logger struct {
	sugar *zap.SugaredLogger
}

// Provider hands out named children of one zap root.
type Provider struct {
	root *zap.Logger
}

// New builds the process logger from cfg. The returned sync func flushes
// buffered entries and should run on shutdown.
func New(cfg core.LogConfig) (*Provider, func() error, error) {
	level := zapcore.InfoLevel
	if raw := strings.TrimSpace(cfg.Level); raw != "" {
		parsed, err := zapcore.ParseLevel(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("gologger: invalid level %q: %w", raw, err)
		}
		level = parsed
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.TimeKey = "time"
	var encoder zapcore.Encoder
	if cfg.FormatJSON {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	root := zap.New(zapcore.NewCore(encoder, writeSyncer(cfg.Rotation), level), zap.AddCaller(), zap.AddCallerSkip(2))
	return &Provider{root: root}, root.Sync, nil
}

func writeSyncer(rotation core.RotationConfig) zapcore.WriteSyncer {
	if strings.TrimSpace(rotation.File) == "" {
		return zapcore.Lock(os.Stdout)
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   rotation.File,
		MaxSize:    rotation.MaxSize,
		MaxBackups: rotation.MaxBackups,
		MaxAge:     rotation.MaxAge,
	})
}

func (p *Provider) GetLogger(name string) glog.Logger {
	if p == nil || p.root == nil {
		return glog.Nop()
	}
	named := p.root
	if name = strings.TrimSpace(name); name != "" {
		named = named.Named(name)
	}
	return &Logger{sugar: named.Sugar()}
}

func (l *Logger) Trace(msg string, args ...any) { l.sugar.Debugw(msg, args...) }
func (l *Logger) Debug(msg string, args ...any) { l.sugar.Debugw(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.sugar.Infow(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.sugar.Warnw(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.sugar.Errorw(msg, args...) }
func (l *Logger) Fatal(msg string, args ...any) { l.sugar.Fatalw(msg, args...) }

// WithContext returns l; zap carries no request context.
func (l *Logger) WithContext(context.Context) glog.Logger {
	return l
}

var (
	_ glog.Logger         = (*Logger)(nil)
	_ glog.LoggerProvider = (*Provider)(nil)
)
