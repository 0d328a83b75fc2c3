package core

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultAPIBaseURL   = "https://qyapi.weixin.qq.com"
	DefaultPageSize     = 1000
	MaxPageSize         = 1000
	EncodingAESKeyChars = 43

	DefaultTextPendingReply = "正在响应中,请耐心等待..."
	DefaultInterimReply     = "处理中..."
	DefaultKFAckReply       = "success"
)

type HTTPConfig struct {
	Port                int   `koanf:"port" mapstructure:"port" yaml:"port"`
	BodyLimitBytes      int64 `koanf:"body_limit_bytes" mapstructure:"body_limit_bytes" yaml:"body_limit_bytes"`
	ReadTimeoutSeconds  int   `koanf:"read_timeout_seconds" mapstructure:"read_timeout_seconds" yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int   `koanf:"write_timeout_seconds" mapstructure:"write_timeout_seconds" yaml:"write_timeout_seconds"`
}

type CallbackConfig struct {
	Token          string `koanf:"token" mapstructure:"token" yaml:"token"`
	EncodingAESKey string `koanf:"encoding_aes_key" mapstructure:"encoding_aes_key" yaml:"encoding_aes_key"`
	CorpID         string `koanf:"corp_id" mapstructure:"corp_id" yaml:"corp_id"`
}

type APIConfig struct {
	BaseURL            string `koanf:"base_url" mapstructure:"base_url" yaml:"base_url"`
	TimeoutSeconds     int    `koanf:"timeout_seconds" mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	MaxRetries         int    `koanf:"max_retries" mapstructure:"max_retries" yaml:"max_retries"`
	BackoffMillis      int    `koanf:"backoff_millis" mapstructure:"backoff_millis" yaml:"backoff_millis"`
	MaxBackoffMillis   int    `koanf:"max_backoff_millis" mapstructure:"max_backoff_millis" yaml:"max_backoff_millis"`
	ResponseLimitBytes int64  `koanf:"response_limit_bytes" mapstructure:"response_limit_bytes" yaml:"response_limit_bytes"`
}

type SecretsConfig struct {
	App     string `koanf:"app" mapstructure:"app" yaml:"app"`
	Contact string `koanf:"contact" mapstructure:"contact" yaml:"contact"`
	KF      string `koanf:"kf" mapstructure:"kf" yaml:"kf"`
}

type TokenConfig struct {
	CacheTTLSeconds int `koanf:"cache_ttl_seconds" mapstructure:"cache_ttl_seconds" yaml:"cache_ttl_seconds"`
}

type AnswerConfig struct {
	WebhookURL     string `koanf:"webhook_url" mapstructure:"webhook_url" yaml:"webhook_url"`
	TimeoutSeconds int    `koanf:"timeout_seconds" mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

type SyncConfig struct {
	PageSize         int  `koanf:"page_size" mapstructure:"page_size" yaml:"page_size"`
	FullDrain        bool `koanf:"full_drain" mapstructure:"full_drain" yaml:"full_drain"`
	ProcessFullBatch bool `koanf:"process_full_batch" mapstructure:"process_full_batch" yaml:"process_full_batch"`
}

type ForwardConfig struct {
	Workers             int `koanf:"workers" mapstructure:"workers" yaml:"workers"`
	QueueSize           int `koanf:"queue_size" mapstructure:"queue_size" yaml:"queue_size"`
	MaxAttempts         int `koanf:"max_attempts" mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialDelayMillis  int `koanf:"initial_delay_millis" mapstructure:"initial_delay_millis" yaml:"initial_delay_millis"`
	MaxDelayMillis      int `koanf:"max_delay_millis" mapstructure:"max_delay_millis" yaml:"max_delay_millis"`
	DrainTimeoutSeconds int `koanf:"drain_timeout_seconds" mapstructure:"drain_timeout_seconds" yaml:"drain_timeout_seconds"`
}

type RepliesConfig struct {
	TextPending string `koanf:"text_pending" mapstructure:"text_pending" yaml:"text_pending"`
	Interim     string `koanf:"interim" mapstructure:"interim" yaml:"interim"`
	KFAck       string `koanf:"kf_ack" mapstructure:"kf_ack" yaml:"kf_ack"`
}

type PersistenceConfig struct {
	Driver             string `koanf:"driver" mapstructure:"driver" yaml:"driver"`
	DSN                string `koanf:"dsn" mapstructure:"dsn" yaml:"dsn"`
	Debug              bool   `koanf:"debug" mapstructure:"debug" yaml:"debug"`
	PingTimeoutSeconds int    `koanf:"ping_timeout_seconds" mapstructure:"ping_timeout_seconds" yaml:"ping_timeout_seconds"`
}

type RotationConfig struct {
	File       string `koanf:"file" mapstructure:"file" yaml:"file"`
	MaxSize    int    `koanf:"max_size" mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int    `koanf:"max_backups" mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `koanf:"max_age" mapstructure:"max_age" yaml:"max_age"`
}

type LogConfig struct {
	Level      string         `koanf:"level" mapstructure:"level" yaml:"level"`
	FormatJSON bool           `koanf:"format_json" mapstructure:"format_json" yaml:"format_json"`
	Rotation   RotationConfig `koanf:"rotation" mapstructure:"rotation" yaml:"rotation"`
}

type Config struct {
	ServiceName string            `koanf:"service_name" mapstructure:"service_name" yaml:"service_name"`
	HTTP        HTTPConfig        `koanf:"http" mapstructure:"http" yaml:"http"`
	Callback    CallbackConfig    `koanf:"callback" mapstructure:"callback" yaml:"callback"`
	API         APIConfig         `koanf:"api" mapstructure:"api" yaml:"api"`
	Secrets     SecretsConfig     `koanf:"secrets" mapstructure:"secrets" yaml:"secrets"`
	AgentID     int               `koanf:"agent_id" mapstructure:"agent_id" yaml:"agent_id"`
	Token       TokenConfig       `koanf:"token" mapstructure:"token" yaml:"token"`
	Answer      AnswerConfig      `koanf:"answer" mapstructure:"answer" yaml:"answer"`
	Sync        SyncConfig        `koanf:"sync" mapstructure:"sync" yaml:"sync"`
	Forward     ForwardConfig     `koanf:"forward" mapstructure:"forward" yaml:"forward"`
	Replies     RepliesConfig     `koanf:"replies" mapstructure:"replies" yaml:"replies"`
	Persistence PersistenceConfig `koanf:"persistence" mapstructure:"persistence" yaml:"persistence"`
	Log         LogConfig         `koanf:"log" mapstructure:"log" yaml:"log"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "wecom-callback",
		HTTP: HTTPConfig{
			Port:                8000,
			BodyLimitBytes:      1 << 20,
			ReadTimeoutSeconds:  15,
			WriteTimeoutSeconds: 15,
		},
		API: APIConfig{
			BaseURL:            DefaultAPIBaseURL,
			TimeoutSeconds:     15,
			MaxRetries:         3,
			BackoffMillis:      300,
			MaxBackoffMillis:   5000,
			ResponseLimitBytes: 10 << 20,
		},
		Token: TokenConfig{CacheTTLSeconds: 7000},
		Answer: AnswerConfig{
			TimeoutSeconds: 200,
		},
		Sync: SyncConfig{PageSize: DefaultPageSize},
		Forward: ForwardConfig{
			Workers:             4,
			QueueSize:           256,
			MaxAttempts:         5,
			InitialDelayMillis:  1000,
			MaxDelayMillis:      30000,
			DrainTimeoutSeconds: 30,
		},
		Replies: RepliesConfig{
			TextPending: DefaultTextPendingReply,
			Interim:     DefaultInterimReply,
			KFAck:       DefaultKFAckReply,
		},
		Persistence: PersistenceConfig{
			Driver:             "sqlite3",
			DSN:                "file:wecom.db?_foreign_keys=on&_busy_timeout=5000",
			PingTimeoutSeconds: 5,
		},
		Log: LogConfig{
			Level:      "info",
			FormatJSON: true,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("core: http.port %d is invalid", c.HTTP.Port)
	}
	if strings.TrimSpace(c.Callback.Token) == "" {
		return fmt.Errorf("core: callback.token is required")
	}
	if len(strings.TrimSpace(c.Callback.EncodingAESKey)) != EncodingAESKeyChars {
		return fmt.Errorf("core: callback.encoding_aes_key must be %d characters", EncodingAESKeyChars)
	}
	if strings.TrimSpace(c.Callback.CorpID) == "" {
		return fmt.Errorf("core: callback.corp_id is required")
	}
	if c.Sync.PageSize <= 0 || c.Sync.PageSize > MaxPageSize {
		return fmt.Errorf("core: sync.page_size must be within 1..%d", MaxPageSize)
	}
	if c.API.MaxRetries < 0 {
		return fmt.Errorf("core: api.max_retries must not be negative")
	}
	if c.Forward.Workers <= 0 {
		return fmt.Errorf("core: forward.workers must be positive")
	}
	if c.Forward.QueueSize <= 0 {
		return fmt.Errorf("core: forward.queue_size must be positive")
	}
	if c.Forward.MaxAttempts < 0 {
		return fmt.Errorf("core: forward.max_attempts must not be negative")
	}
	switch strings.TrimSpace(c.Persistence.Driver) {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("core: persistence.driver %q is invalid", c.Persistence.Driver)
	}
	return nil
}

func (c APIConfig) Timeout() time.Duration {
	return seconds(c.TimeoutSeconds)
}

func (c APIConfig) Backoff() time.Duration {
	return millis(c.BackoffMillis)
}

func (c APIConfig) MaxBackoff() time.Duration {
	return millis(c.MaxBackoffMillis)
}

func (c AnswerConfig) Timeout() time.Duration {
	return seconds(c.TimeoutSeconds)
}

func (c TokenConfig) CacheTTL() time.Duration {
	return seconds(c.CacheTTLSeconds)
}

func (c ForwardConfig) InitialDelay() time.Duration {
	return millis(c.InitialDelayMillis)
}

func (c ForwardConfig) MaxDelay() time.Duration {
	return millis(c.MaxDelayMillis)
}

func (c ForwardConfig) DrainTimeout() time.Duration {
	return seconds(c.DrainTimeoutSeconds)
}

func (c PersistenceConfig) PingTimeout() time.Duration {
	return seconds(c.PingTimeoutSeconds)
}

func (c HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

func seconds(value int) time.Duration {
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func millis(value int) time.Duration {
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Millisecond
}
