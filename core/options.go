package core

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/goliatone/go-config/cfgx"
	opts "github.com/goliatone/go-options"
	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"
)

// RawConfigLoader produces one configuration layer as a nested map.
type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

// ConfigSources are the layers merged over the defaults, lowest priority first.
type ConfigSources struct {
	File    RawConfigLoader
	Env     RawConfigLoader
	Runtime RawConfigLoader
}

// StaticLoader returns a fixed map. Used for CLI flag overrides.
type StaticLoader map[string]any

func (l StaticLoader) LoadRaw(context.Context) (map[string]any, error) {
	return copyLayer(l), nil
}

// YAMLFileLoader reads a YAML config file. A missing optional file yields an empty layer.
type YAMLFileLoader struct {
	Path     string
	Optional bool
}

func (l YAMLFileLoader) LoadRaw(context.Context) (map[string]any, error) {
	path := strings.TrimSpace(l.Path)
	if path == "" {
		return map[string]any{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if l.Optional && os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("core: read config file %q: %w", path, err)
	}
	layer := map[string]any{}
	if err := yaml.Unmarshal(data, &layer); err != nil {
		return nil, fmt.Errorf("core: decode config file %q: %w", path, err)
	}
	return layer, nil
}

// EnvValues is the environment surface of Config.
type EnvValues struct {
	Port           int    `env:"WECOM_PORT"`
	Token          string `env:"WECOM_TOKEN"`
	EncodingAESKey string `env:"WECOM_AES_KEY"`
	CorpID         string `env:"WECOM_CORP_ID"`
	AppSecret      string `env:"WECOM_APP_SECRET"`
	ContactSecret  string `env:"WECOM_CONTACT_SECRET"`
	KFSecret       string `env:"WECOM_KF_SECRET"`
	AgentID        int    `env:"WECOM_AGENT_ID"`
	AnswerURL      string `env:"WECOM_ANSWER_URL"`
	DBDriver       string `env:"WECOM_DB_DRIVER"`
	DBDSN          string `env:"WECOM_DB_DSN"`
	LogLevel       string `env:"WECOM_LOG_LEVEL"`
	LogFile        string `env:"WECOM_LOG_FILE"`
}

// EnvLoader reads EnvValues with cleanenv and keeps only the values that are set.
type EnvLoader struct{}

func (EnvLoader) LoadRaw(context.Context) (map[string]any, error) {
	var values EnvValues
	if err := cleanenv.ReadEnv(&values); err != nil {
		return nil, fmt.Errorf("core: read environment: %w", err)
	}
	return values.Layer(), nil
}

func (v EnvValues) Layer() map[string]any {
	layer := map[string]any{}
	if v.Port > 0 {
		setPath(layer, v.Port, "http", "port")
	}
	setString(layer, v.Token, "callback", "token")
	setString(layer, v.EncodingAESKey, "callback", "encoding_aes_key")
	setString(layer, v.CorpID, "callback", "corp_id")
	setString(layer, v.AppSecret, "secrets", "app")
	setString(layer, v.ContactSecret, "secrets", "contact")
	setString(layer, v.KFSecret, "secrets", "kf")
	if v.AgentID > 0 {
		setPath(layer, v.AgentID, "agent_id")
	}
	setString(layer, v.AnswerURL, "answer", "webhook_url")
	setString(layer, v.DBDriver, "persistence", "driver")
	setString(layer, v.DBDSN, "persistence", "dsn")
	setString(layer, v.LogLevel, "log", "level")
	setString(layer, v.LogFile, "log", "rotation", "file")
	return layer
}

// LoadConfig merges defaults < file < env < runtime and builds a validated Config.
func LoadConfig(ctx context.Context, defaults Config, sources ConfigSources) (Config, error) {
	defaultLayer, err := ConfigToLayer(defaults)
	if err != nil {
		return Config{}, err
	}
	fileLayer, err := loadLayer(ctx, sources.File)
	if err != nil {
		return Config{}, err
	}
	envLayer, err := loadLayer(ctx, sources.Env)
	if err != nil {
		return Config{}, err
	}
	runtimeLayer, err := loadLayer(ctx, sources.Runtime)
	if err != nil {
		return Config{}, err
	}

	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			defaultLayer,
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("file", 10),
			fileLayer,
			opts.WithSnapshotID[map[string]any]("file"),
		),
		opts.NewLayer(
			opts.NewScope("env", 20),
			envLayer,
			opts.WithSnapshotID[map[string]any]("env"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 30),
			runtimeLayer,
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	cfg, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadLayer(ctx context.Context, loader RawConfigLoader) (map[string]any, error) {
	if loader == nil {
		return map[string]any{}, nil
	}
	layer, err := loader.LoadRaw(ctx)
	if err != nil {
		return nil, err
	}
	if layer == nil {
		return map[string]any{}, nil
	}
	return layer, nil
}

// ConfigToLayer renders cfg as a nested map keyed like the YAML file.
func ConfigToLayer(cfg Config) (map[string]any, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("core: encode config layer: %w", err)
	}
	layer := map[string]any{}
	if err := yaml.Unmarshal(data, &layer); err != nil {
		return nil, fmt.Errorf("core: decode config layer: %w", err)
	}
	return layer, nil
}

func setString(layer map[string]any, value string, path ...string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	setPath(layer, value, path...)
}

func setPath(layer map[string]any, value any, path ...string) {
	if len(path) == 0 {
		return
	}
	current := layer
	for _, key := range path[:len(path)-1] {
		next, ok := current[key].(map[string]any)
		if !ok {
			next = map[string]any{}
			current[key] = next
		}
		current = next
	}
	current[path[len(path)-1]] = value
}

func copyLayer(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		if nested, ok := value.(map[string]any); ok {
			out[key] = copyLayer(nested)
			continue
		}
		out[key] = value
	}
	return out
}
