package wecom

import (
	"context"

	"github.com/goliatone/go-wecom/core"
)

type Config = core.Config

type ConfigSources = core.ConfigSources

type Logger = core.Logger
type LoggerProvider = core.LoggerProvider

type HTTPDoer = core.HTTPDoer

type Cursor = core.Cursor
type SyncTrigger = core.SyncTrigger
type SyncResult = core.SyncResult
type ForwardDelivery = core.ForwardDelivery

func DefaultConfig() Config {
	return core.DefaultConfig()
}

// LoadConfig layers sources over DefaultConfig and validates the result.
func LoadConfig(ctx context.Context, sources ConfigSources) (Config, error) {
	return core.LoadConfig(ctx, core.DefaultConfig(), sources)
}
