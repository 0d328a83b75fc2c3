package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	wecom "github.com/goliatone/go-wecom"
	"github.com/goliatone/go-wecom/core"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 45 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type flags struct {
	port       int
	token      string
	aesKey     string
	corpID     string
	configPath string
}

func newRootCommand() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:           "wecom-callback",
		Short:         "Serve the WeCom callback URL",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), f)
		},
	}
	cmd.Flags().IntVarP(&f.port, "port", "p", 0, "listen port")
	cmd.Flags().StringVarP(&f.token, "token", "t", "", "callback token")
	cmd.Flags().StringVarP(&f.aesKey, "aeskey", "a", "", "callback EncodingAESKey")
	cmd.Flags().StringVarP(&f.corpID, "corpid", "c", "", "corp id")
	cmd.Flags().StringVar(&f.configPath, "config", "", "optional YAML config file")
	return cmd
}

// overrides keeps only the flags that were set so lower layers still apply.
func (f flags) overrides() core.StaticLoader {
	layer := core.StaticLoader{}
	callback := map[string]any{}
	if f.port > 0 {
		layer["http"] = map[string]any{"port": f.port}
	}
	if f.token != "" {
		callback["token"] = f.token
	}
	if f.aesKey != "" {
		callback["encoding_aes_key"] = f.aesKey
	}
	if f.corpID != "" {
		callback["corp_id"] = f.corpID
	}
	if len(callback) > 0 {
		layer["callback"] = callback
	}
	return layer
}

func run(parent context.Context, f flags) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := wecom.LoadConfig(ctx, wecom.ConfigSources{
		File:    core.YAMLFileLoader{Path: f.configPath},
		Env:     core.EnvLoader{},
		Runtime: f.overrides(),
	})
	if err != nil {
		return err
	}

	app, err := wecom.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := app.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "wecom-callback: shutdown: %v\n", err)
		}
	}()

	if err := app.Start(ctx); err != nil {
		return err
	}

	errs := make(chan error, 1)
	go func() { errs <- app.Serve() }()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return nil
	}
}
