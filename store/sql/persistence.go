package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"strings"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/goliatone/go-wecom/core"
	"github.com/goliatone/go-wecom/migrations"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// PersistenceConfig adapts core.PersistenceConfig to the persistence client.
type PersistenceConfig struct {
	Config       core.PersistenceConfig
	OtelIdentity string
}

func (c PersistenceConfig) GetDebug() bool {
	return c.Config.Debug
}

func (c PersistenceConfig) GetDriver() string {
	return strings.TrimSpace(c.Config.Driver)
}

func (c PersistenceConfig) GetServer() string {
	return c.Config.DSN
}

func (c PersistenceConfig) GetPingTimeout() time.Duration {
	if timeout := c.Config.PingTimeout(); timeout > 0 {
		return timeout
	}
	return 5 * time.Second
}

func (c PersistenceConfig) GetOtelIdentifier() string {
	if strings.TrimSpace(c.OtelIdentity) == "" {
		return "go-wecom"
	}
	return c.OtelIdentity
}

// Open connects the configured driver and applies the embedded
// migrations for its dialect found under migrationsFS.
func Open(ctx context.Context, cfg PersistenceConfig, migrationsFS fs.FS) (*persistence.Client, error) {
	driver := cfg.GetDriver()
	dialectName := ""
	switch driver {
	case DriverSQLite:
		dialectName = migrations.DialectSQLite
	case DriverPostgres:
		dialectName = migrations.DialectPostgres
	default:
		return nil, core.BadInputError(fmt.Sprintf("sqlstore: unsupported driver %q", driver), map[string]any{"driver": driver})
	}

	sqlDB, err := sql.Open(driver, cfg.GetServer())
	if err != nil {
		return nil, core.StoreError(err, "sqlstore: open database", map[string]any{"driver": driver})
	}
	var client *persistence.Client
	if driver == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
		client, err = persistence.New(cfg, sqlDB, sqlitedialect.New())
	} else {
		client, err = persistence.New(cfg, sqlDB, pgdialect.New())
	}
	if err != nil {
		_ = sqlDB.Close()
		return nil, core.StoreError(err, "sqlstore: new persistence client", map[string]any{"driver": driver})
	}
	_, err = migrations.Register(ctx, func(_ context.Context, _ string, _ string, fsys fs.FS) error {
		client.RegisterSQLMigrations(fsys)
		return nil
	}, migrations.WithSource(migrationsFS), migrations.WithValidationTargets(dialectName))
	if err != nil {
		_ = client.Close()
		return nil, core.StoreError(err, "sqlstore: register migrations", map[string]any{"driver": driver})
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		return nil, core.StoreError(err, "sqlstore: migrate", map[string]any{"driver": driver})
	}
	return client, nil
}
