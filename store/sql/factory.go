package sqlstore

import (
	"fmt"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/goliatone/go-wecom/core"
	"github.com/uptrace/bun"
)

type RepositoryFactory struct {
	db *bun.DB

	cursorStore   *CursorStore
	forwardLedger *ForwardLedgerStore
}

func NewRepositoryFactory() *RepositoryFactory {
	return &RepositoryFactory{}
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

func (f *RepositoryFactory) BuildStores(persistenceClient any) error {
	if f == nil {
		return fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return err
		}
		f.db = db
	}
	if f.cursorStore != nil && f.forwardLedger != nil {
		return nil
	}
	cursorStore, err := NewCursorStore(f.db)
	if err != nil {
		return err
	}
	forwardLedger, err := NewForwardLedgerStore(f.db)
	if err != nil {
		return err
	}
	f.cursorStore = cursorStore
	f.forwardLedger = forwardLedger
	return nil
}

// WithClock sets the clock used by every store.
func (f *RepositoryFactory) WithClock(now func() time.Time) *RepositoryFactory {
	if f == nil || now == nil {
		return f
	}
	if f.cursorStore != nil {
		f.cursorStore.Now = now
	}
	if f.forwardLedger != nil {
		f.forwardLedger.Now = now
	}
	return f
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) CursorStore() core.CursorStore {
	if f == nil || f.cursorStore == nil {
		return nil
	}
	return f.cursorStore
}

func (f *RepositoryFactory) ForwardLedger() core.ForwardLedger {
	if f == nil || f.forwardLedger == nil {
		return nil
	}
	return f.forwardLedger
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
