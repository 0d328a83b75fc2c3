package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-wecom/core"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// CursorStore keeps kf sync cursors scoped by open_kfid. Rows for one inbox
// are consumed oldest first and deleted in the same transaction.
type CursorStore struct {
	db   *bun.DB
	repo repository.Repository[*cursorRecord]
	Now  func() time.Time
}

func NewCursorStore(db *bun.DB) (*CursorStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*cursorRecord](db, cursorHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid cursor repository wiring: %w", err)
		}
	}
	return &CursorStore{
		db:   db,
		repo: repo,
		Now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *CursorStore) Consume(ctx context.Context, inboxID string) (core.Cursor, bool, error) {
	if s == nil || s.db == nil {
		return core.Cursor{}, false, core.StoreError(nil, "sqlstore: cursor store is not configured", nil)
	}
	inboxID = strings.TrimSpace(inboxID)
	if inboxID == "" {
		return core.Cursor{}, false, core.BadInputError("sqlstore: inbox id is required", nil)
	}

	var (
		out   core.Cursor
		found bool
	)
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record := &cursorRecord{}
		err := tx.NewSelect().
			Model(record).
			Where("?TableAlias.open_kfid = ?", inboxID).
			OrderExpr("?TableAlias.created_at ASC").
			OrderExpr("?TableAlias.id ASC").
			Limit(1).
			Scan(ctx)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		if _, err := tx.NewDelete().
			Model((*cursorRecord)(nil)).
			Where("id = ?", record.ID).
			Exec(ctx); err != nil {
			return err
		}
		out = record.toDomain()
		found = true
		return nil
	})
	if err != nil {
		return core.Cursor{}, false, core.StoreError(err, "sqlstore: consume cursor", map[string]any{"open_kfid": inboxID})
	}
	return out, found, nil
}

func (s *CursorStore) Append(ctx context.Context, inboxID string, value string) (core.Cursor, error) {
	if s == nil || s.repo == nil {
		return core.Cursor{}, core.StoreError(nil, "sqlstore: cursor store is not configured", nil)
	}
	inboxID = strings.TrimSpace(inboxID)
	value = strings.TrimSpace(value)
	if inboxID == "" || value == "" {
		return core.Cursor{}, core.BadInputError("sqlstore: inbox id and cursor value are required", nil)
	}
	record := &cursorRecord{
		ID:        uuid.NewString(),
		OpenKfID:  inboxID,
		Value:     value,
		CreatedAt: s.now(),
	}
	created, err := s.repo.Create(ctx, record)
	if err != nil {
		return core.Cursor{}, core.StoreError(err, "sqlstore: append cursor", map[string]any{"open_kfid": inboxID})
	}
	return created.toDomain(), nil
}

// Restore puts back a consumed cursor with its original id and creation time.
func (s *CursorStore) Restore(ctx context.Context, cursor core.Cursor) error {
	if s == nil || s.db == nil {
		return core.StoreError(nil, "sqlstore: cursor store is not configured", nil)
	}
	cursor.InboxID = strings.TrimSpace(cursor.InboxID)
	if cursor.InboxID == "" || strings.TrimSpace(cursor.Value) == "" {
		return core.BadInputError("sqlstore: cursor to restore needs inbox id and value", nil)
	}
	record := &cursorRecord{
		ID:        strings.TrimSpace(cursor.ID),
		OpenKfID:  cursor.InboxID,
		Value:     cursor.Value,
		CreatedAt: cursor.CreatedAt.UTC(),
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now()
	}
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return core.StoreError(err, "sqlstore: restore cursor", map[string]any{"open_kfid": cursor.InboxID})
	}
	return nil
}

func (s *CursorStore) List(ctx context.Context, inboxID string) ([]core.Cursor, error) {
	if s == nil || s.repo == nil {
		return nil, core.StoreError(nil, "sqlstore: cursor store is not configured", nil)
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("open_kfid", "=", strings.TrimSpace(inboxID)),
		repository.OrderBy("created_at ASC"),
	)
	if err != nil {
		return nil, core.StoreError(err, "sqlstore: list cursors", map[string]any{"open_kfid": inboxID})
	}
	out := make([]core.Cursor, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *CursorStore) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func isUniqueViolation(err error) bool {
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}

var _ core.CursorStore = (*CursorStore)(nil)
