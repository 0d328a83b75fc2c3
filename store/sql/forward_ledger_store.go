package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-wecom/core"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const (
	defaultClaimLease   = 10 * time.Minute
	maxLastErrorLength  = 1024
	defaultRecoverLimit = 500
)

// ForwardLedgerStore records one row per forward idempotency key.
type ForwardLedgerStore struct {
	db   *bun.DB
	repo repository.Repository[*forwardDeliveryRecord]
	Now  func() time.Time
	// ClaimLease is how long a processing row stays owned before another
	// worker may reclaim it.
	ClaimLease time.Duration
}

func NewForwardLedgerStore(db *bun.DB) (*ForwardLedgerStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*forwardDeliveryRecord](db, forwardDeliveryHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid forward delivery repository wiring: %w", err)
		}
	}
	return &ForwardLedgerStore{
		db:         db,
		repo:       repo,
		Now:        func() time.Time { return time.Now().UTC() },
		ClaimLease: defaultClaimLease,
	}, nil
}

func (s *ForwardLedgerStore) Reserve(ctx context.Context, task core.ForwardTask) (core.ForwardDelivery, bool, error) {
	if s == nil || s.db == nil {
		return core.ForwardDelivery{}, false, core.StoreError(nil, "sqlstore: forward ledger is not configured", nil)
	}
	key := task.IdempotencyKey()
	if key == "" {
		return core.ForwardDelivery{}, false, core.BadInputError("sqlstore: forward task needs a msg id", nil)
	}
	now := s.now()
	record := &forwardDeliveryRecord{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		Channel:        string(task.Channel),
		ExternalUserID: strings.TrimSpace(task.ExternalUserID),
		MsgID:          strings.TrimSpace(task.MsgID),
		OpenKfID:       strings.TrimSpace(task.InboxID),
		Option:         task.Option,
		Status:         core.ForwardStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			existing, getErr := s.Get(ctx, key)
			if getErr != nil {
				return core.ForwardDelivery{}, false, getErr
			}
			return existing, true, nil
		}
		return core.ForwardDelivery{}, false, core.StoreError(err, "sqlstore: reserve forward", map[string]any{"idempotency_key": key})
	}
	return record.toDomain(), false, nil
}

func (s *ForwardLedgerStore) Get(ctx context.Context, key string) (core.ForwardDelivery, error) {
	if s == nil || s.db == nil {
		return core.ForwardDelivery{}, core.StoreError(nil, "sqlstore: forward ledger is not configured", nil)
	}
	record, err := s.find(ctx, s.db, key)
	if err != nil {
		return core.ForwardDelivery{}, err
	}
	return record.toDomain(), nil
}

// Claim moves a pending, retry_ready or lease-expired processing row to
// processing and counts the attempt. claimed is false when the row is
// terminal or owned by another worker.
func (s *ForwardLedgerStore) Claim(ctx context.Context, key string) (core.ForwardDelivery, bool, error) {
	if s == nil || s.db == nil {
		return core.ForwardDelivery{}, false, core.StoreError(nil, "sqlstore: forward ledger is not configured", nil)
	}
	key = strings.TrimSpace(key)
	now := s.now()
	lease := s.ClaimLease
	if lease <= 0 {
		lease = defaultClaimLease
	}

	var (
		out     core.ForwardDelivery
		claimed bool
	)
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model((*forwardDeliveryRecord)(nil)).
			Set("status = ?", core.ForwardStatusProcessing).
			Set("attempts = attempts + 1").
			Set("updated_at = ?", now).
			Where("idempotency_key = ?", key).
			WhereGroup(" AND ", func(q *bun.UpdateQuery) *bun.UpdateQuery {
				return q.
					Where("status IN (?)", bun.In([]string{core.ForwardStatusPending, core.ForwardStatusRetryReady})).
					WhereOr("status = ? AND updated_at < ?", core.ForwardStatusProcessing, now.Add(-lease))
			}).
			Exec(ctx)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		record, err := s.find(ctx, tx, key)
		if err != nil {
			return err
		}
		out = record.toDomain()
		claimed = affected > 0
		return nil
	})
	if err != nil {
		if core.IsNotFound(err) {
			return core.ForwardDelivery{}, false, err
		}
		return core.ForwardDelivery{}, false, core.StoreError(err, "sqlstore: claim forward", map[string]any{"idempotency_key": key})
	}
	return out, claimed, nil
}

func (s *ForwardLedgerStore) Complete(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return core.StoreError(nil, "sqlstore: forward ledger is not configured", nil)
	}
	_, err := s.db.NewUpdate().
		Model((*forwardDeliveryRecord)(nil)).
		Set("status = ?", core.ForwardStatusProcessed).
		Set("last_error = ?", "").
		Set("next_attempt_at = NULL").
		Set("updated_at = ?", s.now()).
		Where("idempotency_key = ?", strings.TrimSpace(key)).
		Exec(ctx)
	if err != nil {
		return core.StoreError(err, "sqlstore: complete forward", map[string]any{"idempotency_key": key})
	}
	return nil
}

// Fail records cause. dead makes the row terminal; otherwise it becomes
// retry_ready at nextAttemptAt.
func (s *ForwardLedgerStore) Fail(ctx context.Context, key string, cause error, nextAttemptAt time.Time, dead bool) error {
	if s == nil || s.db == nil {
		return core.StoreError(nil, "sqlstore: forward ledger is not configured", nil)
	}
	status := core.ForwardStatusRetryReady
	if dead {
		status = core.ForwardStatusDead
	}
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	if len(message) > maxLastErrorLength {
		message = message[:maxLastErrorLength]
	}
	query := s.db.NewUpdate().
		Model((*forwardDeliveryRecord)(nil)).
		Set("status = ?", status).
		Set("last_error = ?", message).
		Set("updated_at = ?", s.now())
	if dead || nextAttemptAt.IsZero() {
		query = query.Set("next_attempt_at = NULL")
	} else {
		query = query.Set("next_attempt_at = ?", nextAttemptAt.UTC())
	}
	if _, err := query.Where("idempotency_key = ?", strings.TrimSpace(key)).Exec(ctx); err != nil {
		return core.StoreError(err, "sqlstore: fail forward", map[string]any{"idempotency_key": key})
	}
	return nil
}

// ReleaseClaims moves every processing row back to retry_ready so the
// next Claim succeeds without waiting for the lease.
func (s *ForwardLedgerStore) ReleaseClaims(ctx context.Context) (int, error) {
	if s == nil || s.db == nil {
		return 0, core.StoreError(nil, "sqlstore: forward ledger is not configured", nil)
	}
	res, err := s.db.NewUpdate().
		Model((*forwardDeliveryRecord)(nil)).
		Set("status = ?", core.ForwardStatusRetryReady).
		Set("next_attempt_at = NULL").
		Set("updated_at = ?", s.now()).
		Where("status = ?", core.ForwardStatusProcessing).
		Exec(ctx)
	if err != nil {
		return 0, core.StoreError(err, "sqlstore: release forward claims", nil)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, core.StoreError(err, "sqlstore: release forward claims", nil)
	}
	return int(affected), nil
}

// ListRecoverable returns non-terminal rows, oldest first.
func (s *ForwardLedgerStore) ListRecoverable(ctx context.Context, limit int) ([]core.ForwardDelivery, error) {
	if s == nil || s.repo == nil {
		return nil, core.StoreError(nil, "sqlstore: forward ledger is not configured", nil)
	}
	if limit <= 0 {
		limit = defaultRecoverLimit
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("status", "<>", core.ForwardStatusProcessed),
		repository.SelectBy("status", "<>", core.ForwardStatusDead),
		repository.OrderBy("created_at ASC"),
		repository.SelectPaginate(limit, 0),
	)
	if err != nil {
		return nil, core.StoreError(err, "sqlstore: list recoverable forwards", nil)
	}
	out := make([]core.ForwardDelivery, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *ForwardLedgerStore) find(ctx context.Context, db bun.IDB, key string) (*forwardDeliveryRecord, error) {
	key = strings.TrimSpace(key)
	record := &forwardDeliveryRecord{}
	err := db.NewSelect().
		Model(record).
		Where("?TableAlias.idempotency_key = ?", key).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.NewError(
				fmt.Sprintf("sqlstore: forward delivery %q not found", key),
				goerrors.CategoryNotFound,
				http.StatusNotFound,
				core.ErrorBadInput,
				map[string]any{"idempotency_key": key},
			)
		}
		return nil, core.StoreError(err, "sqlstore: get forward", map[string]any{"idempotency_key": key})
	}
	return record, nil
}

func (s *ForwardLedgerStore) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

var _ core.ForwardLedger = (*ForwardLedgerStore)(nil)
