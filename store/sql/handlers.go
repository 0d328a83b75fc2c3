package sqlstore

import (
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

func cursorHandlers() repository.ModelHandlers[*cursorRecord] {
	return repository.ModelHandlers[*cursorRecord]{
		NewRecord: func() *cursorRecord {
			return &cursorRecord{}
		},
		GetID: func(record *cursorRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *cursorRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *cursorRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func forwardDeliveryHandlers() repository.ModelHandlers[*forwardDeliveryRecord] {
	return repository.ModelHandlers[*forwardDeliveryRecord]{
		NewRecord: func() *forwardDeliveryRecord {
			return &forwardDeliveryRecord{}
		},
		GetID: func(record *forwardDeliveryRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *forwardDeliveryRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "idempotency_key"
		},
		GetIdentifierValue: func(record *forwardDeliveryRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.IdempotencyKey)
		},
	}
}

func parseUUID(value string) uuid.UUID {
	parsed, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil
	}
	return parsed
}
