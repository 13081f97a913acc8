package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/controlplane/pkg/models"
)

// Fixed identifiers of the rows inserted by the initial migration.
var (
	DefaultTenantID      = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	PostgresDefinitionID = uuid.MustParse("00000000-0000-0000-0000-0000000000a1")
	RedisDefinitionID    = uuid.MustParse("00000000-0000-0000-0000-0000000000a2")
)

const postgresSchema = `{
	"type": "object",
	"properties": {
		"version":   {"type": "string", "enum": ["14", "15", "16"]},
		"storageGb": {"type": "integer", "minimum": 1, "maximum": 1024},
		"highAvailability": {"type": "boolean"}
	},
	"required": ["version", "storageGb"],
	"additionalProperties": false
}`

const redisSchema = `{
	"type": "object",
	"properties": {
		"memoryMb":       {"type": "integer", "minimum": 64, "maximum": 65536},
		"evictionPolicy": {"type": "string", "enum": ["noeviction", "allkeys-lru", "volatile-lru"]}
	},
	"required": ["memoryMb"],
	"additionalProperties": false
}`

// SeedDefaults inserts the default tenant and service catalog that the
// Postgres migration provides. It is used with the in-memory store and is
// safe to call more than once.
func SeedDefaults(ctx context.Context, s Store) error {
	now := time.Now().UTC()
	users, storage, apiCalls, instances := models.DefaultLimits(models.PlanFree)
	tenant := &models.Tenant{
		ID:            DefaultTenantID,
		Name:          "default",
		Plan:          models.PlanFree,
		UserLimit:     users,
		StorageLimit:  storage,
		APICallsLimit: apiCalls,
		InstanceLimit: instances,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.CreateTenant(ctx, tenant); err != nil && !errors.Is(err, ErrDuplicateKey) {
		return err
	}

	defs := []*models.ServiceDefinition{
		{
			ID: PostgresDefinitionID, Type: "postgres", Name: "PostgreSQL",
			Description:   "Managed PostgreSQL database",
			ConfigSchema:  json.RawMessage(postgresSchema),
			DefaultConfig: json.RawMessage(`{"version": "16", "storageGb": 10, "highAvailability": false}`),
		},
		{
			ID: RedisDefinitionID, Type: "redis", Name: "Redis",
			Description:   "Managed Redis cache",
			ConfigSchema:  json.RawMessage(redisSchema),
			DefaultConfig: json.RawMessage(`{"memoryMb": 256, "evictionPolicy": "allkeys-lru"}`),
		},
	}
	for _, def := range defs {
		def.Active = true
		def.CreatedAt, def.UpdatedAt = now, now
		if err := s.CreateServiceDefinition(ctx, def); err != nil && !errors.Is(err, ErrDuplicateKey) {
			return err
		}
	}
	return nil
}
