package schema_test

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/kiranshivaraju/controlplane/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var postgresSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"version":   {"type": "string", "enum": ["14", "15", "16"]},
		"storageGb": {"type": "integer", "minimum": 1, "maximum": 1024}
	},
	"required": ["version", "storageGb"],
	"additionalProperties": false
}`)

func TestValidate_Valid(t *testing.T) {
	v := schema.NewValidator()
	violations, err := v.Validate(postgresSchema, json.RawMessage(`{"version":"16","storageGb":10}`))
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestValidate_ReportsEachField(t *testing.T) {
	v := schema.NewValidator()
	violations, err := v.Validate(postgresSchema, json.RawMessage(`{"version":"9","storageGb":0}`))
	require.NoError(t, err)
	require.Len(t, violations, 2)
	assert.Equal(t, "configuration.storageGb", violations[0].Field)
	assert.Equal(t, "configuration.version", violations[1].Field)
}

func TestValidate_MissingRequired(t *testing.T) {
	v := schema.NewValidator()
	violations, err := v.Validate(postgresSchema, json.RawMessage(`{"version":"16"}`))
	require.NoError(t, err)
	require.NotEmpty(t, violations)
	assert.Contains(t, violations[0].Message, "storageGb")
}

func TestValidate_NotAnObject(t *testing.T) {
	v := schema.NewValidator()

	violations, err := v.Validate(postgresSchema, json.RawMessage(`[1,2]`))
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, "configuration", violations[0].Field)

	violations, err = v.Validate(postgresSchema, json.RawMessage(`{not json`))
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, "Must be valid JSON", violations[0].Message)
}

func TestValidate_EmptySchemaAcceptsObjects(t *testing.T) {
	v := schema.NewValidator()
	violations, err := v.Validate(nil, json.RawMessage(`{"anything":true}`))
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestValidate_BadSchema(t *testing.T) {
	v := schema.NewValidator()
	_, err := v.Validate(json.RawMessage(`{"type": 12}`), json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestValidate_ConcurrentUseSharesCompiledSchema(t *testing.T) {
	v := schema.NewValidator()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			violations, err := v.Validate(postgresSchema, json.RawMessage(`{"version":"15","storageGb":5}`))
			assert.NoError(t, err)
			assert.Empty(t, violations)
		}()
	}
	wg.Wait()
}
