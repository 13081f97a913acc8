package apikey_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/controlplane/internal/apikey"
	"github.com/kiranshivaraju/controlplane/internal/retry"
	"github.com/kiranshivaraju/controlplane/internal/store"
	"github.com/kiranshivaraju/controlplane/pkg/models"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newIssuer(s store.Store) *apikey.Issuer {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return apikey.NewIssuer(s, retry.Policy{MaxAttempts: 1}, logger).WithCost(bcrypt.MinCost)
}

func instance() *models.ServiceInstance {
	return &models.ServiceInstance{ID: uuid.New(), TenantID: uuid.New(), Name: "db"}
}

func TestIssue_Format(t *testing.T) {
	s := store.NewMemoryStore()
	issued, err := newIssuer(s).Issue(context.Background(), instance())
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(issued.Plaintext, apikey.Prefix))
	raw, err := base58.Decode(strings.TrimPrefix(issued.Plaintext, apikey.Prefix))
	require.NoError(t, err)
	assert.Len(t, raw, 32)

	assert.Equal(t, issued.Plaintext[:apikey.LookupPrefixLen], issued.Key.KeyPrefix)
	assert.NotContains(t, issued.Key.KeyHash, issued.Plaintext)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(issued.Key.KeyHash), []byte(issued.Plaintext)))
}

func TestIssue_UniquePerCall(t *testing.T) {
	issuer := newIssuer(store.NewMemoryStore())
	a, err := issuer.Issue(context.Background(), instance())
	require.NoError(t, err)
	b, err := issuer.Issue(context.Background(), instance())
	require.NoError(t, err)
	assert.NotEqual(t, a.Plaintext, b.Plaintext)
}

func TestValidate_RoundTrip(t *testing.T) {
	s := store.NewMemoryStore()
	issuer := newIssuer(s)
	inst := instance()

	issued, err := issuer.Issue(context.Background(), inst)
	require.NoError(t, err)

	key, err := issuer.Validate(context.Background(), issued.Plaintext)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, key.InstanceID)
	assert.Equal(t, inst.TenantID, key.TenantID)

	assert.Eventually(t, func() bool {
		keys, err := s.GetAPIKeysByPrefix(context.Background(), issued.Key.KeyPrefix)
		return err == nil && len(keys) == 1 && keys[0].LastUsedAt != nil
	}, time.Second, 10*time.Millisecond)
}

func TestValidate_RevokedFails(t *testing.T) {
	issuer := newIssuer(store.NewMemoryStore())
	inst := instance()

	issued, err := issuer.Issue(context.Background(), inst)
	require.NoError(t, err)

	n, err := issuer.Revoke(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = issuer.Validate(context.Background(), issued.Plaintext)
	assert.ErrorIs(t, err, apikey.ErrInvalidCredential)
}

func TestIssue_RotationRevokesPrevious(t *testing.T) {
	issuer := newIssuer(store.NewMemoryStore())
	inst := instance()

	first, err := issuer.Issue(context.Background(), inst)
	require.NoError(t, err)
	second, err := issuer.Issue(context.Background(), inst)
	require.NoError(t, err)

	_, err = issuer.Validate(context.Background(), first.Plaintext)
	assert.ErrorIs(t, err, apikey.ErrInvalidCredential)

	_, err = issuer.Validate(context.Background(), second.Plaintext)
	assert.NoError(t, err)
}

func TestValidate_Malformed(t *testing.T) {
	issuer := newIssuer(store.NewMemoryStore())
	for _, cred := range []string{"", "sk_short", "pk_" + strings.Repeat("a", 40), "sk_" + strings.Repeat("z", 40)} {
		_, err := issuer.Validate(context.Background(), cred)
		assert.ErrorIs(t, err, apikey.ErrInvalidCredential, cred)
	}
}

func TestValidate_SamePrefixWrongSecret(t *testing.T) {
	issuer := newIssuer(store.NewMemoryStore())
	issued, err := issuer.Issue(context.Background(), instance())
	require.NoError(t, err)

	tampered := issued.Plaintext[:apikey.LookupPrefixLen] + strings.Repeat("1", 30)
	_, err = issuer.Validate(context.Background(), tampered)
	assert.ErrorIs(t, err, apikey.ErrInvalidCredential)
}
