// Package apikey issues, revokes, and validates opaque instance credentials.
package apikey

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/controlplane/internal/retry"
	"github.com/kiranshivaraju/controlplane/internal/store"
	"github.com/kiranshivaraju/controlplane/pkg/models"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/bcrypt"
)

const (
	// Prefix marks every credential issued by the control plane.
	Prefix = "sk_"
	// LookupPrefixLen is how many leading characters are stored in clear for lookup.
	LookupPrefixLen = 12

	secretBytes = 32
)

// ErrInvalidCredential is returned for unknown, malformed, or revoked credentials.
var ErrInvalidCredential = errors.New("invalid credential")

// Issued is a freshly minted key. Plaintext is never stored and is only
// available here.
type Issued struct {
	Key       *models.APIKey
	Plaintext string
}

// Issuer mints credentials and stores only their bcrypt hash.
type Issuer struct {
	store  store.Store
	policy retry.Policy
	logger *slog.Logger
	cost   int
}

// NewIssuer creates an Issuer.
func NewIssuer(s store.Store, policy retry.Policy, logger *slog.Logger) *Issuer {
	return &Issuer{store: s, policy: policy, logger: logger, cost: bcrypt.DefaultCost}
}

// WithCost overrides the bcrypt cost. Intended for tests.
func (i *Issuer) WithCost(cost int) *Issuer {
	i.cost = cost
	return i
}

// Issue mints a new credential for inst, revoking any key it held before.
func (i *Issuer) Issue(ctx context.Context, inst *models.ServiceInstance) (*Issued, error) {
	secret := make([]byte, secretBytes)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	plaintext := Prefix + base58.Encode(secret)

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), i.cost)
	if err != nil {
		return nil, fmt.Errorf("hash credential: %w", err)
	}

	if _, err := i.Revoke(ctx, inst.ID); err != nil {
		return nil, err
	}

	key := &models.APIKey{
		ID:         uuid.New(),
		InstanceID: inst.ID,
		TenantID:   inst.TenantID,
		KeyHash:    string(hash),
		KeyPrefix:  plaintext[:LookupPrefixLen],
		CreatedAt:  time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := retry.Exec(ctx, i.policy, func() error {
		return i.store.CreateAPIKey(ctx, key)
	}); err != nil {
		return nil, fmt.Errorf("store api key: %w", err)
	}
	return &Issued{Key: key, Plaintext: plaintext}, nil
}

// Revoke invalidates every live key of the instance immediately and reports
// how many were revoked.
func (i *Issuer) Revoke(ctx context.Context, instanceID uuid.UUID) (int, error) {
	n, err := retry.Do(ctx, i.policy, func() (int, error) {
		return i.store.RevokeAPIKeys(ctx, instanceID, time.Now().UTC().Truncate(time.Microsecond))
	})
	if err != nil {
		return 0, fmt.Errorf("revoke api keys: %w", err)
	}
	return n, nil
}

// Validate resolves a credential to its live key.
func (i *Issuer) Validate(ctx context.Context, credential string) (*models.APIKey, error) {
	credential = strings.TrimSpace(credential)
	if !strings.HasPrefix(credential, Prefix) || len(credential) <= LookupPrefixLen {
		return nil, ErrInvalidCredential
	}

	keys, err := retry.Do(ctx, i.policy, func() ([]*models.APIKey, error) {
		return i.store.GetAPIKeysByPrefix(ctx, credential[:LookupPrefixLen])
	})
	if err != nil {
		return nil, fmt.Errorf("lookup api key: %w", err)
	}

	for _, key := range keys {
		if key.RevokedAt != nil {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(credential)) != nil {
			continue
		}

		// Update last_used_at async
		go func(id uuid.UUID) {
			if err := i.store.UpdateAPIKeyLastUsed(context.Background(), id); err != nil {
				i.logger.Warn("update api key last used failed", "key_id", id, "error", err)
			}
		}(key.ID)
		return key, nil
	}
	return nil, ErrInvalidCredential
}
