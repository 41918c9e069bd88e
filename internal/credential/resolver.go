package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kyreport/kyreport/internal/domain"
	"github.com/kyreport/kyreport/shared/redisstore"
)

// SecretStore reads a raw secret value by reference
type SecretStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Bundle is one tenant's credential set for the generation API
type Bundle struct {
	APIKey        string `json:"api_key"`
	LoginID       string `json:"login_id"`
	ModelID       string `json:"model_id"`
	WebhookSecret string `json:"webhook_secret"`
}

// entry is the multi-tenant secret payload element
type entry struct {
	TenantID   string `json:"tenant_id"`
	SecretData Bundle `json:"secret_data"`
}

// Resolver resolves per-tenant credentials from the secret store.
// The secret payload comes in two shapes: a single bundle (legacy
// single-tenant deployments) or a list of entries keyed by tenant_id.
// The distinction never leaks past this package.
type Resolver struct {
	store     SecretStore
	secretRef string
	logger    *slog.Logger
}

// NewResolver creates a new Resolver
func NewResolver(store SecretStore, secretRef string, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:     store,
		secretRef: secretRef,
		logger:    logger,
	}
}

// Resolve returns the credential bundle for tenantID.
// Returns domain.ErrTenantConfigNotFound when no bundle matches; that is a
// configuration error and must not be retried by callers.
func (r *Resolver) Resolve(ctx context.Context, tenantID string) (*Bundle, error) {
	raw, err := r.store.Get(ctx, r.secretRef)
	if err != nil {
		if errors.Is(err, redisstore.ErrNotFound) {
			// No credential payload at all is the same configuration error
			// as a payload with no entry for the tenant; requeueing cannot
			// fix either.
			r.logger.Warn("Credential secret missing",
				slog.String("secret_ref", r.secretRef),
			)
			return nil, fmt.Errorf("%w: %s", domain.ErrTenantConfigNotFound, tenantID)
		}
		return nil, fmt.Errorf("failed to read secret %q: %w", r.secretRef, err)
	}

	raw = bytes.TrimSpace(raw)

	if len(raw) > 0 && raw[0] == '[' {
		var entries []entry
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("failed to parse secret payload: %w", err)
		}

		for _, e := range entries {
			if e.TenantID == tenantID {
				return &e.SecretData, nil
			}
		}

		r.logger.Warn("No credential bundle for tenant",
			slog.String("tenant_id", tenantID),
		)
		return nil, fmt.Errorf("%w: %s", domain.ErrTenantConfigNotFound, tenantID)
	}

	// Legacy shape: a single bundle, optionally wrapped in secret_data
	var wrapped struct {
		SecretData *Bundle `json:"secret_data"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.SecretData != nil {
		return wrapped.SecretData, nil
	}

	var bundle Bundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return nil, fmt.Errorf("failed to parse secret payload: %w", err)
	}

	if bundle.APIKey == "" {
		return nil, fmt.Errorf("%w: %s", domain.ErrTenantConfigNotFound, tenantID)
	}

	return &bundle, nil
}
