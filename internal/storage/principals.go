package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/turing-orchestrate/internal/model"
)

// GetPrincipalByID loads a principal by id.
func (db *DB) GetPrincipalByID(ctx context.Context, id string) (model.Principal, error) {
	var p model.Principal
	err := db.pool.QueryRow(ctx,
		`SELECT id, tenant_id, role, api_key_hash, created_at FROM principals WHERE id = $1`, id,
	).Scan(&p.ID, &p.TenantID, &p.Role, &p.APIKeyHash, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Principal{}, ErrNotFound
		}
		return model.Principal{}, fmt.Errorf("storage: get principal: %w", err)
	}
	return p, nil
}

// CreatePrincipal inserts a new principal.
func (db *DB) CreatePrincipal(ctx context.Context, p model.Principal) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO principals (id, tenant_id, role, api_key_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.TenantID, p.Role, p.APIKeyHash, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create principal: %w", err)
	}
	return nil
}

// CreateAPIKey inserts a new API key record for a principal.
func (db *DB) CreateAPIKey(ctx context.Context, k model.APIKey) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO api_keys (id, prefix, key_hash, principal_id, tenant_id, label, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		k.ID, k.Prefix, k.KeyHash, k.PrincipalID, k.TenantID, k.Label, k.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create api key: %w", err)
	}
	return nil
}

// GetAPIKeyByPrefix looks up an unrevoked, unexpired API key by its prefix.
// The caller still must verify the raw key against KeyHash.
func (db *DB) GetAPIKeyByPrefix(ctx context.Context, prefix string) (model.APIKey, error) {
	var k model.APIKey
	err := db.pool.QueryRow(ctx,
		`SELECT id, prefix, key_hash, principal_id, tenant_id, label, created_at, last_used_at, expires_at, revoked_at
		 FROM api_keys
		 WHERE prefix = $1 AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > now())`,
		prefix,
	).Scan(&k.ID, &k.Prefix, &k.KeyHash, &k.PrincipalID, &k.TenantID, &k.Label, &k.CreatedAt, &k.LastUsedAt, &k.ExpiresAt, &k.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.APIKey{}, ErrNotFound
		}
		return model.APIKey{}, fmt.Errorf("storage: get api key by prefix: %w", err)
	}
	return k, nil
}

// TouchAPIKeyLastUsed updates last_used_at to now for a successful auth.
func (db *DB) TouchAPIKeyLastUsed(ctx context.Context, id string) error {
	_, err := db.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: touch api key: %w", err)
	}
	return nil
}
