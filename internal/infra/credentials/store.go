// Package credentials keeps generation-service API keys in the database so
// workers can pick up a rotated key without a redeploy.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"imagejobs/internal/infra"
	"imagejobs/internal/sqlinline"
)

const ProviderQwen = "qwen"

type Store struct {
	sql infra.SQLExecutor
}

func NewStore(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql}
}

// QwenAPIKey returns the stored key or "" when none was saved.
func (s *Store) QwenAPIKey(ctx context.Context) (string, error) {
	return s.Key(ctx, ProviderQwen)
}

func (s *Store) Key(ctx context.Context, provider string) (string, error) {
	row := s.sql.QueryRow(ctx, sqlinline.QSelectProviderCredential, provider)
	var key string
	if err := row.Scan(&key); err != nil {
		if infra.IsNoRows(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(key), nil
}

func (s *Store) SetQwenAPIKey(ctx context.Context, key string, props map[string]any) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("qwen api key is required")
	}
	return s.upsert(ctx, ProviderQwen, key, props)
}

func (s *Store) upsert(ctx context.Context, provider, key string, props map[string]any) error {
	payload := props
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.sql.Exec(ctx, sqlinline.QUpsertProviderCredential, provider, key, raw)
	return err
}

// ResolveQwenAPIKey prefers the configured key and falls back to the store.
func ResolveQwenAPIKey(ctx context.Context, configured string, store *Store) (string, error) {
	if key := strings.TrimSpace(configured); key != "" {
		return key, nil
	}
	if store == nil {
		return "", nil
	}
	return store.QwenAPIKey(ctx)
}
