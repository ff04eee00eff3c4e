package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

var ErrNotFound = errors.New("not found")

const settingActiveProvider = "active_provider"

func (s *Store) UpsertCredential(ctx context.Context, c CredentialRecord) error {
	q := s.sql.Insert("provider_credentials").
		Columns("provider", "enc_api_key", "base_url", "model", "updated_at").
		Values(c.Provider, c.EncAPIKey, c.BaseURL, c.Model, nowExpr(s.driver)).
		Suffix("ON CONFLICT(provider) DO UPDATE SET enc_api_key=excluded.enc_api_key, base_url=excluded.base_url, model=excluded.model, updated_at=excluded.updated_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build credential upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

func (s *Store) GetCredential(ctx context.Context, provider string) (CredentialRecord, error) {
	q := s.sql.Select("provider", "enc_api_key", "base_url", "model", "updated_at").
		From("provider_credentials").
		Where(sq.Eq{"provider": provider})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return CredentialRecord{}, fmt.Errorf("build credential query: %w", err)
	}

	c, err := scanCredential(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CredentialRecord{}, ErrNotFound
		}
		return CredentialRecord{}, fmt.Errorf("get credential: %w", err)
	}
	return c, nil
}

func (s *Store) ListCredentials(ctx context.Context) ([]CredentialRecord, error) {
	q := s.sql.Select("provider", "enc_api_key", "base_url", "model", "updated_at").
		From("provider_credentials").
		OrderBy("provider ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list credentials query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []CredentialRecord
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteCredential(ctx context.Context, provider string) error {
	q := s.sql.Delete("provider_credentials").Where(sq.Eq{"provider": provider})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete credential query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (CredentialRecord, error) {
	var c CredentialRecord
	var encAPIKey sql.NullString
	if err := row.Scan(&c.Provider, &encAPIKey, &c.BaseURL, &c.Model, &c.UpdatedAt); err != nil {
		return CredentialRecord{}, err
	}
	if encAPIKey.Valid {
		c.EncAPIKey = &encAPIKey.String
	}
	return c, nil
}

func (s *Store) SetActiveProvider(ctx context.Context, provider string) error {
	return s.setSetting(ctx, settingActiveProvider, provider)
}

func (s *Store) GetActiveProvider(ctx context.Context) (string, error) {
	return s.getSetting(ctx, settingActiveProvider)
}

func (s *Store) setSetting(ctx context.Context, key, value string) error {
	q := s.sql.Insert("bridge_settings").
		Columns("key", "value", "updated_at").
		Values(key, value, nowExpr(s.driver)).
		Suffix("ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build set setting query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

func (s *Store) getSetting(ctx context.Context, key string) (string, error) {
	q := s.sql.Select("value").From("bridge_settings").Where(sq.Eq{"key": key})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return "", fmt.Errorf("build get setting query: %w", err)
	}
	var value string
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) LogAction(ctx context.Context, e AuditEntry) error {
	if strings.TrimSpace(e.MetaJSON) == "" || !json.Valid([]byte(e.MetaJSON)) {
		e.MetaJSON = "{}"
	}

	q := s.sql.Insert("audit_log").
		Columns("action", "provider", "meta_json").
		Values(e.Action, e.Provider, e.MetaJSON)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build audit insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// RecentActions returns the newest audit actions first.
func (s *Store) RecentActions(ctx context.Context, limit uint64) ([]AuditEntry, error) {
	q := s.sql.Select("action", "provider", "meta_json").
		From("audit_log").
		OrderBy("id DESC").
		Limit(limit)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build recent actions query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("recent actions: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.Action, &e.Provider, &e.MetaJSON); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nowExpr(driver string) any {
	if driver == "postgres" {
		return sq.Expr("NOW()")
	}
	return sq.Expr("CURRENT_TIMESTAMP")
}
