package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"llmbridge/internal/config"
	"llmbridge/internal/crypto"
)

// Vault persists provider credentials so keys entered at runtime survive a
// restart. Conversation history is never stored.
type Vault struct {
	store  *Store
	sealer *crypto.Sealer
	logger zerolog.Logger
}

func NewVault(store *Store, sealer *crypto.Sealer, logger zerolog.Logger) *Vault {
	return &Vault{store: store, sealer: sealer, logger: logger}
}

func (v *Vault) Save(ctx context.Context, p config.Provider, c config.Credentials) error {
	rec := CredentialRecord{Provider: string(p), BaseURL: c.BaseURL, Model: c.Model}
	if c.APIKey != "" {
		sealed, err := v.sealer.Seal(c.APIKey, string(p))
		if err != nil {
			return fmt.Errorf("seal %s api key: %w", p, err)
		}
		rec.EncAPIKey = &sealed
	}
	if err := v.store.UpsertCredential(ctx, rec); err != nil {
		return err
	}
	v.audit(ctx, "credentials.save", p, map[string]any{
		"has_key":  c.APIKey != "",
		"base_url": c.BaseURL,
		"model":    c.Model,
	})
	return nil
}

func (v *Vault) SaveActive(ctx context.Context, p config.Provider) error {
	if err := v.store.SetActiveProvider(ctx, string(p)); err != nil {
		return err
	}
	v.audit(ctx, "provider.activate", p, nil)
	return nil
}

// Restore loads every stored provider into m and re-activates the stored
// provider. It returns how many providers were restored. Rows that cannot
// be opened are skipped and logged.
func (v *Vault) Restore(ctx context.Context, m *config.Manager) (int, error) {
	records, err := v.store.ListCredentials(ctx)
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, rec := range records {
		p, err := config.ParseProvider(rec.Provider)
		if err != nil {
			v.logger.Warn().Str("provider", rec.Provider).Msg("skipping stored credentials for unknown provider")
			continue
		}
		c, err := v.open(rec)
		if err != nil {
			v.logger.Error().Err(err).Str("provider", rec.Provider).Msg("cannot open stored api key")
			continue
		}
		m.SetCredentials(p, c)
		restored++
	}

	active, err := v.store.GetActiveProvider(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return restored, err
	default:
		if _, err := m.SetProvider(ctx, active); err != nil {
			return restored, fmt.Errorf("restore active provider: %w", err)
		}
	}
	return restored, nil
}

func (v *Vault) RestoreProvider(ctx context.Context, m *config.Manager, p config.Provider) (config.Credentials, error) {
	rec, err := v.store.GetCredential(ctx, string(p))
	if err != nil {
		return config.Credentials{}, err
	}
	c, err := v.open(rec)
	if err != nil {
		return config.Credentials{}, err
	}
	m.SetCredentials(p, c)
	v.audit(ctx, "credentials.restore", p, nil)
	return c, nil
}

// Forget returns ErrNotFound when nothing was stored for p.
func (v *Vault) Forget(ctx context.Context, p config.Provider) error {
	if err := v.store.DeleteCredential(ctx, string(p)); err != nil {
		return err
	}
	v.audit(ctx, "credentials.delete", p, nil)
	return nil
}

func (v *Vault) Recent(ctx context.Context, limit uint64) ([]AuditEntry, error) {
	return v.store.RecentActions(ctx, limit)
}

func (v *Vault) open(rec CredentialRecord) (config.Credentials, error) {
	c := config.Credentials{BaseURL: rec.BaseURL, Model: rec.Model}
	if rec.EncAPIKey == nil {
		return c, nil
	}
	key, err := v.sealer.Open(*rec.EncAPIKey, rec.Provider)
	if err != nil {
		return config.Credentials{}, fmt.Errorf("open %s api key: %w", rec.Provider, err)
	}
	c.APIKey = key
	return c, nil
}

// RotateKeys re-seals every API key that was sealed with a retired key.
func (v *Vault) RotateKeys(ctx context.Context) (int, error) {
	records, err := v.store.ListCredentials(ctx)
	if err != nil {
		return 0, err
	}
	rotated := 0
	for _, rec := range records {
		if rec.EncAPIKey == nil {
			continue
		}
		stale, err := v.sealer.Stale(*rec.EncAPIKey)
		if err != nil {
			return rotated, fmt.Errorf("inspect %s envelope: %w", rec.Provider, err)
		}
		if !stale {
			continue
		}
		fresh, err := v.sealer.Reseal(*rec.EncAPIKey, rec.Provider)
		if err != nil {
			return rotated, fmt.Errorf("reseal %s api key: %w", rec.Provider, err)
		}
		rec.EncAPIKey = &fresh
		if err := v.store.UpsertCredential(ctx, rec); err != nil {
			return rotated, err
		}
		rotated++
	}
	if rotated > 0 {
		v.audit(ctx, "credentials.rotate", "", map[string]any{"rotated": rotated, "key_id": v.sealer.CurrentKeyID()})
	}
	return rotated, nil
}

func (v *Vault) audit(ctx context.Context, action string, p config.Provider, meta map[string]any) {
	raw := "{}"
	if meta != nil {
		if b, err := json.Marshal(meta); err == nil {
			raw = string(b)
		}
	}
	if err := v.store.LogAction(ctx, AuditEntry{Action: action, Provider: string(p), MetaJSON: raw}); err != nil {
		v.logger.Warn().Err(err).Str("action", action).Msg("failed to write audit entry")
	}
}
