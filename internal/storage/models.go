package storage

import "time"

// CredentialRecord is one provider's stored credentials. EncAPIKey holds a
// sealed envelope, never the plain key.
type CredentialRecord struct {
	Provider  string
	EncAPIKey *string
	BaseURL   string
	Model     string
	UpdatedAt time.Time
}

type AuditEntry struct {
	Action   string
	Provider string
	MetaJSON string
}
