package vault

import (
	"errors"
	"sort"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/termhold/vaultcore/internal/crypto"
	"github.com/termhold/vaultcore/internal/errs"
	"github.com/termhold/vaultcore/internal/model"
)

// CreateSecret AEAD-encrypts plaintext under the vault's cached DEK with a
// fresh nonce and persists the row. Requires an unlocked vault.
func (s *Service) CreateSecret(vaultID uuid.UUID, name, category string, plaintext []byte) (uuid.UUID, error) {
	if name == "" {
		return uuid.Nil, errors.New("validation: empty secret name")
	}
	secretID, err := uuid.NewV4()
	if err != nil {
		return uuid.Nil, err
	}

	st := s.state(vaultID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.dek == nil {
		return uuid.Nil, errs.ErrVaultLocked
	}

	ct, err := crypto.Seal(st.dek, plaintext, secretAAD(vaultID, secretID))
	if err != nil {
		return uuid.Nil, err
	}
	now := time.Now().UTC()
	row := &model.Secret{
		SecretID:   secretID,
		VaultID:    vaultID,
		Name:       name,
		Category:   category,
		Ciphertext: ct,
		Ver:        1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.PutSecret(row); err != nil {
		return uuid.Nil, err
	}
	s.log.Debug("secret created",
		zap.String("vault_id", vaultID.String()),
		zap.String("secret_id", secretID.String()),
	)
	return secretID, nil
}

// ReadSecret decrypts one secret. An authentication-tag mismatch reports
// ErrTamperedOrCorrupt for this row only; the rest of the vault stays
// readable.
func (s *Service) ReadSecret(vaultID, secretID uuid.UUID) ([]byte, error) {
	st := s.state(vaultID)
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.dek == nil {
		return nil, errs.ErrVaultLocked
	}

	row, err := s.store.GetSecret(vaultID, secretID)
	if err != nil {
		return nil, err
	}
	if row.Deleted {
		return nil, errs.ErrNotFound
	}
	pt, err := crypto.Open(st.dek, row.Ciphertext, secretAAD(vaultID, secretID))
	if err != nil {
		return nil, errs.ErrTamperedOrCorrupt
	}
	return pt, nil
}

// UpdateSecret re-encrypts with a fresh nonce; nonces are never reused
// across writes to the same secret.
func (s *Service) UpdateSecret(vaultID, secretID uuid.UUID, plaintext []byte) error {
	st := s.state(vaultID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.dek == nil {
		return errs.ErrVaultLocked
	}

	row, err := s.store.GetSecret(vaultID, secretID)
	if err != nil {
		return err
	}
	if row.Deleted {
		return errs.ErrNotFound
	}
	ct, err := crypto.Seal(st.dek, plaintext, secretAAD(vaultID, secretID))
	if err != nil {
		return err
	}
	row.Ciphertext = ct
	row.Ver++
	row.UpdatedAt = time.Now().UTC()
	return s.store.PutSecret(row)
}

// Rename updates a secret's metadata without touching its ciphertext.
func (s *Service) Rename(vaultID, secretID uuid.UUID, name, category string) error {
	if name == "" {
		return errors.New("validation: empty secret name")
	}
	st := s.state(vaultID)
	st.mu.Lock()
	defer st.mu.Unlock()

	row, err := s.store.GetSecret(vaultID, secretID)
	if err != nil {
		return err
	}
	if row.Deleted {
		return errs.ErrNotFound
	}
	row.Name = name
	row.Category = category
	row.Ver++
	row.UpdatedAt = time.Now().UTC()
	return s.store.PutSecret(row)
}

// DeleteSecret removes the row. Replicated vaults keep a tombstone so the
// deletion propagates; private vaults delete outright. Plaintext is never
// retained after the call returns.
func (s *Service) DeleteSecret(vaultID, secretID uuid.UUID) error {
	v, err := s.store.GetVault(vaultID)
	if err != nil {
		return err
	}

	st := s.state(vaultID)
	st.mu.Lock()
	defer st.mu.Unlock()

	row, err := s.store.GetSecret(vaultID, secretID)
	if err != nil {
		return err
	}
	if v.Kind == model.KindShared {
		row.Deleted = true
		row.Ciphertext = nil
		row.Ver++
		row.UpdatedAt = time.Now().UTC()
		return s.store.PutSecret(row)
	}
	return s.store.DeleteSecret(vaultID, secretID)
}

// ListSecrets returns metadata only: never ciphertext, never plaintext.
// Allowed on a locked vault so UIs can render a list before unlocking.
func (s *Service) ListSecrets(vaultID uuid.UUID) ([]model.SecretMeta, error) {
	rows, err := s.store.ListSecrets(vaultID)
	if err != nil {
		return nil, err
	}
	out := make([]model.SecretMeta, 0, len(rows))
	for i := range rows {
		if rows[i].Deleted {
			continue
		}
		out = append(out, rows[i].Meta())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
