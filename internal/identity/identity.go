// Package identity manages the per-installation keypair and the unlocked
// session object passed to every vault operation.
package identity

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/termhold/vaultcore/internal/crypto"
	"github.com/termhold/vaultcore/internal/errs"
	"github.com/termhold/vaultcore/internal/keyring"
	"github.com/termhold/vaultcore/internal/model"
	"github.com/termhold/vaultcore/internal/storage"
)

// userNamespace is the fixed UUIDv5 namespace for deriving user ids from
// public keys. Deriving instead of generating is what makes identity import
// land on the same userId on every device.
var userNamespace = uuid.Must(uuid.FromString("8f3c1e2a-9d54-4b6e-a1c7-2f80b55d9e31"))

// KeyringStore abstracts the OS secret store so tests can fake it.
type KeyringStore interface {
	StoreKEK(userID string, kek []byte) error
	LoadKEK(userID string) ([]byte, error)
	DeleteKEK(userID string) error
}

// OSKeyring is the production KeyringStore backed by the OS keychain.
type OSKeyring struct{}

func (OSKeyring) StoreKEK(userID string, kek []byte) error { return keyring.StoreKEK(userID, kek) }
func (OSKeyring) LoadKEK(userID string) ([]byte, error)    { return keyring.LoadKEK(userID) }
func (OSKeyring) DeleteKEK(userID string) error            { return keyring.DeleteKEK(userID) }

// Session holds the unlocked secret key in memory. It is passed explicitly
// to every vault operation; there is no ambient current-identity state.
type Session struct {
	userID    uuid.UUID
	publicKey []byte
	secretKey []byte
}

// UserID returns the stable user id.
func (s *Session) UserID() uuid.UUID { return s.userID }

// PublicKey returns the X25519 public key.
func (s *Session) PublicKey() []byte { return s.publicKey }

// SecretKey returns the raw secret key. As sensitive as the vault itself;
// callers must not retain the slice past the operation.
func (s *Session) SecretKey() []byte { return s.secretKey }

// Locked reports whether Teardown has run.
func (s *Session) Locked() bool { return len(s.secretKey) == 0 }

// Teardown zeroizes the held key material. Safe to call more than once.
func (s *Session) Teardown() {
	crypto.Zero(s.secretKey)
	s.secretKey = nil
}

// Manager performs identity lifecycle operations against the local store.
type Manager struct {
	store *storage.Store
	kr    KeyringStore
	log   *zap.Logger
}

// NewManager constructs a Manager. A nil logger gets zap.NewNop().
func NewManager(store *storage.Store, kr KeyringStore, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{store: store, kr: kr, log: log}
}

// Exists reports whether an identity record is present.
func (m *Manager) Exists() (bool, error) {
	_, err := m.store.GetIdentity()
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Init generates a fresh keypair and persists the identity record. An empty
// password requests OS-level protection instead of a password-derived KEK.
func (m *Manager) Init(ctx context.Context, password string) (uuid.UUID, error) {
	if ok, err := m.Exists(); err != nil {
		return uuid.Nil, err
	} else if ok {
		return uuid.Nil, errs.ErrAlreadyExists
	}

	secret, public, err := crypto.NewKeyPair()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate keypair: %w", err)
	}
	defer crypto.Zero(secret)

	return m.persist(ctx, secret, public, password)
}

// Import recreates the identity from an exported secret key, deriving the
// same public key and userId as the originating device. All wrapped DEKs
// addressed to this keypair remain valid.
func (m *Manager) Import(ctx context.Context, exported, password string) (uuid.UUID, error) {
	if ok, err := m.Exists(); err != nil {
		return uuid.Nil, err
	} else if ok {
		return uuid.Nil, errs.ErrAlreadyExists
	}

	secret, err := base64.StdEncoding.DecodeString(exported)
	if err != nil {
		return uuid.Nil, fmt.Errorf("decode identity: %w", err)
	}
	defer crypto.Zero(secret)

	public, err := crypto.PublicKeyFrom(secret)
	if err != nil {
		return uuid.Nil, fmt.Errorf("derive public key: %w", err)
	}
	return m.persist(ctx, secret, public, password)
}

func (m *Manager) persist(ctx context.Context, secret, public []byte, password string) (uuid.UUID, error) {
	userID := UserIDFor(public)
	salt, err := crypto.NewSalt()
	if err != nil {
		return uuid.Nil, err
	}

	var kek []byte
	protection := model.ProtectionPassword
	if password == "" {
		kek, err = crypto.Rand(crypto.KeyLen)
		if err != nil {
			return uuid.Nil, err
		}
		if err := m.kr.StoreKEK(userID.String(), kek); err != nil {
			crypto.Zero(kek)
			return uuid.Nil, fmt.Errorf("store kek in os keyring: %w", err)
		}
		protection = model.ProtectionKeyring
	} else {
		kek, err = crypto.DeriveKEKContext(ctx, []byte(password), salt, crypto.DefaultCost)
		if err != nil {
			return uuid.Nil, err
		}
	}
	defer crypto.Zero(kek)

	wrapped, err := crypto.Seal(kek, secret, []byte(userID.String()))
	if err != nil {
		return uuid.Nil, err
	}

	rec := &model.Identity{
		UserID:           userID,
		PublicKey:        public,
		WrappedSecretKey: wrapped,
		Salt:             salt,
		Protection:       protection,
		CreatedAt:        time.Now().UTC(),
	}
	if err := m.store.PutIdentity(rec); err != nil {
		return uuid.Nil, err
	}
	m.log.Info("identity initialized",
		zap.String("user_id", userID.String()),
		zap.String("protection", string(protection)),
	)
	return userID, nil
}

// Unlock re-derives the KEK from the password and attempts to unwrap the
// secret key. A false result carries no detail: bad password and corrupt
// record are indistinguishable by design.
func (m *Manager) Unlock(ctx context.Context, password string) (*Session, bool, error) {
	rec, err := m.loadRecord()
	if err != nil {
		return nil, false, err
	}
	kek, err := crypto.DeriveKEKContext(ctx, []byte(password), rec.Salt, crypto.DefaultCost)
	if err != nil {
		return nil, false, err
	}
	defer crypto.Zero(kek)
	return m.open(rec, kek)
}

// AutoUnlock sources the KEK from the OS keyring. A missing entry reports
// ErrIdentityUnopenable: the identity exists but cannot be opened, which is
// distinct from no identity at all.
func (m *Manager) AutoUnlock(_ context.Context) (*Session, bool, error) {
	rec, err := m.loadRecord()
	if err != nil {
		return nil, false, err
	}
	kek, err := m.kr.LoadKEK(rec.UserID.String())
	if err != nil {
		if errors.Is(err, keyring.ErrNoEntry) {
			return nil, false, errs.ErrIdentityUnopenable
		}
		return nil, false, fmt.Errorf("%w: %w", errs.ErrIdentityUnopenable, err)
	}
	defer crypto.Zero(kek)
	return m.open(rec, kek)
}

func (m *Manager) loadRecord() (*model.Identity, error) {
	rec, err := m.store.GetIdentity()
	if errors.Is(err, errs.ErrNotFound) {
		return nil, errs.ErrNoIdentity
	}
	return rec, err
}

func (m *Manager) open(rec *model.Identity, kek []byte) (*Session, bool, error) {
	secret, err := crypto.Open(kek, rec.WrappedSecretKey, []byte(rec.UserID.String()))
	if err != nil {
		// AEAD failure: wrong key or corrupt record. No distinction surfaced.
		return nil, false, nil
	}
	return &Session{
		userID:    rec.UserID,
		publicKey: append([]byte(nil), rec.PublicKey...),
		secretKey: secret,
	}, true, nil
}

// EnableAutoUnlock verifies the password and stores the derived KEK in the
// OS keyring, so later AutoUnlock calls open the identity without prompting.
// The stored record keeps its password wrap; this only caches the KEK.
func (m *Manager) EnableAutoUnlock(ctx context.Context, password string) (bool, error) {
	rec, err := m.loadRecord()
	if err != nil {
		return false, err
	}
	kek, err := crypto.DeriveKEKContext(ctx, []byte(password), rec.Salt, crypto.DefaultCost)
	if err != nil {
		return false, err
	}
	defer crypto.Zero(kek)

	sess, ok, err := m.open(rec, kek)
	if err != nil || !ok {
		return ok, err
	}
	sess.Teardown()
	if err := m.kr.StoreKEK(rec.UserID.String(), kek); err != nil {
		return false, fmt.Errorf("store kek in os keyring: %w", err)
	}
	return true, nil
}

// DisableAutoUnlock removes the cached KEK from the OS keyring. The next
// unlock requires the password again.
func (m *Manager) DisableAutoUnlock() error {
	rec, err := m.loadRecord()
	if err != nil {
		return err
	}
	// A keyring-protected identity has no password fallback; deleting its
	// only KEK would brick it.
	if rec.Protection == model.ProtectionKeyring {
		return fmt.Errorf("identity is keyring-protected, cannot remove its only key")
	}
	return m.kr.DeleteKEK(rec.UserID.String())
}

// Export serializes the raw secret key for manual multi-device transfer.
// The returned string is as sensitive as the vault itself.
func (m *Manager) Export(s *Session) (string, error) {
	if s == nil || s.Locked() {
		return "", errs.ErrIdentityLocked
	}
	return base64.StdEncoding.EncodeToString(s.secretKey), nil
}

// ChangePassword re-wraps the secret key under a KEK derived from the new
// password. Wrapped DEKs are keypair-bound, so they all remain valid.
func (m *Manager) ChangePassword(ctx context.Context, s *Session, newPassword string) error {
	if s == nil || s.Locked() {
		return errs.ErrIdentityLocked
	}
	rec, err := m.loadRecord()
	if err != nil {
		return err
	}
	salt, err := crypto.NewSalt()
	if err != nil {
		return err
	}
	kek, err := crypto.DeriveKEKContext(ctx, []byte(newPassword), salt, crypto.DefaultCost)
	if err != nil {
		return err
	}
	defer crypto.Zero(kek)

	wrapped, err := crypto.Seal(kek, s.secretKey, []byte(rec.UserID.String()))
	if err != nil {
		return err
	}
	rec.WrappedSecretKey = wrapped
	rec.Salt = salt
	rec.Protection = model.ProtectionPassword
	return m.store.PutIdentity(rec)
}

// Reset destroys the identity record and its OS keyring entry. Explicit and
// irreversible; vault member rows addressed to the old keypair become
// permanently unwrappable.
func (m *Manager) Reset(_ context.Context) error {
	rec, err := m.loadRecord()
	if err != nil {
		return err
	}
	if err := m.kr.DeleteKEK(rec.UserID.String()); err != nil {
		m.log.Warn("delete keyring entry", zap.Error(err))
	}
	return m.store.DeleteIdentity()
}

// UserIDFor derives the stable user id from a public key.
func UserIDFor(publicKey []byte) uuid.UUID {
	return uuid.NewV5(userNamespace, string(publicKey))
}
