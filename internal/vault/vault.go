// Package vault implements vault lifecycle, membership and the per-secret
// store. A vault is Closed until Open loads its metadata, and its secrets
// stay unreadable until Unlock caches the DEK for the session.
package vault

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/termhold/vaultcore/internal/crypto"
	"github.com/termhold/vaultcore/internal/errs"
	"github.com/termhold/vaultcore/internal/identity"
	"github.com/termhold/vaultcore/internal/model"
	"github.com/termhold/vaultcore/internal/storage"
)

// Service manages every open vault. Each vault carries its own lock and
// cached DEK; there is no global lock across vaults.
type Service struct {
	store *storage.Store
	log   *zap.Logger

	// DefaultRemoteEndpoint provisions shared vaults created without one.
	DefaultRemoteEndpoint string

	mu     sync.Mutex
	states map[uuid.UUID]*vaultState
}

// vaultState is the in-memory side of one vault. The RWMutex serializes
// writes (single writer per vault) while letting reads run concurrently;
// Lock takes the write side, so an in-flight write either completes before
// the DEK is discarded or never started.
type vaultState struct {
	mu  sync.RWMutex
	dek []byte // nil while locked
}

// NewService constructs the vault service. A nil logger gets zap.NewNop().
func NewService(store *storage.Store, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, log: log, states: map[uuid.UUID]*vaultState{}}
}

func (s *Service) state(vaultID uuid.UUID) *vaultState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[vaultID]
	if !ok {
		st = &vaultState{}
		s.states[vaultID] = st
	}
	return st
}

// Store exposes the underlying row store to sibling packages in this module.
func (s *Service) Store() *storage.Store { return s.store }

// Create generates a fresh DEK, wraps it once for the creating identity
// (role owner) and persists the vault. Shared vaults without an endpoint get
// the configured default. The vault is left unlocked for the session.
func (s *Service) Create(sess *identity.Session, name string, kind model.VaultKind, remoteEndpoint string) (*model.Vault, error) {
	if sess == nil || sess.Locked() {
		return nil, errs.ErrIdentityLocked
	}
	if name == "" {
		return nil, errors.New("validation: empty vault name")
	}
	if kind != model.KindPrivate && kind != model.KindShared {
		return nil, fmt.Errorf("validation: unknown vault kind %q", kind)
	}
	if kind == model.KindShared && remoteEndpoint == "" {
		if s.DefaultRemoteEndpoint == "" {
			return nil, errors.New("validation: shared vault requires a remote endpoint")
		}
		remoteEndpoint = s.DefaultRemoteEndpoint
	}
	if kind == model.KindPrivate {
		remoteEndpoint = ""
	}

	vaultID, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	dek, err := crypto.Rand(crypto.KeyLen)
	if err != nil {
		return nil, err
	}

	member, err := wrapDEKFor(sess.SecretKey(), sess.PublicKey(), sess, vaultID, dek, model.RoleOwner)
	if err != nil {
		crypto.Zero(dek)
		return nil, err
	}

	now := time.Now().UTC()
	v := &model.Vault{
		VaultID:        vaultID,
		Name:           name,
		Kind:           kind,
		RemoteEndpoint: remoteEndpoint,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if kind == model.KindShared {
		// Signing key for scoped invite credentials, sealed under the DEK so
		// only members who can unlock the vault can mint credentials.
		credKey, err := crypto.Rand(crypto.KeyLen)
		if err != nil {
			crypto.Zero(dek)
			return nil, err
		}
		v.CredentialKey, err = crypto.Seal(dek, credKey, credentialAAD(vaultID))
		crypto.Zero(credKey)
		if err != nil {
			crypto.Zero(dek)
			return nil, err
		}
	}

	if err := s.store.PutVault(v); err != nil {
		crypto.Zero(dek)
		return nil, err
	}
	if err := s.store.PutMember(member); err != nil {
		crypto.Zero(dek)
		return nil, err
	}

	st := s.state(vaultID)
	st.mu.Lock()
	st.dek = dek
	st.mu.Unlock()

	s.log.Info("vault created",
		zap.String("vault_id", vaultID.String()),
		zap.String("kind", string(kind)),
	)
	return v, nil
}

// wrapDEKFor builds a member row whose wrappedDEK is sealed under the
// key-exchange derivation between wrapperSecret and the member's public key.
// At create time the wrapper is the member itself (self-exchange); at invite
// time the wrapper is the inviter and WrapperPub records the inviter's
// public key so the member can re-derive the same key from their own side.
func wrapDEKFor(wrapperSecret, wrapperPub []byte, member *identity.Session, vaultID uuid.UUID, dek []byte, role model.Role) (*model.VaultMember, error) {
	return WrapMemberRow(wrapperSecret, wrapperPub, member.UserID(), member.PublicKey(), vaultID, dek, role)
}

// WrapMemberRow wraps dek for an arbitrary member public key. Used directly
// by the sharing engine for invites.
func WrapMemberRow(wrapperSecret, wrapperPub []byte, memberUserID uuid.UUID, memberPub []byte, vaultID uuid.UUID, dek []byte, role model.Role) (*model.VaultMember, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("validation: unknown role %q", role)
	}
	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, err
	}
	key, err := crypto.DeriveShared(wrapperSecret, memberPub, salt, crypto.ContextVaultInvite)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(key)

	wrapped, err := crypto.Seal(key, dek, memberAAD(vaultID, memberUserID))
	if err != nil {
		return nil, err
	}
	return &model.VaultMember{
		VaultID:    vaultID,
		UserID:     memberUserID,
		PublicKey:  append([]byte(nil), memberPub...),
		WrapperPub: append([]byte(nil), wrapperPub...),
		WrapSalt:   salt,
		WrappedDEK: wrapped,
		Role:       role,
		AddedAt:    time.Now().UTC(),
	}, nil
}

func memberAAD(vaultID, userID uuid.UUID) []byte {
	return []byte(vaultID.String() + "/" + userID.String())
}

func credentialAAD(vaultID uuid.UUID) []byte {
	return []byte(vaultID.String() + "/credential-key")
}

func secretAAD(vaultID, secretID uuid.UUID) []byte {
	return []byte(vaultID.String() + "/" + secretID.String())
}

// Open loads vault metadata and membership rows without decrypting anything.
func (s *Service) Open(vaultID uuid.UUID) (*model.Vault, []model.VaultMember, error) {
	v, err := s.store.GetVault(vaultID)
	if err != nil {
		return nil, nil, err
	}
	members, err := s.store.ListMembers(vaultID)
	if err != nil {
		return nil, nil, err
	}
	return v, members, nil
}

// List returns all local vault metadata.
func (s *Service) List() ([]model.Vault, error) { return s.store.ListVaults() }

// Unlock looks up the caller's own member row, unwraps the DEK with the
// caller's secret key and caches it for the session. Failures are scoped to
// this vault: other open vaults and the identity stay unlocked.
func (s *Service) Unlock(sess *identity.Session, vaultID uuid.UUID) error {
	if sess == nil || sess.Locked() {
		return errs.ErrIdentityLocked
	}
	member, err := s.store.GetMember(vaultID, sess.UserID())
	if errors.Is(err, errs.ErrNotFound) {
		return errs.ErrNoMembership
	}
	if err != nil {
		return err
	}

	key, err := crypto.DeriveShared(sess.SecretKey(), member.WrapperPub, member.WrapSalt, crypto.ContextVaultInvite)
	if err != nil {
		return fmt.Errorf("%w: %w", errs.ErrUnwrapFailed, err)
	}
	defer crypto.Zero(key)

	dek, err := crypto.Open(key, member.WrappedDEK, memberAAD(vaultID, sess.UserID()))
	if err != nil {
		return errs.ErrUnwrapFailed
	}

	st := s.state(vaultID)
	st.mu.Lock()
	if st.dek != nil {
		crypto.Zero(st.dek)
	}
	st.dek = dek
	st.mu.Unlock()

	s.log.Debug("vault unlocked", zap.String("vault_id", vaultID.String()))
	return nil
}

// Lock discards the cached DEK. Safe to call at any time, including while a
// write is in flight: the write holds the same lock and finishes first.
func (s *Service) Lock(vaultID uuid.UUID) {
	st := s.state(vaultID)
	st.mu.Lock()
	if st.dek != nil {
		crypto.Zero(st.dek)
		st.dek = nil
	}
	st.mu.Unlock()
}

// LockAll locks every vault. Global lock pairs this with Session.Teardown.
func (s *Service) LockAll() {
	s.mu.Lock()
	states := make([]*vaultState, 0, len(s.states))
	for _, st := range s.states {
		states = append(states, st)
	}
	s.mu.Unlock()
	for _, st := range states {
		st.mu.Lock()
		if st.dek != nil {
			crypto.Zero(st.dek)
			st.dek = nil
		}
		st.mu.Unlock()
	}
}

// IsLocked reports whether the vault has no cached DEK.
func (s *Service) IsLocked(vaultID uuid.UUID) bool {
	st := s.state(vaultID)
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.dek == nil
}

// DEK returns a copy of the cached DEK for sibling packages (sharing,
// replication). Callers must zeroize the copy when done.
func (s *Service) DEK(vaultID uuid.UUID) ([]byte, error) {
	st := s.state(vaultID)
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.dek == nil {
		return nil, errs.ErrVaultLocked
	}
	return append([]byte(nil), st.dek...), nil
}

// CredentialSigningKey unseals the vault's invite-credential signing key.
// Requires the vault to be unlocked. Callers must zeroize the result.
func (s *Service) CredentialSigningKey(vaultID uuid.UUID) ([]byte, error) {
	v, err := s.store.GetVault(vaultID)
	if err != nil {
		return nil, err
	}
	if len(v.CredentialKey) == 0 {
		return nil, fmt.Errorf("vault %s has no credential key", vaultID)
	}
	dek, err := s.DEK(vaultID)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(dek)
	key, err := crypto.Open(dek, v.CredentialKey, credentialAAD(vaultID))
	if err != nil {
		return nil, errs.ErrTamperedOrCorrupt
	}
	return key, nil
}

// Members returns the membership rows of a vault.
func (s *Service) Members(vaultID uuid.UUID) ([]model.VaultMember, error) {
	return s.store.ListMembers(vaultID)
}

// RemoveMember deletes a membership row. The caller needs the revoke
// capability, and the last owner row can never be removed.
func (s *Service) RemoveMember(sess *identity.Session, vaultID, userID uuid.UUID) error {
	caller, err := s.requireCapability(sess, vaultID, func(c model.Capabilities) bool { return c.CanRevoke })
	if err != nil {
		return err
	}

	target, err := s.store.GetMember(vaultID, userID)
	if err != nil {
		return err
	}
	if target.Role == model.RoleOwner {
		owners, err := s.countOwners(vaultID)
		if err != nil {
			return err
		}
		if owners <= 1 {
			return errs.ErrLastOwner
		}
	}

	if err := s.store.DeleteMember(vaultID, userID); err != nil {
		return err
	}
	s.log.Info("member removed",
		zap.String("vault_id", vaultID.String()),
		zap.String("user_id", userID.String()),
		zap.String("by", caller.UserID.String()),
	)
	return nil
}

// Delete removes the vault's local state. For shared vaults this does not
// retroactively revoke copies already synced to members.
func (s *Service) Delete(sess *identity.Session, vaultID uuid.UUID) error {
	if _, err := s.requireCapability(sess, vaultID, func(c model.Capabilities) bool { return c.CanDelete }); err != nil {
		return err
	}
	s.Lock(vaultID)
	if err := s.store.DeleteVault(vaultID); err != nil {
		return err
	}
	s.log.Info("vault deleted", zap.String("vault_id", vaultID.String()))
	return nil
}

// requireCapability resolves the caller's member row and checks one entry of
// the role capability table. Every privileged operation starts here.
func (s *Service) requireCapability(sess *identity.Session, vaultID uuid.UUID, want func(model.Capabilities) bool) (*model.VaultMember, error) {
	if sess == nil || sess.Locked() {
		return nil, errs.ErrIdentityLocked
	}
	member, err := s.store.GetMember(vaultID, sess.UserID())
	if errors.Is(err, errs.ErrNotFound) {
		return nil, errs.ErrNoMembership
	}
	if err != nil {
		return nil, err
	}
	if !want(member.Role.Caps()) {
		return nil, errs.ErrForbidden
	}
	return member, nil
}

func (s *Service) countOwners(vaultID uuid.UUID) (int, error) {
	members, err := s.store.ListMembers(vaultID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range members {
		if m.Role == model.RoleOwner {
			n++
		}
	}
	return n, nil
}
