// Package sharing re-keys vault DEKs (invites) and single secrets (ad-hoc
// shares) for other identities. Plaintext never crosses a wire and never
// touches the sender's side beyond the one re-encryption.
package sharing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/termhold/vaultcore/internal/crypto"
	"github.com/termhold/vaultcore/internal/errs"
	"github.com/termhold/vaultcore/internal/identity"
	"github.com/termhold/vaultcore/internal/model"
	"github.com/termhold/vaultcore/internal/vault"
)

// defaultInviteTTL bounds how long an unaccepted invite credential works.
const defaultInviteTTL = 72 * time.Hour

// Puller pulls a vault's remote replica into the local store. Implemented by
// the replication client; nil disables the network step of AcceptInvite.
type Puller interface {
	Pull(ctx context.Context, vaultID uuid.UUID) error
}

// Invite is what the inviter hands to the invitee out of band.
type Invite struct {
	VaultID    uuid.UUID `json:"vault_id"`
	VaultName  string    `json:"vault_name"`
	Endpoint   string    `json:"endpoint"`
	Credential string    `json:"credential,omitempty"` // scoped bearer token for the remote endpoint
	Role       model.Role
}

// inviteClaims is the scoped credential payload. The remote endpoint holds
// the signing key registered at vault provisioning and verifies it; the
// client only reads the claims.
type inviteClaims struct {
	VaultID   string `json:"vault"`
	VaultName string `json:"vault_name"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// Engine implements the sharing protocol on top of the vault service.
type Engine struct {
	vaults *vault.Service
	puller Puller
	log    *zap.Logger
}

// NewEngine constructs the engine. puller may be nil for offline use;
// a nil logger gets zap.NewNop().
func NewEngine(vaults *vault.Service, puller Puller, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{vaults: vaults, puller: puller, log: log}
}

// Invite re-wraps the vault DEK for the invitee's public key, inserts the
// member row and, for shared vaults, mints a scoped credential for the
// remote endpoint. The caller needs the invite capability and an unlocked
// vault; the DEK itself never leaves this process in the clear.
func (e *Engine) Invite(sess *identity.Session, vaultID uuid.UUID, inviteeUserID uuid.UUID, inviteePub []byte, role model.Role) (*Invite, error) {
	caller, err := e.requireCapability(sess, vaultID, func(c model.Capabilities) bool { return c.CanInvite })
	if err != nil {
		return nil, err
	}
	if !role.Valid() {
		return nil, fmt.Errorf("validation: unknown role %q", role)
	}
	switch _, err := e.vaults.Store().GetMember(vaultID, inviteeUserID); {
	case err == nil:
		return nil, errs.ErrAlreadyExists
	case !errors.Is(err, errs.ErrNotFound):
		return nil, err
	}

	v, err := e.vaults.Store().GetVault(vaultID)
	if err != nil {
		return nil, err
	}
	dek, err := e.vaults.DEK(vaultID)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(dek)

	row, err := vault.WrapMemberRow(sess.SecretKey(), sess.PublicKey(), inviteeUserID, inviteePub, vaultID, dek, role)
	if err != nil {
		return nil, err
	}
	if err := e.vaults.Store().PutMember(row); err != nil {
		return nil, err
	}

	inv := &Invite{VaultID: vaultID, VaultName: v.Name, Endpoint: v.RemoteEndpoint, Role: role}
	if v.Kind == model.KindShared {
		inv.Credential, err = e.mintCredential(v, inviteeUserID, role)
		if err != nil {
			return nil, err
		}
	}

	e.log.Info("member invited",
		zap.String("vault_id", vaultID.String()),
		zap.String("invitee", inviteeUserID.String()),
		zap.String("role", string(role)),
		zap.String("by", caller.UserID.String()),
	)
	return inv, nil
}

func (e *Engine) mintCredential(v *model.Vault, inviteeUserID uuid.UUID, role model.Role) (string, error) {
	key, err := e.vaults.CredentialSigningKey(v.VaultID)
	if err != nil {
		return "", err
	}
	defer crypto.Zero(key)

	now := time.Now()
	claims := inviteClaims{
		VaultID:   v.VaultID.String(),
		VaultName: v.Name,
		Role:      string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   inviteeUserID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(defaultInviteTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// AcceptInvite provisions the local replica of a remote-backed vault, pulls
// its rows and verifies that the caller's own member row unwraps. Only the
// one wrapped key ever crossed the inviter's side.
func (e *Engine) AcceptInvite(ctx context.Context, sess *identity.Session, endpoint, credential string) (uuid.UUID, error) {
	if sess == nil || sess.Locked() {
		return uuid.Nil, errs.ErrIdentityLocked
	}
	claims, err := parseCredential(credential)
	if err != nil {
		return uuid.Nil, err
	}
	vaultID, err := uuid.FromString(claims.VaultID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("validation: credential vault id: %w", err)
	}
	if claims.Subject != sess.UserID().String() {
		return uuid.Nil, errs.ErrForbidden
	}

	now := time.Now().UTC()
	if _, err := e.vaults.Store().GetVault(vaultID); errors.Is(err, errs.ErrNotFound) {
		v := &model.Vault{
			VaultID:        vaultID,
			Name:           claims.VaultName,
			Kind:           model.KindShared,
			RemoteEndpoint: endpoint,
			Credential:     credential,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := e.vaults.Store().PutVault(v); err != nil {
			return uuid.Nil, err
		}
	} else if err != nil {
		return uuid.Nil, err
	}

	if e.puller != nil {
		if err := e.puller.Pull(ctx, vaultID); err != nil {
			return uuid.Nil, fmt.Errorf("pull replica: %w", err)
		}
	}

	// The inviter already wrote our member row; unwrapping it with our own
	// secret key proves the invite is for us and the replica is intact.
	if err := e.vaults.Unlock(sess, vaultID); err != nil {
		return uuid.Nil, err
	}
	e.log.Info("invite accepted", zap.String("vault_id", vaultID.String()))
	return vaultID, nil
}

// parseCredential reads the claims without verifying the signature: the
// signing key lives sealed under the DEK the invitee does not yet hold, and
// signature verification is the remote endpoint's job.
func parseCredential(credential string) (*inviteClaims, error) {
	var claims inviteClaims
	if _, _, err := jwt.NewParser().ParseUnverified(credential, &claims); err != nil {
		return nil, fmt.Errorf("validation: credential: %w", err)
	}
	return &claims, nil
}

// ShareItem decrypts one secret locally and re-encrypts its plaintext (not
// the vault DEK) for the recipient's public key. The recipient needs no
// vault membership. expiresIn of zero means no expiry.
func (e *Engine) ShareItem(sess *identity.Session, vaultID, secretID uuid.UUID, recipientUserID uuid.UUID, recipientPub []byte, expiresIn time.Duration) (uuid.UUID, error) {
	if sess == nil || sess.Locked() {
		return uuid.Nil, errs.ErrIdentityLocked
	}

	row, err := e.vaults.Store().GetSecret(vaultID, secretID)
	if err != nil {
		return uuid.Nil, err
	}
	plaintext, err := e.vaults.ReadSecret(vaultID, secretID)
	if err != nil {
		return uuid.Nil, err
	}
	defer crypto.Zero(plaintext)

	shareID, err := uuid.NewV4()
	if err != nil {
		return uuid.Nil, err
	}
	salt, err := crypto.NewSalt()
	if err != nil {
		return uuid.Nil, err
	}
	key, err := crypto.DeriveShared(sess.SecretKey(), recipientPub, salt, crypto.ContextItemShare)
	if err != nil {
		return uuid.Nil, err
	}
	defer crypto.Zero(key)

	wrapped, err := crypto.Seal(key, plaintext, shareAAD(shareID, recipientUserID))
	if err != nil {
		return uuid.Nil, err
	}

	now := time.Now().UTC()
	env := &model.ShareEnvelope{
		ShareID:         shareID,
		SecretID:        secretID,
		SenderUserID:    sess.UserID(),
		RecipientUserID: recipientUserID,
		SenderPub:       append([]byte(nil), sess.PublicKey()...),
		WrapSalt:        salt,
		WrappedPayload:  wrapped,
		Name:            row.Name,
		Category:        row.Category,
		CreatedAt:       now,
	}
	if expiresIn > 0 {
		env.ExpiresAt = now.Add(expiresIn)
	}
	if err := e.vaults.Store().PutShare(env); err != nil {
		return uuid.Nil, err
	}

	e.log.Info("item shared",
		zap.String("share_id", shareID.String()),
		zap.String("recipient", recipientUserID.String()),
	)
	return shareID, nil
}

// AcceptSharedItem unwraps the envelope with the recipient's own secret key
// and persists a normal secret copy in the target vault. After acceptance
// the two copies are independent: edits do not propagate either way.
func (e *Engine) AcceptSharedItem(sess *identity.Session, shareID, targetVaultID uuid.UUID) (uuid.UUID, error) {
	if sess == nil || sess.Locked() {
		return uuid.Nil, errs.ErrIdentityLocked
	}
	env, err := e.vaults.Store().GetShare(shareID)
	if err != nil {
		return uuid.Nil, err
	}
	if env.RecipientUserID != sess.UserID() {
		return uuid.Nil, errs.ErrForbidden
	}
	// Expiry is enforced at accept time even if the envelope has not been
	// garbage-collected yet.
	if env.Expired(time.Now().UTC()) {
		return uuid.Nil, errs.ErrShareExpired
	}

	key, err := crypto.DeriveShared(sess.SecretKey(), env.SenderPub, env.WrapSalt, crypto.ContextItemShare)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %w", errs.ErrUnwrapFailed, err)
	}
	defer crypto.Zero(key)

	plaintext, err := crypto.Open(key, env.WrappedPayload, shareAAD(shareID, env.RecipientUserID))
	if err != nil {
		return uuid.Nil, errs.ErrUnwrapFailed
	}
	defer crypto.Zero(plaintext)

	secretID, err := e.vaults.CreateSecret(targetVaultID, env.Name, env.Category, plaintext)
	if err != nil {
		return uuid.Nil, err
	}

	// The envelope is single-use; acceptance consumes it.
	if err := e.vaults.Store().DeleteShare(shareID); err != nil {
		e.log.Warn("delete accepted envelope", zap.Error(err))
	}
	e.log.Info("shared item accepted",
		zap.String("share_id", shareID.String()),
		zap.String("vault_id", targetVaultID.String()),
	)
	return secretID, nil
}

// RevokeSharedItem deletes the envelope. A pure delete: the source secret's
// encryption is untouched, and copies already accepted stay readable.
func (e *Engine) RevokeSharedItem(sess *identity.Session, shareID uuid.UUID) error {
	if sess == nil || sess.Locked() {
		return errs.ErrIdentityLocked
	}
	env, err := e.vaults.Store().GetShare(shareID)
	if err != nil {
		return err
	}
	if env.SenderUserID != sess.UserID() {
		return errs.ErrForbidden
	}
	return e.vaults.Store().DeleteShare(shareID)
}

// ListShares returns envelopes addressed to or sent by the session's user.
func (e *Engine) ListShares(sess *identity.Session) ([]model.ShareEnvelope, error) {
	if sess == nil {
		return nil, errs.ErrIdentityLocked
	}
	all, err := e.vaults.Store().ListShares()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, env := range all {
		if env.SenderUserID == sess.UserID() || env.RecipientUserID == sess.UserID() {
			out = append(out, env)
		}
	}
	return out, nil
}

// PurgeExpired garbage-collects expired envelopes.
func (e *Engine) PurgeExpired() (int, error) {
	all, err := e.vaults.Store().ListShares()
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	n := 0
	for _, env := range all {
		if env.Expired(now) {
			if err := e.vaults.Store().DeleteShare(env.ShareID); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

func (e *Engine) requireCapability(sess *identity.Session, vaultID uuid.UUID, want func(model.Capabilities) bool) (*model.VaultMember, error) {
	if sess == nil || sess.Locked() {
		return nil, errs.ErrIdentityLocked
	}
	member, err := e.vaults.Store().GetMember(vaultID, sess.UserID())
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

func shareAAD(shareID, recipientUserID uuid.UUID) []byte {
	return []byte(shareID.String() + "/" + recipientUserID.String())
}
