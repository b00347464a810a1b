package sharing

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/termhold/vaultcore/internal/errs"
	"github.com/termhold/vaultcore/internal/identity"
	"github.com/termhold/vaultcore/internal/keyring"
	"github.com/termhold/vaultcore/internal/model"
	"github.com/termhold/vaultcore/internal/storage"
	"github.com/termhold/vaultcore/internal/vault"
)

type memKeyring map[string][]byte

func (m memKeyring) StoreKEK(userID string, kek []byte) error {
	m[userID] = append([]byte(nil), kek...)
	return nil
}
func (m memKeyring) LoadKEK(userID string) ([]byte, error) {
	kek, ok := m[userID]
	if !ok {
		return nil, keyring.ErrNoEntry
	}
	return append([]byte(nil), kek...), nil
}
func (m memKeyring) DeleteKEK(userID string) error {
	delete(m, userID)
	return nil
}

func newSession(t *testing.T, name string) *identity.Session {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), name+".db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	mgr := identity.NewManager(store, memKeyring{}, nil)
	if _, err := mgr.Init(context.Background(), "pw-"+name); err != nil {
		t.Fatalf("init: %v", err)
	}
	sess, ok, err := mgr.Unlock(context.Background(), "pw-"+name)
	if err != nil || !ok {
		t.Fatalf("unlock: %v", err)
	}
	return sess
}

// newEngine builds an engine over a shared local store: the test plays both
// sides of an already-synced replica.
func newEngine(t *testing.T) (*Engine, *vault.Service) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "replica.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	vaults := vault.NewService(store, nil)
	return NewEngine(vaults, nil, nil), vaults
}

func TestInvite_WritesRowAndMintsCredential(t *testing.T) {
	t.Parallel()
	eng, vaults := newEngine(t)
	owner := newSession(t, "owner")
	member := newSession(t, "member")

	v, err := vaults.Create(owner, "team", model.KindShared, "https://sync.example.com")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	inv, err := eng.Invite(owner, v.VaultID, member.UserID(), member.PublicKey(), model.RoleMember)
	if err != nil {
		t.Fatalf("Invite: %v", err)
	}
	if inv.Endpoint != "https://sync.example.com" || inv.Credential == "" {
		t.Fatalf("invite missing endpoint or credential: %+v", inv)
	}

	// Credential verifies against the vault's signing key and is scoped to
	// the invitee.
	key, err := vaults.CredentialSigningKey(v.VaultID)
	if err != nil {
		t.Fatalf("CredentialSigningKey: %v", err)
	}
	var claims inviteClaims
	tok, err := jwt.ParseWithClaims(inv.Credential, &claims, func(*jwt.Token) (any, error) { return key, nil })
	if err != nil || !tok.Valid {
		t.Fatalf("credential does not verify: %v", err)
	}
	if claims.Subject != member.UserID().String() || claims.VaultID != v.VaultID.String() {
		t.Fatalf("credential scope wrong: %+v", claims)
	}

	// The invitee's own secret key unwraps the DEK from the new row.
	if err := vaults.Unlock(member, v.VaultID); err != nil {
		t.Fatalf("member Unlock: %v", err)
	}
}

func TestInvite_CapabilityGated(t *testing.T) {
	t.Parallel()
	eng, vaults := newEngine(t)
	owner := newSession(t, "owner")
	member := newSession(t, "member")
	outsider := newSession(t, "outsider")

	v, _ := vaults.Create(owner, "team", model.KindShared, "https://sync.example.com")
	if _, err := eng.Invite(owner, v.VaultID, member.UserID(), member.PublicKey(), model.RoleMember); err != nil {
		t.Fatalf("Invite: %v", err)
	}

	// Plain members cannot invite.
	_, err := eng.Invite(member, v.VaultID, outsider.UserID(), outsider.PublicKey(), model.RoleMember)
	if !errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("want ErrForbidden, got %v", err)
	}

	// Non-members get ErrNoMembership, not ErrForbidden.
	_, err = eng.Invite(outsider, v.VaultID, member.UserID(), member.PublicKey(), model.RoleMember)
	if !errors.Is(err, errs.ErrNoMembership) {
		t.Fatalf("want ErrNoMembership, got %v", err)
	}

	// Double invite is rejected.
	_, err = eng.Invite(owner, v.VaultID, member.UserID(), member.PublicKey(), model.RoleMember)
	if !errors.Is(err, errs.ErrAlreadyExists) {
		t.Fatalf("want ErrAlreadyExists, got %v", err)
	}
}

func TestInvite_StoreErrorPropagates(t *testing.T) {
	t.Parallel()
	store, err := storage.Open(filepath.Join(t.TempDir(), "replica.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	vaults := vault.NewService(store, nil)
	eng := NewEngine(vaults, nil, nil)
	owner := newSession(t, "owner")
	member := newSession(t, "member")

	v, err := vaults.Create(owner, "team", model.KindShared, "https://sync.example.com")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// A failing store must surface its error, not masquerade as a
	// no-existing-member result.
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}
	_, err = eng.Invite(owner, v.VaultID, member.UserID(), member.PublicKey(), model.RoleMember)
	if err == nil {
		t.Fatalf("Invite on a closed store must fail")
	}
	if errors.Is(err, errs.ErrAlreadyExists) || errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("store failure misclassified: %v", err)
	}
}

func TestInvite_RequiresUnlockedVault(t *testing.T) {
	t.Parallel()
	eng, vaults := newEngine(t)
	owner := newSession(t, "owner")
	member := newSession(t, "member")

	v, _ := vaults.Create(owner, "team", model.KindShared, "https://sync.example.com")
	vaults.Lock(v.VaultID)

	if _, err := eng.Invite(owner, v.VaultID, member.UserID(), member.PublicKey(), model.RoleMember); !errors.Is(err, errs.ErrVaultLocked) {
		t.Fatalf("want ErrVaultLocked, got %v", err)
	}
}

func TestAcceptInvite_UnlocksAndListsSameSecrets(t *testing.T) {
	t.Parallel()
	eng, vaults := newEngine(t)
	owner := newSession(t, "owner")
	member := newSession(t, "member")

	v, _ := vaults.Create(owner, "team", model.KindShared, "https://sync.example.com")
	_, _ = vaults.CreateSecret(v.VaultID, "db-pass", "credentials", []byte("s3cr3t"))
	inv, err := eng.Invite(owner, v.VaultID, member.UserID(), member.PublicKey(), model.RoleMember)
	if err != nil {
		t.Fatalf("Invite: %v", err)
	}

	gotID, err := eng.AcceptInvite(context.Background(), member, inv.Endpoint, inv.Credential)
	if err != nil {
		t.Fatalf("AcceptInvite: %v", err)
	}
	if gotID != v.VaultID {
		t.Fatalf("vault id mismatch")
	}

	ownerList, _ := vaults.ListSecrets(v.VaultID)
	if err := vaults.Unlock(member, v.VaultID); err != nil {
		t.Fatalf("member Unlock after accept: %v", err)
	}
	memberList, _ := vaults.ListSecrets(v.VaultID)
	if len(ownerList) != len(memberList) || len(memberList) != 1 {
		t.Fatalf("listings differ: owner=%d member=%d", len(ownerList), len(memberList))
	}
}

func TestAcceptInvite_RejectsForeignCredential(t *testing.T) {
	t.Parallel()
	eng, vaults := newEngine(t)
	owner := newSession(t, "owner")
	member := newSession(t, "member")
	thief := newSession(t, "thief")

	v, _ := vaults.Create(owner, "team", model.KindShared, "https://sync.example.com")
	inv, _ := eng.Invite(owner, v.VaultID, member.UserID(), member.PublicKey(), model.RoleMember)

	if _, err := eng.AcceptInvite(context.Background(), thief, inv.Endpoint, inv.Credential); !errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("want ErrForbidden, got %v", err)
	}
}

func TestShareItem_AcceptAndNonPropagation(t *testing.T) {
	t.Parallel()
	eng, vaults := newEngine(t)
	sender := newSession(t, "sender")
	recipient := newSession(t, "recipient")

	src, _ := vaults.Create(sender, "mine", model.KindPrivate, "")
	secretID, _ := vaults.CreateSecret(src.VaultID, "api-key", "keys", []byte("original"))

	shareID, err := eng.ShareItem(sender, src.VaultID, secretID, recipient.UserID(), recipient.PublicKey(), time.Hour)
	if err != nil {
		t.Fatalf("ShareItem: %v", err)
	}

	dst, _ := vaults.Create(recipient, "theirs", model.KindPrivate, "")
	copyID, err := eng.AcceptSharedItem(recipient, shareID, dst.VaultID)
	if err != nil {
		t.Fatalf("AcceptSharedItem: %v", err)
	}

	got, err := vaults.ReadSecret(dst.VaultID, copyID)
	if err != nil || string(got) != "original" {
		t.Fatalf("accepted copy wrong: %q %v", got, err)
	}

	// Copies are independent after acceptance, both ways.
	if err := vaults.UpdateSecret(dst.VaultID, copyID, []byte("recipient-edit")); err != nil {
		t.Fatalf("UpdateSecret: %v", err)
	}
	orig, _ := vaults.ReadSecret(src.VaultID, secretID)
	if string(orig) != "original" {
		t.Fatalf("sender's original changed: %q", orig)
	}
	if err := vaults.UpdateSecret(src.VaultID, secretID, []byte("sender-edit")); err != nil {
		t.Fatalf("UpdateSecret: %v", err)
	}
	cp, _ := vaults.ReadSecret(dst.VaultID, copyID)
	if string(cp) != "recipient-edit" {
		t.Fatalf("recipient's copy changed: %q", cp)
	}
}

func TestShareItem_WrongRecipientCannotAccept(t *testing.T) {
	t.Parallel()
	eng, vaults := newEngine(t)
	sender := newSession(t, "sender")
	recipient := newSession(t, "recipient")
	thief := newSession(t, "thief")

	src, _ := vaults.Create(sender, "mine", model.KindPrivate, "")
	secretID, _ := vaults.CreateSecret(src.VaultID, "k", "", []byte("v"))
	shareID, _ := eng.ShareItem(sender, src.VaultID, secretID, recipient.UserID(), recipient.PublicKey(), 0)

	tv, _ := vaults.Create(thief, "theft", model.KindPrivate, "")
	if _, err := eng.AcceptSharedItem(thief, shareID, tv.VaultID); !errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("want ErrForbidden, got %v", err)
	}
}

func TestRevokeSharedItem(t *testing.T) {
	t.Parallel()
	eng, vaults := newEngine(t)
	sender := newSession(t, "sender")
	recipient := newSession(t, "recipient")

	src, _ := vaults.Create(sender, "mine", model.KindPrivate, "")
	secretID, _ := vaults.CreateSecret(src.VaultID, "k", "", []byte("v"))
	dst, _ := vaults.Create(recipient, "theirs", model.KindPrivate, "")

	// Accepted before revocation: the copy survives.
	first, _ := eng.ShareItem(sender, src.VaultID, secretID, recipient.UserID(), recipient.PublicKey(), 0)
	copyID, err := eng.AcceptSharedItem(recipient, first, dst.VaultID)
	if err != nil {
		t.Fatalf("AcceptSharedItem: %v", err)
	}

	// Revoked before acceptance: accept must fail.
	second, _ := eng.ShareItem(sender, src.VaultID, secretID, recipient.UserID(), recipient.PublicKey(), 0)

	// Only the sender may revoke.
	if err := eng.RevokeSharedItem(recipient, second); !errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("want ErrForbidden, got %v", err)
	}
	if err := eng.RevokeSharedItem(sender, second); err != nil {
		t.Fatalf("RevokeSharedItem: %v", err)
	}
	if _, err := eng.AcceptSharedItem(recipient, second, dst.VaultID); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("want ErrNotFound after revoke, got %v", err)
	}

	// The previously accepted copy stays readable.
	if got, err := vaults.ReadSecret(dst.VaultID, copyID); err != nil || string(got) != "v" {
		t.Fatalf("accepted copy lost after revoke: %q %v", got, err)
	}
}

func TestExpiredShareRejectedAtAccept(t *testing.T) {
	t.Parallel()
	eng, vaults := newEngine(t)
	sender := newSession(t, "sender")
	recipient := newSession(t, "recipient")

	src, _ := vaults.Create(sender, "mine", model.KindPrivate, "")
	secretID, _ := vaults.CreateSecret(src.VaultID, "k", "", []byte("v"))
	shareID, _ := eng.ShareItem(sender, src.VaultID, secretID, recipient.UserID(), recipient.PublicKey(), time.Hour)

	// Backdate the envelope past its expiry without garbage-collecting it.
	env, _ := vaults.Store().GetShare(shareID)
	env.ExpiresAt = time.Now().Add(-time.Minute).UTC()
	_ = vaults.Store().PutShare(env)

	dst, _ := vaults.Create(recipient, "theirs", model.KindPrivate, "")
	if _, err := eng.AcceptSharedItem(recipient, shareID, dst.VaultID); !errors.Is(err, errs.ErrShareExpired) {
		t.Fatalf("want ErrShareExpired, got %v", err)
	}
}

func TestPurgeExpired(t *testing.T) {
	t.Parallel()
	eng, vaults := newEngine(t)
	sender := newSession(t, "sender")
	recipient := newSession(t, "recipient")

	src, _ := vaults.Create(sender, "mine", model.KindPrivate, "")
	secretID, _ := vaults.CreateSecret(src.VaultID, "k", "", []byte("v"))

	expired, _ := eng.ShareItem(sender, src.VaultID, secretID, recipient.UserID(), recipient.PublicKey(), time.Hour)
	env, _ := vaults.Store().GetShare(expired)
	env.ExpiresAt = time.Now().Add(-time.Minute).UTC()
	_ = vaults.Store().PutShare(env)

	alive, _ := eng.ShareItem(sender, src.VaultID, secretID, recipient.UserID(), recipient.PublicKey(), time.Hour)

	n, err := eng.PurgeExpired()
	if err != nil || n != 1 {
		t.Fatalf("PurgeExpired: n=%d err=%v", n, err)
	}
	if _, err := vaults.Store().GetShare(alive); err != nil {
		t.Fatalf("live envelope purged: %v", err)
	}

	uuidZero := uuid.Nil
	if _, err := vaults.Store().GetShare(uuidZero); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("want ErrNotFound for nil share id, got %v", err)
	}
}
