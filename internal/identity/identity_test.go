package identity

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/gofrs/uuid/v5"

	"github.com/termhold/vaultcore/internal/errs"
	"github.com/termhold/vaultcore/internal/keyring"
	"github.com/termhold/vaultcore/internal/storage"
)

// fakeKeyring stands in for the OS secret store.
type fakeKeyring struct {
	entries map[string][]byte
	failSet bool
}

func newFakeKeyring() *fakeKeyring {
	return &fakeKeyring{entries: map[string][]byte{}}
}

func (f *fakeKeyring) StoreKEK(userID string, kek []byte) error {
	if f.failSet {
		return errors.New("keyring unavailable")
	}
	f.entries[userID] = append([]byte(nil), kek...)
	return nil
}

func (f *fakeKeyring) LoadKEK(userID string) ([]byte, error) {
	kek, ok := f.entries[userID]
	if !ok {
		return nil, keyring.ErrNoEntry
	}
	return append([]byte(nil), kek...), nil
}

func (f *fakeKeyring) DeleteKEK(userID string) error {
	delete(f.entries, userID)
	return nil
}

func newManager(t *testing.T) (*Manager, *fakeKeyring) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "vaultcore.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	kr := newFakeKeyring()
	return NewManager(store, kr, nil), kr
}

func TestInitUnlock_PasswordPath(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := newManager(t)

	userID, err := m.Init(ctx, "correct horse")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if userID == uuid.Nil {
		t.Fatalf("Init returned nil userID")
	}

	// Second init must be rejected.
	if _, err := m.Init(ctx, "again"); !errors.Is(err, errs.ErrAlreadyExists) {
		t.Fatalf("want ErrAlreadyExists, got %v", err)
	}

	// Wrong password: false, no error detail.
	s, ok, err := m.Unlock(ctx, "wrong")
	if err != nil || ok || s != nil {
		t.Fatalf("wrong password: ok=%v err=%v", ok, err)
	}

	s, ok, err = m.Unlock(ctx, "correct horse")
	if err != nil || !ok {
		t.Fatalf("Unlock: ok=%v err=%v", ok, err)
	}
	if s.UserID() != userID {
		t.Fatalf("unlocked userID mismatch")
	}
	if len(s.SecretKey()) == 0 || len(s.PublicKey()) == 0 {
		t.Fatalf("session missing key material")
	}

	s.Teardown()
	if !s.Locked() {
		t.Fatalf("session still unlocked after teardown")
	}
}

func TestUnlock_NoIdentity(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)
	if _, _, err := m.Unlock(context.Background(), "pw"); !errors.Is(err, errs.ErrNoIdentity) {
		t.Fatalf("want ErrNoIdentity, got %v", err)
	}
}

func TestAutoUnlock_KeyringPath(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, kr := newManager(t)

	userID, err := m.Init(ctx, "") // empty password requests OS protection
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, ok := kr.entries[userID.String()]; !ok {
		t.Fatalf("KEK not stored in keyring")
	}

	s, ok, err := m.AutoUnlock(ctx)
	if err != nil || !ok {
		t.Fatalf("AutoUnlock: ok=%v err=%v", ok, err)
	}
	if s.UserID() != userID {
		t.Fatalf("userID mismatch")
	}

	// Missing keyring entry: distinct unopenable state, never first-run.
	delete(kr.entries, userID.String())
	_, _, err = m.AutoUnlock(ctx)
	if !errors.Is(err, errs.ErrIdentityUnopenable) {
		t.Fatalf("want ErrIdentityUnopenable, got %v", err)
	}
}

func TestExportImport_Deterministic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m1, _ := newManager(t)

	userID, err := m1.Init(ctx, "pw-one")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	s1, ok, err := m1.Unlock(ctx, "pw-one")
	if err != nil || !ok {
		t.Fatalf("Unlock: %v", err)
	}
	exported, err := m1.Export(s1)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	// Fresh device, different local password: same userID and public key.
	m2, _ := newManager(t)
	gotID, err := m2.Import(ctx, exported, "pw-two")
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if gotID != userID {
		t.Fatalf("imported userID differs: %s vs %s", gotID, userID)
	}
	s2, ok, err := m2.Unlock(ctx, "pw-two")
	if err != nil || !ok {
		t.Fatalf("Unlock after import: %v", err)
	}
	if string(s1.PublicKey()) != string(s2.PublicKey()) {
		t.Fatalf("public key not re-derived identically")
	}
}

func TestExport_RequiresUnlockedSession(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)
	s := &Session{}
	if _, err := m.Export(s); !errors.Is(err, errs.ErrIdentityLocked) {
		t.Fatalf("want ErrIdentityLocked, got %v", err)
	}
}

func TestChangePassword_RewrapsOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := newManager(t)

	userID, _ := m.Init(ctx, "old-pass")
	s, ok, err := m.Unlock(ctx, "old-pass")
	if err != nil || !ok {
		t.Fatalf("Unlock: %v", err)
	}
	if err := m.ChangePassword(ctx, s, "new-pass"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}

	if _, ok, _ := m.Unlock(ctx, "old-pass"); ok {
		t.Fatalf("old password must stop working")
	}
	s2, ok, err := m.Unlock(ctx, "new-pass")
	if err != nil || !ok {
		t.Fatalf("Unlock with new password: %v", err)
	}
	if s2.UserID() != userID {
		t.Fatalf("userID changed across password change")
	}
}

func TestAutoUnlockToggle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, kr := newManager(t)

	userID, _ := m.Init(ctx, "pw")

	// Wrong password must not cache anything.
	ok, err := m.EnableAutoUnlock(ctx, "wrong")
	if err != nil || ok {
		t.Fatalf("wrong password: ok=%v err=%v", ok, err)
	}
	if _, stored := kr.entries[userID.String()]; stored {
		t.Fatalf("KEK cached despite wrong password")
	}

	ok, err = m.EnableAutoUnlock(ctx, "pw")
	if err != nil || !ok {
		t.Fatalf("EnableAutoUnlock: ok=%v err=%v", ok, err)
	}
	s, ok, err := m.AutoUnlock(ctx)
	if err != nil || !ok || s.UserID() != userID {
		t.Fatalf("AutoUnlock after enable: ok=%v err=%v", ok, err)
	}

	if err := m.DisableAutoUnlock(); err != nil {
		t.Fatalf("DisableAutoUnlock: %v", err)
	}
	if _, _, err := m.AutoUnlock(ctx); !errors.Is(err, errs.ErrIdentityUnopenable) {
		t.Fatalf("want ErrIdentityUnopenable after disable, got %v", err)
	}

	// Password still works; only the cache is gone.
	if _, ok, err := m.Unlock(ctx, "pw"); err != nil || !ok {
		t.Fatalf("Unlock after disable: ok=%v err=%v", ok, err)
	}
}

func TestDisableAutoUnlock_RefusedForKeyringProtection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := newManager(t)

	if _, err := m.Init(ctx, ""); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := m.DisableAutoUnlock(); err == nil {
		t.Fatalf("must refuse to delete the only KEK of a keyring-protected identity")
	}
}

func TestReset_DestroysIdentity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, kr := newManager(t)

	userID, _ := m.Init(ctx, "")
	if err := m.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, ok := kr.entries[userID.String()]; ok {
		t.Fatalf("keyring entry not removed")
	}
	if _, _, err := m.AutoUnlock(ctx); !errors.Is(err, errs.ErrNoIdentity) {
		t.Fatalf("want ErrNoIdentity after reset, got %v", err)
	}
}

func TestUserIDFor_StableAcrossCalls(t *testing.T) {
	t.Parallel()
	pub := []byte("some-public-key-bytes-32-long!!!")
	if UserIDFor(pub) != UserIDFor(pub) {
		t.Fatalf("UserIDFor not deterministic")
	}
	if UserIDFor(pub) == UserIDFor([]byte("other")) {
		t.Fatalf("UserIDFor collision")
	}
}
