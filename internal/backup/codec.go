// Package backup serializes the whole local store into a single
// password-sealed file and restores it verbatim. Secret rows travel as the
// ciphertext they already are; only the identity record's raw key may ride
// inside the sealed payload to allow re-wrapping on the target device.
package backup

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/termhold/vaultcore/internal/crypto"
	"github.com/termhold/vaultcore/internal/errs"
	"github.com/termhold/vaultcore/internal/identity"
	"github.com/termhold/vaultcore/internal/model"
	"github.com/termhold/vaultcore/internal/storage"
)

// File header, little-endian:
// [8 magic][2 version][32 salt][24 nonce][4 payload length][ciphertext].
const (
	version    uint16 = 1
	nonceSize         = 24
	headerSize        = 8 + 2 + crypto.SaltLen + nonceSize + 4
)

var magic = [8]byte{'V', 'L', 'T', 'C', 'B', 'K', 'U', 'P'}

// payload is what gets sealed. IdentitySecret is present only when the
// export was made from an unlocked session; without it an import cannot
// re-wrap the identity under a new local password.
type payload struct {
	ExportedAt     time.Time         `json:"exported_at"`
	IdentitySecret []byte            `json:"identity_secret,omitempty"`
	Snapshot       *storage.Snapshot `json:"snapshot"`
}

// Manifest is what Preview exposes: counts and provenance, nothing decrypted
// beyond the envelope itself.
type Manifest struct {
	ExportedAt  time.Time
	UserID      uuid.UUID
	Vaults      int
	Secrets     int // live rows, tombstones excluded
	Members     int
	Shares      int
	Rewrappable bool // identity key present, import may set a new password
}

// Codec exports and imports sealed backups against one local store.
type Codec struct {
	store *storage.Store
	log   *zap.Logger
}

// NewCodec constructs a Codec. A nil logger gets zap.NewNop().
func NewCodec(store *storage.Store, log *zap.Logger) *Codec {
	if log == nil {
		log = zap.NewNop()
	}
	return &Codec{store: store, log: log}
}

// Export snapshots the store and writes the sealed file. sess may be nil;
// passing an unlocked session additionally embeds the raw identity key so
// the import side can re-wrap it under a different local password.
func (c *Codec) Export(ctx context.Context, sess *identity.Session, exportPassword string, w io.Writer) error {
	if exportPassword == "" {
		return errors.New("validation: empty export password")
	}
	snap, err := c.store.Snapshot()
	if err != nil {
		return err
	}
	p := payload{ExportedAt: time.Now().UTC(), Snapshot: snap}
	if sess != nil && !sess.Locked() {
		p.IdentitySecret = append([]byte(nil), sess.SecretKey()...)
	}
	plaintext, err := json.Marshal(&p)
	crypto.Zero(p.IdentitySecret)
	if err != nil {
		return err
	}
	defer crypto.Zero(plaintext)

	salt, err := crypto.NewSalt()
	if err != nil {
		return err
	}
	key, err := deriveKey(ctx, exportPassword, salt)
	if err != nil {
		return err
	}
	defer crypto.Zero(key)

	hdr := headerPrefix(salt)
	sealed, err := crypto.Seal(key, plaintext, hdr)
	if err != nil {
		return err
	}
	nonce, ct := sealed[:nonceSize], sealed[nonceSize:]

	buf := make([]byte, 0, headerSize+len(ct))
	buf = append(buf, hdr...)
	buf = append(buf, nonce...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ct)))
	buf = append(buf, ct...)
	if _, err := w.Write(buf); err != nil {
		return err
	}

	c.log.Info("backup exported",
		zap.Int("vaults", len(snap.Vaults)),
		zap.Int("secrets", len(snap.Secrets)),
	)
	return nil
}

// Preview validates and decrypts a backup without touching the store.
// Format errors surface before any key derivation.
func (c *Codec) Preview(ctx context.Context, r io.Reader, exportPassword string) (*Manifest, error) {
	p, err := decode(ctx, r, exportPassword)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(p.IdentitySecret)

	m := &Manifest{
		ExportedAt:  p.ExportedAt,
		Vaults:      len(p.Snapshot.Vaults),
		Members:     len(p.Snapshot.Members),
		Shares:      len(p.Snapshot.Shares),
		Rewrappable: len(p.IdentitySecret) > 0,
	}
	for i := range p.Snapshot.Secrets {
		if !p.Snapshot.Secrets[i].Deleted {
			m.Secrets++
		}
	}
	if p.Snapshot.Identity != nil {
		m.UserID = p.Snapshot.Identity.UserID
	}
	return m, nil
}

// Import decrypts the backup and replaces the entire local store with its
// rows. A non-empty newLocalPassword re-wraps the identity key so the target
// device unlocks with it; this needs a backup exported from an unlocked
// session. With an empty newLocalPassword the original wrap is kept verbatim
// and the original protection path (password or OS keyring entry) applies.
func (c *Codec) Import(ctx context.Context, r io.Reader, exportPassword, newLocalPassword string) error {
	p, err := decode(ctx, r, exportPassword)
	if err != nil {
		return err
	}
	defer crypto.Zero(p.IdentitySecret)

	if newLocalPassword != "" {
		if p.Snapshot.Identity == nil {
			return errors.New("validation: backup carries no identity record")
		}
		if len(p.IdentitySecret) == 0 {
			return errors.New("validation: backup carries no identity key, cannot set a new password")
		}
		if err := rewrapIdentity(ctx, p.Snapshot.Identity, p.IdentitySecret, newLocalPassword); err != nil {
			return err
		}
	}

	if err := c.store.ReplaceAll(p.Snapshot); err != nil {
		return err
	}
	c.log.Info("backup imported",
		zap.Int("vaults", len(p.Snapshot.Vaults)),
		zap.Int("secrets", len(p.Snapshot.Secrets)),
	)
	return nil
}

// rewrapIdentity seals the raw identity key under a KEK derived from the new
// password, using the same wrap layout the identity package unlocks with.
func rewrapIdentity(ctx context.Context, rec *model.Identity, secret []byte, password string) error {
	salt, err := crypto.NewSalt()
	if err != nil {
		return err
	}
	kek, err := crypto.DeriveKEKContext(ctx, []byte(password), salt, crypto.DefaultCost)
	if err != nil {
		return err
	}
	defer crypto.Zero(kek)

	wrapped, err := crypto.Seal(kek, secret, []byte(rec.UserID.String()))
	if err != nil {
		return err
	}
	rec.WrappedSecretKey = wrapped
	rec.Salt = salt
	rec.Protection = model.ProtectionPassword
	return nil
}

func decode(ctx context.Context, r io.Reader, exportPassword string) (*payload, error) {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, errs.ErrInvalidExportFormat
	}
	if !bytes.Equal(hdr[:8], magic[:]) {
		return nil, errs.ErrInvalidExportFormat
	}
	if v := binary.LittleEndian.Uint16(hdr[8:10]); v != version {
		return nil, fmt.Errorf("%w: version %d", errs.ErrUnsupportedExportVersion, v)
	}
	salt := hdr[10 : 10+crypto.SaltLen]
	nonce := hdr[10+crypto.SaltLen : 10+crypto.SaltLen+nonceSize]
	ctLen := binary.LittleEndian.Uint32(hdr[headerSize-4:])

	ct := make([]byte, ctLen)
	if _, err := io.ReadFull(r, ct); err != nil {
		return nil, errs.ErrInvalidExportFormat
	}

	key, err := deriveKey(ctx, exportPassword, salt)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(key)

	blob := make([]byte, 0, nonceSize+len(ct))
	blob = append(blob, nonce...)
	blob = append(blob, ct...)
	plaintext, err := crypto.Open(key, blob, headerPrefix(salt))
	if err != nil {
		return nil, errs.ErrWrongExportPassword
	}
	defer crypto.Zero(plaintext)

	var p payload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return nil, errs.ErrInvalidExportFormat
	}
	if p.Snapshot == nil {
		return nil, errs.ErrInvalidExportFormat
	}
	return &p, nil
}

// headerPrefix is the authenticated part of the header: magic, version and
// salt. Flipping any of them breaks decryption.
func headerPrefix(salt []byte) []byte {
	hdr := make([]byte, 0, 8+2+crypto.SaltLen)
	hdr = append(hdr, magic[:]...)
	hdr = binary.LittleEndian.AppendUint16(hdr, version)
	hdr = append(hdr, salt...)
	return hdr
}

// deriveKey runs the intentionally slow backup KDF off the calling goroutine
// so it can be abandoned on cancellation.
func deriveKey(ctx context.Context, password string, salt []byte) ([]byte, error) {
	type result struct {
		key []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		key, err := crypto.DeriveBackupKey([]byte(password), salt, crypto.DefaultCost)
		ch <- result{key, err}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.key != nil {
				crypto.Zero(r.key)
			}
		}()
		return nil, errs.ErrCancelled
	case r := <-ch:
		return r.key, r.err
	}
}
