// Package storage persists all local state in a single bbolt database.
// Rows are JSON-encoded; ciphertext stays opaque. Layout is an internal
// concern of this package and is not exposed outside the module.
package storage

import (
	"encoding/json"
	"fmt"

	"github.com/gofrs/uuid/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/termhold/vaultcore/internal/errs"
	"github.com/termhold/vaultcore/internal/model"
)

// Bucket names
var (
	identityBucket = []byte("identity")
	vaultsBucket   = []byte("vaults")
	membersBucket  = []byte("members")
	secretsBucket  = []byte("secrets")
	sharesBucket   = []byte("shares")
	settingsBucket = []byte("settings")
)

var allBuckets = [][]byte{
	identityBucket, vaultsBucket, membersBucket,
	secretsBucket, sharesBucket, settingsBucket,
}

var identityKey = []byte("self")

// Store provides bbolt-backed storage for the whole module.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the database and ensures the bucket structure.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// memberKey and secretKey build the composite keys for flat row tables.
func memberKey(vaultID, userID uuid.UUID) []byte {
	return []byte(vaultID.String() + "/" + userID.String())
}

func secretKey(vaultID, secretID uuid.UUID) []byte {
	return []byte(vaultID.String() + "/" + secretID.String())
}

func put(tx *bolt.Tx, bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put(key, data)
}

func get(tx *bolt.Tx, bucket, key []byte, v any) error {
	data := tx.Bucket(bucket).Get(key)
	if data == nil {
		return errs.ErrNotFound
	}
	return json.Unmarshal(data, v)
}

// ---- identity ----

// PutIdentity stores the single identity record.
func (s *Store) PutIdentity(id *model.Identity) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, identityBucket, identityKey, id)
	})
}

// GetIdentity loads the identity record, errs.ErrNotFound when absent.
func (s *Store) GetIdentity() (*model.Identity, error) {
	var id model.Identity
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, identityBucket, identityKey, &id)
	})
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// DeleteIdentity removes the identity record (explicit reset only).
func (s *Store) DeleteIdentity() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(identityBucket).Delete(identityKey)
	})
}

// ---- vaults ----

// PutVault stores or replaces vault metadata.
func (s *Store) PutVault(v *model.Vault) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, vaultsBucket, []byte(v.VaultID.String()), v)
	})
}

// GetVault loads vault metadata by id.
func (s *Store) GetVault(vaultID uuid.UUID) (*model.Vault, error) {
	var v model.Vault
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, vaultsBucket, []byte(vaultID.String()), &v)
	})
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ListVaults returns all vault metadata records.
func (s *Store) ListVaults() ([]model.Vault, error) {
	var out []model.Vault
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(vaultsBucket).ForEach(func(_, data []byte) error {
			var v model.Vault
			if err := json.Unmarshal(data, &v); err != nil {
				return err
			}
			out = append(out, v)
			return nil
		})
	})
	return out, err
}

// DeleteVault removes the vault record and cascades to its member and
// secret rows. Share envelopes reference secrets, not vaults, and survive.
func (s *Store) DeleteVault(vaultID uuid.UUID) error {
	prefix := []byte(vaultID.String() + "/")
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(vaultsBucket).Delete([]byte(vaultID.String())); err != nil {
			return err
		}
		for _, bname := range [][]byte{membersBucket, secretsBucket} {
			b := tx.Bucket(bname)
			c := b.Cursor()
			for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// ---- members ----

// PutMember stores or replaces a (vault, user) membership row.
func (s *Store) PutMember(m *model.VaultMember) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, membersBucket, memberKey(m.VaultID, m.UserID), m)
	})
}

// GetMember loads one membership row.
func (s *Store) GetMember(vaultID, userID uuid.UUID) (*model.VaultMember, error) {
	var m model.VaultMember
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, membersBucket, memberKey(vaultID, userID), &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMembers returns all membership rows of a vault.
func (s *Store) ListMembers(vaultID uuid.UUID) ([]model.VaultMember, error) {
	prefix := []byte(vaultID.String() + "/")
	var out []model.VaultMember
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(membersBucket).Cursor()
		for k, data := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, data = c.Next() {
			var m model.VaultMember
			if err := json.Unmarshal(data, &m); err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	return out, err
}

// DeleteMember removes one membership row.
func (s *Store) DeleteMember(vaultID, userID uuid.UUID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(membersBucket).Delete(memberKey(vaultID, userID))
	})
}

// ---- secrets ----

// PutSecret stores or replaces a secret row (including tombstones).
func (s *Store) PutSecret(sec *model.Secret) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, secretsBucket, secretKey(sec.VaultID, sec.SecretID), sec)
	})
}

// GetSecret loads one secret row.
func (s *Store) GetSecret(vaultID, secretID uuid.UUID) (*model.Secret, error) {
	var sec model.Secret
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, secretsBucket, secretKey(vaultID, secretID), &sec)
	})
	if err != nil {
		return nil, err
	}
	return &sec, nil
}

// ListSecrets returns all secret rows of a vault, tombstones included.
func (s *Store) ListSecrets(vaultID uuid.UUID) ([]model.Secret, error) {
	prefix := []byte(vaultID.String() + "/")
	var out []model.Secret
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(secretsBucket).Cursor()
		for k, data := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, data = c.Next() {
			var sec model.Secret
			if err := json.Unmarshal(data, &sec); err != nil {
				return err
			}
			out = append(out, sec)
		}
		return nil
	})
	return out, err
}

// DeleteSecret hard-deletes a secret row. Replicated vaults use tombstones
// via PutSecret instead so deletion propagates.
func (s *Store) DeleteSecret(vaultID, secretID uuid.UUID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(secretsBucket).Delete(secretKey(vaultID, secretID))
	})
}

// ---- share envelopes ----

// PutShare stores an ad-hoc share envelope.
func (s *Store) PutShare(e *model.ShareEnvelope) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, sharesBucket, []byte(e.ShareID.String()), e)
	})
}

// GetShare loads one envelope.
func (s *Store) GetShare(shareID uuid.UUID) (*model.ShareEnvelope, error) {
	var e model.ShareEnvelope
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, sharesBucket, []byte(shareID.String()), &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListShares returns all envelopes.
func (s *Store) ListShares() ([]model.ShareEnvelope, error) {
	var out []model.ShareEnvelope
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sharesBucket).ForEach(func(_, data []byte) error {
			var e model.ShareEnvelope
			if err := json.Unmarshal(data, &e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// DeleteShare removes an envelope. Revocation is exactly this delete.
func (s *Store) DeleteShare(shareID uuid.UUID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sharesBucket).Delete([]byte(shareID.String()))
	})
}

// ---- settings ----

// PutSetting stores a non-secret application setting.
func (s *Store) PutSetting(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(settingsBucket).Put([]byte(key), value)
	})
}

// GetSetting loads one setting, errs.ErrNotFound when absent.
func (s *Store) GetSetting(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(settingsBucket).Get([]byte(key))
		if data == nil {
			return errs.ErrNotFound
		}
		out = append([]byte(nil), data...)
		return nil
	})
	return out, err
}

// Settings returns all settings.
func (s *Store) Settings() (map[string][]byte, error) {
	out := map[string][]byte{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(settingsBucket).ForEach(func(k, v []byte) error {
			out[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	return out, err
}

// ---- snapshot (backup support) ----

// Snapshot is the full local state as rows. Secret ciphertext stays sealed;
// nothing is decrypted to build or apply a snapshot.
type Snapshot struct {
	Identity *model.Identity       `json:"identity,omitempty"`
	Vaults   []model.Vault         `json:"vaults"`
	Members  []model.VaultMember   `json:"members"`
	Secrets  []model.Secret        `json:"secrets"`
	Shares   []model.ShareEnvelope `json:"shares"`
	Settings map[string][]byte     `json:"settings"`
}

// Snapshot reads everything in one View transaction.
func (s *Store) Snapshot() (*Snapshot, error) {
	snap := &Snapshot{Settings: map[string][]byte{}}
	err := s.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(identityBucket).Get(identityKey); data != nil {
			var id model.Identity
			if err := json.Unmarshal(data, &id); err != nil {
				return err
			}
			snap.Identity = &id
		}
		if err := collect(tx, vaultsBucket, &snap.Vaults); err != nil {
			return err
		}
		if err := collect(tx, membersBucket, &snap.Members); err != nil {
			return err
		}
		if err := collect(tx, secretsBucket, &snap.Secrets); err != nil {
			return err
		}
		if err := collect(tx, sharesBucket, &snap.Shares); err != nil {
			return err
		}
		return tx.Bucket(settingsBucket).ForEach(func(k, v []byte) error {
			snap.Settings[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func collect[T any](tx *bolt.Tx, bucket []byte, dst *[]T) error {
	return tx.Bucket(bucket).ForEach(func(_, data []byte) error {
		var row T
		if err := json.Unmarshal(data, &row); err != nil {
			return err
		}
		*dst = append(*dst, row)
		return nil
	})
}

// ReplaceAll drops every bucket and writes the snapshot rows verbatim in a
// single transaction. Used by backup import; all-or-nothing.
func (s *Store) ReplaceAll(snap *Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if err := tx.DeleteBucket(b); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(b); err != nil {
				return err
			}
		}
		if snap.Identity != nil {
			if err := put(tx, identityBucket, identityKey, snap.Identity); err != nil {
				return err
			}
		}
		for i := range snap.Vaults {
			v := &snap.Vaults[i]
			if err := put(tx, vaultsBucket, []byte(v.VaultID.String()), v); err != nil {
				return err
			}
		}
		for i := range snap.Members {
			m := &snap.Members[i]
			if err := put(tx, membersBucket, memberKey(m.VaultID, m.UserID), m); err != nil {
				return err
			}
		}
		for i := range snap.Secrets {
			sec := &snap.Secrets[i]
			if err := put(tx, secretsBucket, secretKey(sec.VaultID, sec.SecretID), sec); err != nil {
				return err
			}
		}
		for i := range snap.Shares {
			e := &snap.Shares[i]
			if err := put(tx, sharesBucket, []byte(e.ShareID.String()), e); err != nil {
				return err
			}
		}
		for k, v := range snap.Settings {
			if err := tx.Bucket(settingsBucket).Put([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}
