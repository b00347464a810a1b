// Package model defines domain entities used by services and storage.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Identity is the per-installation keypair record. Exactly one exists.
// The secret key itself is never stored in the clear: it is wrapped either
// under a password-derived KEK or under a KEK held by the OS secret store.
type Identity struct {
	UserID           uuid.UUID // stable, derived from the public key
	PublicKey        []byte    // X25519, 32 bytes
	WrappedSecretKey []byte    // AEAD(secretKey) under the local KEK
	Salt             []byte    // KDF salt for the password path
	Protection       Protection
	CreatedAt        time.Time
}

// Protection says where the identity KEK comes from.
type Protection string

const (
	ProtectionPassword Protection = "password"
	ProtectionKeyring  Protection = "keyring"
)

// VaultKind distinguishes local-only vaults from remotely replicated ones.
type VaultKind string

const (
	KindPrivate VaultKind = "private"
	KindShared  VaultKind = "shared"
)

// Vault is a named collection of secrets under one DEK. The DEK is never
// persisted in plaintext, only as wrapped copies in VaultMember rows.
type Vault struct {
	VaultID        uuid.UUID
	Name           string
	Kind           VaultKind
	RemoteEndpoint string // empty for private vaults
	SyncToken      int64  // last server version pulled
	Credential     string // scoped bearer credential for the remote endpoint
	CredentialKey  []byte // HS256 signing key for invite credentials, ciphertext under DEK
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Role is a vault membership role with a fixed capability set.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Capabilities is the per-role capability table. Privileged operations check
// this table at entry, never scattered role conditionals.
type Capabilities struct {
	CanInvite bool
	CanRevoke bool
	CanDelete bool
}

var roleCaps = map[Role]Capabilities{
	RoleOwner:  {CanInvite: true, CanRevoke: true, CanDelete: true},
	RoleAdmin:  {CanInvite: true, CanRevoke: true, CanDelete: false},
	RoleMember: {},
}

// Caps returns the capability set for the role. Unknown roles get nothing.
func (r Role) Caps() Capabilities { return roleCaps[r] }

// Valid reports whether the role is one of the known variants.
func (r Role) Valid() bool {
	_, ok := roleCaps[r]
	return ok
}

// VaultMember is one (vault, user) row holding that member's wrapped copy of
// the vault DEK. Rows are stored flat, keyed by (VaultID, UserID); there are
// no back-pointers between Vault and VaultMember.
type VaultMember struct {
	VaultID    uuid.UUID
	UserID     uuid.UUID
	PublicKey  []byte // member's X25519 public key
	WrapperPub []byte // public key the wrap was derived against (owner's at invite, own at create)
	WrapSalt   []byte // HKDF salt for the key-exchange derivation
	WrappedDEK []byte // AEAD(DEK) under the derived shared key
	Role       Role
	AddedAt    time.Time
}

// Secret is one encrypted row. Ciphertext is AEAD output under the vault DEK
// with a fresh nonce per write; the nonce is carried inside Ciphertext.
type Secret struct {
	SecretID   uuid.UUID
	VaultID    uuid.UUID
	Name       string
	Category   string
	Ciphertext []byte
	Ver        int64 // monotonically increasing, for delta sync
	SyncedVer  int64 // last Ver acknowledged by the remote endpoint; Ver > SyncedVer means dirty
	Deleted    bool  // tombstone flag
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SecretMeta is what listing exposes: never ciphertext, never plaintext.
type SecretMeta struct {
	SecretID  uuid.UUID
	Name      string
	Category  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Meta returns the listing view of the secret.
func (s *Secret) Meta() SecretMeta {
	return SecretMeta{
		SecretID:  s.SecretID,
		Name:      s.Name,
		Category:  s.Category,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

// ShareEnvelope hands one secret to a non-member identity without granting
// vault membership. Revocation is a pure delete: the source secret's own
// encryption under the vault DEK is untouched.
type ShareEnvelope struct {
	ShareID         uuid.UUID
	SecretID        uuid.UUID
	SenderUserID    uuid.UUID
	RecipientUserID uuid.UUID
	SenderPub       []byte // sender's X25519 public key, needed for the recipient's ECDH
	WrapSalt        []byte
	WrappedPayload  []byte // AEAD(plaintext) under the item-share derived key
	Name            string
	Category        string
	ExpiresAt       time.Time // zero means no expiry
	CreatedAt       time.Time
}

// Expired reports whether the envelope's expiry is in the past.
func (e *ShareEnvelope) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Change describes a single row mutation pulled from the remote endpoint
// during delta sync. Only ciphertext and wrapped keys ever appear here.
type Change struct {
	SecretID   uuid.UUID `json:"id"`
	Ver        int64     `json:"ver"`
	Deleted    bool      `json:"deleted"`
	Name       string    `json:"name"`
	Category   string    `json:"category"`
	Ciphertext []byte    `json:"ciphertext,omitempty"` // omitted for tombstones
	UpdatedAt  time.Time `json:"updated_at"`
}

// PushItem is a client change intent with optimistic concurrency base version.
type PushItem struct {
	SecretID   uuid.UUID `json:"id"`
	BaseVer    int64     `json:"base_ver"`
	Deleted    bool      `json:"deleted"`
	Name       string    `json:"name"`
	Category   string    `json:"category"`
	Ciphertext []byte    `json:"ciphertext,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// PushResult reports the new version after a successful push.
type PushResult struct {
	SecretID uuid.UUID `json:"id"`
	NewVer   int64     `json:"new_ver"`
	Conflict bool      `json:"conflict"`
}

// MemberChange replicates a membership row (wrapped DEK included) so an
// invitee's device can discover its own row after AcceptInvite.
type MemberChange struct {
	UserID     uuid.UUID `json:"user_id"`
	PublicKey  []byte    `json:"public_key"`
	WrapperPub []byte    `json:"wrapper_pub"`
	WrapSalt   []byte    `json:"wrap_salt"`
	WrappedDEK []byte    `json:"wrapped_dek"`
	Role       Role      `json:"role"`
	AddedAt    time.Time `json:"added_at"`
	Removed    bool      `json:"removed"`
}
