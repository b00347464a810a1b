// Package crypto contains the primitives for key derivation, key wrapping
// and AEAD used by every other layer. Keys are raw 32-byte slices; callers
// own zeroization via Zero.
package crypto

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/termhold/vaultcore/internal/errs"
)

// Params
const (
	KeyLen  = 32
	SaltLen = 32
)

// Cost tunes the argon2id work factor. The zero value means DefaultCost.
type Cost struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// DefaultCost suits a local unlock, not a high-QPS server.
var DefaultCost = Cost{Time: 3, Memory: 64 * 1024, Threads: 1}

func (c Cost) orDefault() Cost {
	if c == (Cost{}) {
		return DefaultCost
	}
	return c
}

// Domain-separation contexts for key-exchange derivation. The same two keys
// never produce the same derived key for two different purposes.
const (
	ContextVaultInvite = "vaultcore/vault-invite/v1"
	ContextItemShare   = "vaultcore/item-share/v1"
	ContextBackup      = "vaultcore/backup/v1"
)

// ErrBadSalt rejects malformed salts before any derivation work.
var ErrBadSalt = errors.New("crypto: bad salt length")

// Rand returns n cryptographically secure random bytes.
func Rand(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// Zero overwrites a byte slice in memory with zeros. Dereferencing is not
// enough for key material; every cached key goes through here on lock.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// NewSalt returns a fresh random salt of the canonical length.
func NewSalt() ([]byte, error) { return Rand(SaltLen) }

// DeriveKEK derives a key-encryption key from a password and salt using
// Argon2id at the given cost.
func DeriveKEK(password, salt []byte, cost Cost) ([]byte, error) {
	if len(salt) != SaltLen {
		return nil, ErrBadSalt
	}
	c := cost.orDefault()
	return argon2.IDKey(password, salt, c.Time, c.Memory, c.Threads, KeyLen), nil
}

// DeriveKEKContext runs DeriveKEK off the calling goroutine so the
// intentionally slow hash can be abandoned. Returns errs.ErrCancelled when
// the context wins; the derived key is zeroized in that case.
func DeriveKEKContext(ctx context.Context, password, salt []byte, cost Cost) ([]byte, error) {
	if len(salt) != SaltLen {
		return nil, ErrBadSalt
	}
	type result struct {
		key []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		key, err := DeriveKEK(password, salt, cost)
		ch <- result{key, err}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.key != nil {
				Zero(r.key)
			}
		}()
		return nil, errs.ErrCancelled
	case r := <-ch:
		return r.key, r.err
	}
}

// NewKeyPair generates a fresh X25519 keypair and returns raw 32-byte
// secret and public keys.
func NewKeyPair() (secret, public []byte, err error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return priv.Bytes(), priv.PublicKey().Bytes(), nil
}

// PublicKeyFrom re-derives the public key from a raw X25519 secret key.
// Deterministic: the same secret key always yields the same public key,
// which is what makes identity import resume where another device left off.
func PublicKeyFrom(secret []byte) ([]byte, error) {
	priv, err := ecdh.X25519().NewPrivateKey(secret)
	if err != nil {
		return nil, err
	}
	return priv.PublicKey().Bytes(), nil
}

// DeriveShared derives a symmetric key from mySecret and theirPublic via
// X25519 followed by HKDF-SHA256 keyed on salt and domain-separated by
// context. ECDH is symmetric, so both sides arrive at the same key from
// their own secret and the other's public key.
func DeriveShared(mySecret, theirPublic, salt []byte, context string) ([]byte, error) {
	if len(salt) != SaltLen {
		return nil, ErrBadSalt
	}
	priv, err := ecdh.X25519().NewPrivateKey(mySecret)
	if err != nil {
		return nil, err
	}
	pub, err := ecdh.X25519().NewPublicKey(theirPublic)
	if err != nil {
		return nil, err
	}
	dh, err := priv.ECDH(pub)
	if err != nil {
		return nil, err
	}
	defer Zero(dh)

	key := make([]byte, KeyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, dh, salt, []byte(context)), key); err != nil {
		return nil, err
	}
	return key, nil
}

// DeriveBackupKey derives the backup sealing key: the password path followed
// by an export-specific domain-separation step.
func DeriveBackupKey(password, salt []byte, cost Cost) ([]byte, error) {
	kek, err := DeriveKEK(password, salt, cost)
	if err != nil {
		return nil, err
	}
	defer Zero(kek)

	key := make([]byte, KeyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, kek, salt, []byte(ContextBackup)), key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal encrypts plaintext with XChaCha20-Poly1305 under key using a fresh
// random nonce. Output layout is nonce||ciphertext.
func Seal(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := Rand(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, plaintext, aad)...)
	return out, nil
}

// Open decrypts a nonce||ciphertext blob produced by Seal. A wrong key and
// tampered ciphertext fail identically; this is the only password-check
// oracle the module exposes.
func Open(key, blob, aad []byte) ([]byte, error) {
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("blob too short")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := blob[:chacha20poly1305.NonceSizeX]
	ct := blob[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ct, aad)
}
