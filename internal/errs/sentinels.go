// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Identity and session state.
var (
	// ErrNoIdentity indicates no identity record exists (first run).
	ErrNoIdentity = errors.New("no identity")

	// ErrIdentityUnopenable indicates an identity record exists but its
	// OS-protected key entry is missing or unavailable. This is a distinct
	// state from ErrNoIdentity and must never be treated as first-run.
	ErrIdentityUnopenable = errors.New("identity exists but cannot be opened")

	// ErrIdentityLocked indicates the operation requires an unlocked session.
	ErrIdentityLocked = errors.New("identity locked")

	// ErrAlreadyExists indicates a record that must be unique already exists.
	ErrAlreadyExists = errors.New("already exists")
)

// Vault and secret access.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNoMembership indicates the caller has no member row for the vault.
	ErrNoMembership = errors.New("no membership")

	// ErrUnwrapFailed indicates a membership row exists but the wrapped key
	// failed its cryptographic check (corrupt data or revoked key).
	ErrUnwrapFailed = errors.New("unwrap failed")

	// ErrVaultLocked indicates the vault DEK is not cached in memory.
	ErrVaultLocked = errors.New("vault locked")

	// ErrTamperedOrCorrupt indicates an AEAD authentication failure on a
	// single secret. Scoped to that one row, never fatal to the vault.
	ErrTamperedOrCorrupt = errors.New("tampered or corrupt")

	// ErrLastOwner indicates removing the row would leave the vault without
	// an owner.
	ErrLastOwner = errors.New("cannot remove last owner")

	// ErrForbidden indicates the caller's role lacks the required capability.
	ErrForbidden = errors.New("forbidden")
)

// Sharing.
var (
	// ErrShareExpired indicates the share envelope's expiry is in the past.
	ErrShareExpired = errors.New("share expired")
)

// Replication.
var (
	// ErrOffline indicates the remote endpoint is unreachable. Replication
	// degrades to local-only; this never blocks local reads or writes.
	ErrOffline = errors.New("offline")
)

// Backup codec.
var (
	// ErrInvalidExportFormat indicates a bad magic or truncated header,
	// detected before any cryptographic work.
	ErrInvalidExportFormat = errors.New("invalid export format")

	// ErrUnsupportedExportVersion indicates a known magic with an unreadable version.
	ErrUnsupportedExportVersion = errors.New("unsupported export version")

	// ErrWrongExportPassword indicates AEAD failure while opening a backup.
	ErrWrongExportPassword = errors.New("wrong export password")
)

// ErrCancelled indicates the operation was cancelled by context before it
// completed. Distinct from a generic failure.
var ErrCancelled = errors.New("cancelled")
