// Package keyring wraps the OS secret store used for identity auto-unlock.
package keyring

import (
	"encoding/base64"
	"errors"

	"github.com/zalando/go-keyring"
)

const serviceName = "vaultcore"

// ErrNoEntry indicates the OS store is reachable but holds no entry for the
// identity. Callers must treat this as "identity exists but cannot be
// opened", never as first-run.
var ErrNoEntry = errors.New("keyring: no entry")

// StoreKEK saves the identity KEK in the OS keyring.
func StoreKEK(userID string, kek []byte) error {
	return keyring.Set(serviceName, userID, base64.StdEncoding.EncodeToString(kek))
}

// LoadKEK retrieves the identity KEK from the OS keyring.
func LoadKEK(userID string) ([]byte, error) {
	enc, err := keyring.Get(serviceName, userID)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, ErrNoEntry
		}
		return nil, err
	}
	return base64.StdEncoding.DecodeString(enc)
}

// DeleteKEK removes the identity KEK from the OS keyring.
func DeleteKEK(userID string) error {
	err := keyring.Delete(serviceName, userID)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}
