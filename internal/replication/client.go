// Package replication syncs shared vaults against their remote endpoints.
// Everything on the wire is ciphertext and wrapped keys; the client never
// needs a DEK and works against locked vaults.
package replication

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/termhold/vaultcore/internal/errs"
	"github.com/termhold/vaultcore/internal/model"
	"github.com/termhold/vaultcore/internal/storage"
)

const defaultTimeout = 15 * time.Second

// Status is the outcome of one Sync call.
type Status string

const (
	// StatusSynced means push and pull both completed.
	StatusSynced Status = "synced"
	// StatusOffline means the endpoint was unreachable and nothing changed.
	StatusOffline Status = "offline"
	// StatusLocalOnly means the vault has no remote endpoint to sync with.
	StatusLocalOnly Status = "local-only"
)

// pullResponse is the delta the endpoint returns for GET .../changes.
type pullResponse struct {
	Changes   []model.Change       `json:"changes"`
	Members   []model.MemberChange `json:"members"`
	NextToken int64                `json:"next_token"`
}

// pushRequest carries dirty secret rows plus the full membership list; the
// endpoint diffs memberships itself and emits Removed changes to other
// replicas.
type pushRequest struct {
	Items   []model.PushItem     `json:"items"`
	Members []model.MemberChange `json:"members"`
}

type pushResponse struct {
	Results []model.PushResult `json:"results"`
}

// Client replicates shared vaults over HTTPS. Safe for concurrent use;
// concurrent Sync calls for the same vault coalesce into one.
type Client struct {
	store *storage.Store
	http  *http.Client
	group singleflight.Group
	log   *zap.Logger
}

// NewClient constructs a replication client. A nil httpClient gets a default
// with a request timeout; a nil logger gets zap.NewNop().
func NewClient(store *storage.Store, httpClient *http.Client, log *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{store: store, http: httpClient, log: log}
}

// Sync runs one pull-merge-push round for the vault. Remote rows merge by
// last-writer-wins on UpdatedAt; local winners are pushed in the same round.
// An unreachable endpoint is not an error: local state is untouched and the
// call reports StatusOffline.
func (c *Client) Sync(ctx context.Context, vaultID uuid.UUID) (Status, error) {
	out, err, _ := c.group.Do(vaultID.String(), func() (any, error) {
		return c.sync(ctx, vaultID)
	})
	if err != nil {
		return "", err
	}
	return out.(Status), nil
}

func (c *Client) sync(ctx context.Context, vaultID uuid.UUID) (Status, error) {
	v, err := c.store.GetVault(vaultID)
	if err != nil {
		return "", err
	}
	if v.Kind != model.KindShared || v.RemoteEndpoint == "" {
		return StatusLocalOnly, nil
	}

	// Cancellation first: a cancelled request also surfaces as *url.Error
	// and must not be mistaken for an unreachable endpoint.
	if err := c.pull(ctx, v); err != nil {
		switch {
		case ctx.Err() != nil:
			return "", errs.ErrCancelled
		case isUnreachable(err):
			c.log.Info("endpoint unreachable, skipping sync", zap.String("vault_id", vaultID.String()))
			return StatusOffline, nil
		}
		return "", err
	}
	if err := c.push(ctx, v); err != nil {
		switch {
		case ctx.Err() != nil:
			return "", errs.ErrCancelled
		case isUnreachable(err):
			return StatusOffline, nil
		}
		return "", err
	}
	return StatusSynced, nil
}

// Pull fetches remote changes since the vault's sync token and merges them.
// It is the network half of invite acceptance: the invitee pulls its own
// wrapped member row before the first unlock.
func (c *Client) Pull(ctx context.Context, vaultID uuid.UUID) error {
	v, err := c.store.GetVault(vaultID)
	if err != nil {
		return err
	}
	if v.Kind != model.KindShared || v.RemoteEndpoint == "" {
		return nil
	}
	if err := c.pull(ctx, v); err != nil {
		switch {
		case ctx.Err() != nil:
			return errs.ErrCancelled
		case isUnreachable(err):
			return errs.ErrOffline
		}
		return err
	}
	return nil
}

func (c *Client) pull(ctx context.Context, v *model.Vault) error {
	u := fmt.Sprintf("%s/v1/vaults/%s/changes?since=%s",
		v.RemoteEndpoint, v.VaultID, strconv.FormatInt(v.SyncToken, 10))

	var resp pullResponse
	if err := c.doJSON(ctx, http.MethodGet, u, v.Credential, nil, &resp); err != nil {
		return err
	}

	for i := range resp.Changes {
		if err := c.applyChange(v.VaultID, &resp.Changes[i]); err != nil {
			return err
		}
	}
	for i := range resp.Members {
		if err := c.applyMemberChange(v.VaultID, &resp.Members[i]); err != nil {
			return err
		}
	}

	if resp.NextToken > v.SyncToken {
		v.SyncToken = resp.NextToken
		if err := c.store.PutVault(v); err != nil {
			return err
		}
	}
	c.log.Debug("pulled changes",
		zap.String("vault_id", v.VaultID.String()),
		zap.Int("secrets", len(resp.Changes)),
		zap.Int("members", len(resp.Members)),
	)
	return nil
}

// applyChange merges one remote row. A row that is locally dirty keeps the
// newer of the two writes; the loser is overwritten, not merged field-wise.
func (c *Client) applyChange(vaultID uuid.UUID, ch *model.Change) error {
	local, err := c.store.GetSecret(vaultID, ch.SecretID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		local = &model.Secret{
			SecretID:  ch.SecretID,
			VaultID:   vaultID,
			CreatedAt: ch.UpdatedAt,
		}
	case err != nil:
		return err
	default:
		dirty := local.Ver > local.SyncedVer
		if dirty && local.UpdatedAt.After(ch.UpdatedAt) {
			// Local write wins; it goes out in the push phase.
			return nil
		}
	}

	local.Name = ch.Name
	local.Category = ch.Category
	local.Ciphertext = ch.Ciphertext
	local.Deleted = ch.Deleted
	local.Ver = ch.Ver
	local.SyncedVer = ch.Ver
	local.UpdatedAt = ch.UpdatedAt
	return c.store.PutSecret(local)
}

func (c *Client) applyMemberChange(vaultID uuid.UUID, mc *model.MemberChange) error {
	if mc.Removed {
		return c.store.DeleteMember(vaultID, mc.UserID)
	}
	return c.store.PutMember(&model.VaultMember{
		VaultID:    vaultID,
		UserID:     mc.UserID,
		PublicKey:  mc.PublicKey,
		WrapperPub: mc.WrapperPub,
		WrapSalt:   mc.WrapSalt,
		WrappedDEK: mc.WrappedDEK,
		Role:       mc.Role,
		AddedAt:    mc.AddedAt,
	})
}

func (c *Client) push(ctx context.Context, v *model.Vault) error {
	rows, err := c.store.ListSecrets(v.VaultID)
	if err != nil {
		return err
	}
	req := pushRequest{}
	for i := range rows {
		row := &rows[i]
		if row.Ver <= row.SyncedVer {
			continue
		}
		req.Items = append(req.Items, model.PushItem{
			SecretID:   row.SecretID,
			BaseVer:    row.SyncedVer,
			Deleted:    row.Deleted,
			Name:       row.Name,
			Category:   row.Category,
			Ciphertext: row.Ciphertext,
			UpdatedAt:  row.UpdatedAt,
		})
	}
	members, err := c.store.ListMembers(v.VaultID)
	if err != nil {
		return err
	}
	digest, err := membersDigest(members)
	if err != nil {
		return err
	}
	membersDirty, err := c.membersDirty(v.VaultID, digest, len(members))
	if err != nil {
		return err
	}
	if membersDirty {
		for i := range members {
			m := &members[i]
			req.Members = append(req.Members, model.MemberChange{
				UserID:     m.UserID,
				PublicKey:  m.PublicKey,
				WrapperPub: m.WrapperPub,
				WrapSalt:   m.WrapSalt,
				WrappedDEK: m.WrappedDEK,
				Role:       m.Role,
				AddedAt:    m.AddedAt,
			})
		}
	}
	if len(req.Items) == 0 && len(req.Members) == 0 {
		return nil
	}

	u := fmt.Sprintf("%s/v1/vaults/%s/changes", v.RemoteEndpoint, v.VaultID)
	var resp pushResponse
	if err := c.doJSON(ctx, http.MethodPost, u, v.Credential, req, &resp); err != nil {
		return err
	}
	if membersDirty {
		if err := c.store.PutSetting(memberDigestKey(v.VaultID), digest); err != nil {
			return err
		}
	}

	for i := range resp.Results {
		res := &resp.Results[i]
		if res.Conflict {
			// A concurrent remote write got there first; the row stays dirty
			// and the next pull resolves it by timestamp.
			c.log.Debug("push conflict", zap.String("secret_id", res.SecretID.String()))
			continue
		}
		row, err := c.store.GetSecret(v.VaultID, res.SecretID)
		if err != nil {
			return err
		}
		row.Ver = res.NewVer
		row.SyncedVer = res.NewVer
		if err := c.store.PutSecret(row); err != nil {
			return err
		}
	}
	c.log.Debug("pushed changes",
		zap.String("vault_id", v.VaultID.String()),
		zap.Int("items", len(req.Items)),
	)
	return nil
}

// doJSON issues one authenticated JSON request with fibonacci backoff on
// transient failures (transport errors and 5xx responses).
func (c *Client) doJSON(ctx context.Context, method, u, credential string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return err
		}
	}

	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(200*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
		if err != nil {
			return err
		}
		if credential != "" {
			req.Header.Set("Authorization", "Bearer "+credential)
		}
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
			return errs.ErrForbidden
		case resp.StatusCode >= 500:
			return retry.RetryableError(fmt.Errorf("endpoint returned %s", resp.Status))
		case resp.StatusCode != http.StatusOK:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("endpoint returned %s: %s", resp.Status, msg)
		}
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}

// membersDirty reports whether the membership list changed since the digest
// acknowledged by the last successful push. An empty list is never dirty.
func (c *Client) membersDirty(vaultID uuid.UUID, digest []byte, count int) (bool, error) {
	if count == 0 {
		return false, nil
	}
	last, err := c.store.GetSetting(memberDigestKey(vaultID))
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return true, nil
	case err != nil:
		return false, err
	}
	return !bytes.Equal(last, digest), nil
}

func memberDigestKey(vaultID uuid.UUID) string {
	return "members-digest/" + vaultID.String()
}

// membersDigest fingerprints the membership list order-independently, so a
// removal or re-wrap flips it while a mere listing-order change does not.
func membersDigest(members []model.VaultMember) ([]byte, error) {
	sort.Slice(members, func(i, j int) bool {
		a, b := members[i].UserID.Bytes(), members[j].UserID.Bytes()
		return bytes.Compare(a, b) < 0
	})
	h := sha256.New()
	enc := json.NewEncoder(h)
	for i := range members {
		if err := enc.Encode(&members[i]); err != nil {
			return nil, err
		}
	}
	return h.Sum(nil), nil
}

// isUnreachable classifies transport-level failures, which Sync treats as
// "offline" rather than errors. HTTP-level errors are never unreachable.
func isUnreachable(err error) bool {
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
