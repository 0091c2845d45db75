package keeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/profilekeeper/integrity"
	"github.com/dmitrijs2005/profilekeeper/merkle"
	"github.com/dmitrijs2005/profilekeeper/models"
	"github.com/dmitrijs2005/profilekeeper/remote"
	"github.com/dmitrijs2005/profilekeeper/resilient"
	"github.com/dmitrijs2005/profilekeeper/signing"
	"github.com/google/uuid"
)

// Remote operation names.
const (
	OpSaveEntry  = "save_entry"
	OpGetProfile = "get_profile"
)

// SaveEntryPayload is the save_entry operation body. IdempotencyKey lets the
// store discard a duplicate delivery, e.g. a queue replay that crashed after
// remote success but before local removal.
type SaveEntryPayload struct {
	UserID         string        `json:"user_id"`
	Entry          *models.Entry `json:"entry"`
	MerkleRoot     string        `json:"merkle_root"`
	IdempotencyKey string        `json:"idempotency_key"`
}

// GetProfilePayload is the get_profile operation body.
type GetProfilePayload struct {
	UserID string `json:"user_id"`
}

// SaveEntryResult reports the outcome of a write. Offline means the entry
// was acknowledged as "saved, pending sync" and will be delivered by queue
// replay.
type SaveEntryResult struct {
	Success bool
	Entry   *models.Entry
	Offline bool
	State   OpState
}

// GetProfileResult reports the outcome of a read. The profile's
// verification record is always populated. Offline means the profile came
// from the local cache.
type GetProfileResult struct {
	Success bool
	Profile *models.Profile
	Offline bool
}

// SaveEntry signs a new entry, rebuilds the Merkle tree over the user's full
// updated entry set (seeding from the store when nothing is cached yet), and
// sends it through the resilient client. A signing failure rejects the
// write: the entry is never persisted anywhere.
func (k *Keeper) SaveEntry(ctx context.Context, userID string, entryType models.EntryType, content string, metadata map[string]any) (*SaveEntryResult, error) {
	k.log.Debug(ctx, "save entry", "user_id", userID, "state", StateSigning)
	now := time.Now().UTC()

	sig, err := k.signer.Sign(signing.Payload{
		Type:      entryType,
		Content:   content,
		Timestamp: now,
		Metadata:  metadata,
	})
	if err != nil {
		return &SaveEntryResult{State: StateFailed}, fmt.Errorf("signing entry: %w", err)
	}

	entry := &models.Entry{
		ID:        uuid.NewString(),
		Type:      entryType,
		Content:   content,
		Timestamp: now,
		Metadata:  metadata,
		Signature: sig,
	}

	k.log.Debug(ctx, "save entry", "user_id", userID, "state", StateTreeRebuild)
	profile, err := k.cachedProfile(ctx, userID)
	if err != nil {
		return &SaveEntryResult{State: StateFailed}, err
	}
	fromStore := false
	if profile == nil {
		// Write before first read: the store may already hold entries for
		// this user, and a root computed over the new entry alone would be
		// a false tamper alarm on the next fetch. Seed from the store.
		profile, err = k.fetchBaseline(ctx, userID)
		if err != nil {
			return &SaveEntryResult{State: StateFailed}, err
		}
		fromStore = profile != nil
	}
	if profile == nil {
		profile = &models.Profile{
			UserID:       userID,
			Verification: models.Verification{IntegrityStatus: models.IntegrityPending},
		}
	}
	profile.Entries = append(profile.Entries, entry)

	tree, err := merkle.Build(profile.Entries)
	if err != nil {
		return &SaveEntryResult{State: StateFailed}, fmt.Errorf("rebuilding tree: %w", err)
	}
	proof, err := tree.ProveInclusion(entry.ID)
	if err != nil {
		return &SaveEntryResult{State: StateFailed}, err
	}
	entry.MerkleProof = proof

	k.log.Debug(ctx, "save entry", "user_id", userID, "state", StateSending)
	payload := SaveEntryPayload{
		UserID:         userID,
		Entry:          entry,
		MerkleRoot:     tree.RootHex(),
		IdempotencyKey: entry.ID,
	}
	res, err := k.sender.Send(ctx, OpSaveEntry, payload, nil)
	if err != nil {
		return &SaveEntryResult{State: StateFailed}, err
	}

	// The user's own write is authoritative locally: cache the updated
	// entry set whether the store confirmed or the operation was deferred.
	// The trusted root only advances from a known baseline (a store-seeded
	// set or an already-established checkpoint); otherwise the checkpoint
	// waits for the first successful verification.
	root := tree.RootHex()
	if !fromStore && !k.hasTrustedRoot(ctx, userID) {
		root = ""
	}
	if err := k.persistLocal(ctx, userID, profile, root); err != nil {
		return &SaveEntryResult{State: StateFailed}, err
	}

	if res.Deferred {
		return &SaveEntryResult{Success: true, Entry: entry, Offline: true, State: StateQueued}, nil
	}
	return &SaveEntryResult{Success: true, Entry: entry, State: StateConfirmed}, nil
}

// GetProfile fetches the user's profile, runs the opportunistic integrity
// check, and caches the result. When offline (detected beforehand or
// discovered by the fetch failing) it degrades to the last known-good
// cached profile, still verified.
func (k *Keeper) GetProfile(ctx context.Context, userID string) (*GetProfileResult, error) {
	if !k.sender.Online() {
		return k.cachedProfileResult(ctx, userID)
	}

	var profile models.Profile
	err := k.sender.Query(ctx, OpGetProfile, GetProfilePayload{UserID: userID}, &profile)
	if err != nil {
		if errors.Is(err, resilient.ErrOffline) || remote.Retryable(err) {
			// Connectivity is gone (or flipped between the online check and
			// the query); the cached copy is the best available answer.
			return k.cachedProfileResult(ctx, userID)
		}
		return nil, err
	}

	k.verify(ctx, userID, &profile)
	if err := k.persistLocal(ctx, userID, &profile, ""); err != nil {
		k.log.Warn(ctx, "cannot cache profile", "user_id", userID, "err", err)
	}

	return &GetProfileResult{Success: true, Profile: &profile}, nil
}

// fetchBaseline retrieves the user's current profile from the store so a
// first write extends the full existing entry set. When the store cannot be
// reached the caller proceeds from an empty local set; only a definitive
// rejection is surfaced.
func (k *Keeper) fetchBaseline(ctx context.Context, userID string) (*models.Profile, error) {
	if !k.sender.Online() {
		return nil, nil
	}

	var profile models.Profile
	err := k.sender.Query(ctx, OpGetProfile, GetProfilePayload{UserID: userID}, &profile)
	if err != nil {
		if errors.Is(err, resilient.ErrOffline) || remote.Retryable(err) {
			return nil, nil
		}
		return nil, err
	}
	return &profile, nil
}

func (k *Keeper) cachedProfileResult(ctx context.Context, userID string) (*GetProfileResult, error) {
	profile, err := k.cachedProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, ErrNoLocalProfile
	}

	k.verify(ctx, userID, profile)
	return &GetProfileResult{Success: true, Profile: profile, Offline: true}, nil
}

// ValidateIntegrity recomputes signatures and the Merkle root over the given
// entries without consulting a recorded root. Findings are returned as data;
// nothing is mutated.
func (k *Keeper) ValidateIntegrity(entries []*models.Entry) (*integrity.Result, error) {
	return k.verifier.Validate(entries, "")
}
