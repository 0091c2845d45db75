// Package keeper orchestrates the integrity pipeline for user profiles:
// it signs new entries, rebuilds the Merkle tree, verifies profiles on read,
// and routes all network I/O through the resilient sender and the offline
// queue. Each profile is processed sequentially; different users share no
// mutable state except the durable queue.
package keeper

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/profilekeeper/config"
	"github.com/dmitrijs2005/profilekeeper/integrity"
	"github.com/dmitrijs2005/profilekeeper/logging"
	"github.com/dmitrijs2005/profilekeeper/models"
	"github.com/dmitrijs2005/profilekeeper/queue"
	"github.com/dmitrijs2005/profilekeeper/remote"
	"github.com/dmitrijs2005/profilekeeper/resilient"
	"github.com/dmitrijs2005/profilekeeper/signing"
	"github.com/dmitrijs2005/profilekeeper/storage"

	_ "modernc.org/sqlite"
)

// ErrNoLocalProfile is returned when a profile is requested offline and no
// cached copy exists.
var ErrNoLocalProfile = errors.New("no locally cached profile")

// Keeper is the profile sync orchestrator.
type Keeper struct {
	cfg      *config.Config
	signer   *signing.Service
	verifier *integrity.Verifier
	remote   remote.Client
	sender   *resilient.Sender
	queue    *queue.Queue
	store    storage.Repository
	log      logging.Logger
	db       *sql.DB
}

// New opens the local database at cfg.DatabasePath and wires a Keeper
// talking to the store at cfg.ServerBaseURL. Close releases the database.
func New(ctx context.Context, cfg *config.Config, log logging.Logger, opts ...remote.Option) (*Keeper, error) {
	db, err := storage.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("initializing local store: %w", err)
	}

	rc := remote.NewHTTPClient(cfg.ServerBaseURL, opts...)

	k, err := Assemble(ctx, cfg, rc, storage.NewSQLiteRepository(db), log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	k.db = db
	return k, nil
}

// Assemble wires a Keeper from externally-constructed collaborators. Hosts
// that manage their own transport or storage use this directly.
func Assemble(ctx context.Context, cfg *config.Config, rc remote.Client, repo storage.Repository, log logging.Logger) (*Keeper, error) {
	signer, err := signing.NewService(cfg.HashAlgorithm)
	if err != nil {
		return nil, err
	}

	q, err := queue.Load(ctx, repo, log)
	if err != nil {
		return nil, err
	}

	sender := resilient.NewSender(rc, q, resilient.Config{
		RequestTimeout: cfg.RequestTimeout,
		MaxAttempts:    cfg.MaxAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
	}, log)

	return &Keeper{
		cfg:      cfg,
		signer:   signer,
		verifier: integrity.NewVerifier(signer),
		remote:   rc,
		sender:   sender,
		queue:    q,
		store:    repo,
		log:      log,
	}, nil
}

// Close releases the remote client and, when owned, the local database.
func (k *Keeper) Close() error {
	err := k.remote.Close()
	if k.db != nil {
		if dbErr := k.db.Close(); err == nil {
			err = dbErr
		}
	}
	return err
}

// Queue exposes the offline queue for host introspection (pending-sync
// badges, dropping a permanently rejected item).
func (k *Keeper) Queue() *queue.Queue {
	return k.queue
}

// Sender exposes the resilient sender so hosts can feed it platform
// reachability signals.
func (k *Keeper) Sender() *resilient.Sender {
	return k.sender
}

// ProcessQueue replays deferred mutations in FIFO order through the same
// retry policy as live sends.
func (k *Keeper) ProcessQueue(ctx context.Context) error {
	return k.queue.Replay(ctx, func(ctx context.Context, item queue.Item) error {
		return k.sender.Resend(ctx, item)
	})
}

// WatchConnectivity probes the store every cfg.OnlineCheckInterval and
// replays the offline queue when connectivity returns. It blocks until ctx
// is canceled; run it on its own goroutine.
func (k *Keeper) WatchConnectivity(ctx context.Context) {
	m := resilient.NewMonitor(k.remote, k.sender, k.cfg.OnlineCheckInterval, func(ctx context.Context) {
		if err := k.ProcessQueue(ctx); err != nil {
			k.log.Error(ctx, "offline queue replay failed", "err", err)
		}
	}, k.log)
	m.Run(ctx)
}

// cachedProfile loads the last-known-good profile for userID, or nil when
// none is cached.
func (k *Keeper) cachedProfile(ctx context.Context, userID string) (*models.Profile, error) {
	raw, err := k.store.Get(ctx, storage.ProfileKey(userID))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var p models.Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decoding cached profile: %w", err)
	}
	return &p, nil
}

// hasTrustedRoot reports whether a trusted root checkpoint exists for the
// user.
func (k *Keeper) hasTrustedRoot(ctx context.Context, userID string) bool {
	raw, err := k.store.Get(ctx, storage.RootKey(userID))
	return err == nil && len(raw) > 0
}

// persistLocal caches the profile and, when root is non-empty, the last
// known-good Merkle root. Both slots move in one transaction so a crash
// cannot leave them divergent.
func (k *Keeper) persistLocal(ctx context.Context, userID string, profile *models.Profile, root string) error {
	b, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("serializing profile: %w", err)
	}

	values := map[string][]byte{storage.ProfileKey(userID): b}
	if root != "" {
		values[storage.RootKey(userID)] = []byte(root)
	}
	return k.store.SetAll(ctx, values)
}

// verify runs the opportunistic integrity check over the profile and fills
// in its verification record. The result is advisory: a compromised status
// is surfaced as a warning, never as an access block.
func (k *Keeper) verify(ctx context.Context, userID string, profile *models.Profile) {
	lastRoot := ""
	if raw, err := k.store.Get(ctx, storage.RootKey(userID)); err != nil {
		k.log.Warn(ctx, "cannot load trusted root", "user_id", userID, "err", err)
	} else {
		lastRoot = string(raw)
	}

	res, err := k.verifier.Validate(profile.Entries, lastRoot)
	if err != nil {
		k.log.Error(ctx, "integrity verification failed", "user_id", userID, "err", err)
		profile.Verification = models.Verification{IntegrityStatus: models.IntegrityPending}
		return
	}

	now := time.Now().UTC()
	if res.IsValid {
		profile.Verification = models.Verification{
			IsVerified:           true,
			LastVerificationDate: now,
			MerkleRootHash:       res.RecomputedRoot,
			IntegrityStatus:      models.IntegrityValid,
		}
		if lastRoot == "" {
			// First verification: record the recomputed root as the trusted
			// checkpoint for subsequent comparisons.
			if err := k.store.Set(ctx, storage.RootKey(userID), []byte(res.RecomputedRoot)); err != nil {
				k.log.Warn(ctx, "cannot record trusted root", "user_id", userID, "err", err)
			}
		}
		return
	}

	profile.Verification = models.Verification{
		LastVerificationDate: now,
		MerkleRootHash:       lastRoot,
		IntegrityStatus:      models.IntegrityCompromised,
	}
	k.log.Warn(ctx, "profile integrity compromised",
		"user_id", userID, "root_matches", res.RootMatches)
}
