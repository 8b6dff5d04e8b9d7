package changefeed

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/Lllllllleong/documentmigrationflow/internal/gcp"
)

// position is a feed continuation: the change timestamp and the id of the
// last fully-handled document at that timestamp. The id breaks ties when a
// poll window fills up inside one timestamp, so the next window resumes
// after the exact document instead of skipping its timestamp peers.
type position struct {
	Ts    float64
	DocID string
}

// before reports feed order: by timestamp, then by document id.
func (p position) before(q position) bool {
	if p.Ts != q.Ts {
		return p.Ts < q.Ts
	}
	return p.DocID < q.DocID
}

// leaseState is the durable ownership and checkpoint record for one feed
// subscription, stored in the lease collection under the processor name.
// Continuation marks the position up to which batches have been fully
// handled.
type leaseState struct {
	Owner             string  `firestore:"owner"`
	ExpiresAtEpochMs  int64   `firestore:"expiresAt"`
	Continuation      float64 `firestore:"continuation"`
	ContinuationDocID string  `firestore:"continuationDocId"`
}

// leaseKeeper acquires, renews and checkpoints the lease for one processor.
// Every mutation runs in a transaction so two instances can never both
// believe they own the feed.
type leaseKeeper struct {
	client     *firestore.Client
	collection string
	processor  string
	instance   string
	duration   time.Duration
}

func (k *leaseKeeper) ref() *firestore.DocumentRef {
	return k.client.Collection(k.collection).Doc(k.processor)
}

// acquire takes the lease if it is unowned, expired, or already ours. When a
// previous checkpoint exists it wins over the caller's requested start
// position, so a restarted migration resumes instead of rewinding.
func (k *leaseKeeper) acquire(ctx context.Context, start position) (bool, position, error) {
	held := false
	continuation := start
	err := k.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		held = false
		continuation = start

		snap, err := tx.Get(k.ref())
		if err != nil && !gcp.IsNotFound(err) {
			return err
		}
		state := leaseState{Continuation: start.Ts, ContinuationDocID: start.DocID}
		if snap != nil && snap.Exists() {
			if err := snap.DataTo(&state); err != nil {
				return fmt.Errorf("failed to decode lease %q: %w", k.processor, err)
			}
			now := time.Now().UnixMilli()
			if state.Owner != "" && state.Owner != k.instance && state.ExpiresAtEpochMs > now {
				return nil // held by a live peer
			}
		}
		state.Owner = k.instance
		state.ExpiresAtEpochMs = time.Now().Add(k.duration).UnixMilli()
		if err := tx.Set(k.ref(), state); err != nil {
			return err
		}
		held = true
		continuation = position{Ts: state.Continuation, DocID: state.ContinuationDocID}
		return nil
	})
	if err != nil {
		return false, position{}, fmt.Errorf("failed to acquire lease %q: %w", k.processor, err)
	}
	return held, continuation, nil
}

// renew extends the lease expiry. Returns false when ownership was lost.
func (k *leaseKeeper) renew(ctx context.Context) (bool, error) {
	renewed := false
	err := k.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		renewed = false
		snap, err := tx.Get(k.ref())
		if err != nil {
			return err
		}
		var state leaseState
		if err := snap.DataTo(&state); err != nil {
			return fmt.Errorf("failed to decode lease %q: %w", k.processor, err)
		}
		if state.Owner != k.instance {
			return nil
		}
		state.ExpiresAtEpochMs = time.Now().Add(k.duration).UnixMilli()
		if err := tx.Set(k.ref(), state); err != nil {
			return err
		}
		renewed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to renew lease %q: %w", k.processor, err)
	}
	return renewed, nil
}

// checkpoint durably records the continuation. Committing only after the
// batch handler returned means a crash mid-batch causes redelivery, never
// silent loss.
func (k *leaseKeeper) checkpoint(ctx context.Context, continuation position) error {
	err := k.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(k.ref())
		if err != nil {
			return err
		}
		var state leaseState
		if err := snap.DataTo(&state); err != nil {
			return fmt.Errorf("failed to decode lease %q: %w", k.processor, err)
		}
		if state.Owner != k.instance {
			return fmt.Errorf("lease %q is no longer owned by %q", k.processor, k.instance)
		}
		state.Continuation = continuation.Ts
		state.ContinuationDocID = continuation.DocID
		state.ExpiresAtEpochMs = time.Now().Add(k.duration).UnixMilli()
		return tx.Set(k.ref(), state)
	})
	if err != nil {
		return fmt.Errorf("failed to checkpoint lease %q: %w", k.processor, err)
	}
	return nil
}

// release gives up the lease without touching the continuation, so the next
// owner resumes from the durable checkpoint.
func (k *leaseKeeper) release(ctx context.Context) error {
	err := k.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(k.ref())
		if err != nil {
			return err
		}
		var state leaseState
		if err := snap.DataTo(&state); err != nil {
			return fmt.Errorf("failed to decode lease %q: %w", k.processor, err)
		}
		if state.Owner != k.instance {
			return nil
		}
		state.Owner = ""
		state.ExpiresAtEpochMs = 0
		return tx.Set(k.ref(), state)
	})
	if err != nil {
		return fmt.Errorf("failed to release lease %q: %w", k.processor, err)
	}
	return nil
}
