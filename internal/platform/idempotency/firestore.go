package idempotency

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/meditationastro/medinow-orders/internal/platform/firestore"
)

const (
	defaultCollection = "idempotency_keys"
	// reserveTxTimeout keeps a contended key from holding the request past its own timeout.
	reserveTxTimeout = 5 * time.Second
)

// FirestoreStore keeps reservations in the `idempotency_keys` collection. Configure a Firestore TTL
// policy on `expiresAt` to garbage-collect old documents.
type FirestoreStore struct {
	provider   *pfirestore.Provider
	collection string
}

// NewFirestoreStore returns a store backed by provider.
func NewFirestoreStore(provider *pfirestore.Provider) *FirestoreStore {
	return &FirestoreStore{provider: provider, collection: defaultCollection}
}

type firestoreRecord struct {
	Fingerprint string    `firestore:"fingerprint"`
	Completed   bool      `firestore:"completed"`
	Status      int       `firestore:"status"`
	ContentType string    `firestore:"contentType"`
	Body        []byte    `firestore:"body"`
	ExpiresAt   time.Time `firestore:"expiresAt"`
}

func (r firestoreRecord) record() Record {
	return Record{
		Fingerprint: r.Fingerprint,
		Completed:   r.Completed,
		Status:      r.Status,
		ContentType: r.ContentType,
		Body:        r.Body,
		ExpiresAt:   r.ExpiresAt,
	}
}

// Reserve implements Store.
func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return Reservation{}, err
	}
	ref := client.Collection(s.collection).Doc(key)

	var result Reservation
	err = pfirestore.RunTransaction(ctx, client, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			var existing firestoreRecord
			if err := snap.DataTo(&existing); err != nil {
				return err
			}
			if now.Before(existing.ExpiresAt) {
				if existing.Fingerprint != fingerprint {
					return ErrFingerprintMismatch
				}
				result = Reservation{State: StatePending, Record: existing.record()}
				if existing.Completed {
					result.State = StateCompleted
				}
				return nil
			}
		}
		fresh := firestoreRecord{Fingerprint: fingerprint, ExpiresAt: now.Add(ttl)}
		result = Reservation{State: StateNew, Record: fresh.record()}
		return tx.Set(ref, fresh)
	}, pfirestore.WithTxAttempts(3), pfirestore.WithTxTimeout(reserveTxTimeout))
	if errors.Is(err, ErrFingerprintMismatch) {
		return Reservation{}, ErrFingerprintMismatch
	}
	return result, err
}

// Complete implements Store.
func (s *FirestoreStore) Complete(ctx context.Context, key string, record Record) error {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return err
	}
	_, err = client.Collection(s.collection).Doc(key).Set(ctx, firestoreRecord{
		Fingerprint: record.Fingerprint,
		Completed:   true,
		Status:      record.Status,
		ContentType: record.ContentType,
		Body:        record.Body,
		ExpiresAt:   record.ExpiresAt,
	})
	return pfirestore.WrapError("idempotency.complete", err)
}

// Release implements Store.
func (s *FirestoreStore) Release(ctx context.Context, key string) error {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return err
	}
	_, err = client.Collection(s.collection).Doc(key).Delete(ctx)
	return pfirestore.WrapError("idempotency.release", err)
}
