package mongodb

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/teaching-identity/idp/internal/ratelimit"
)

// RateLimitStore is a Mongo-backed fixed-window limiter for deployments
// without Redis. One counter row per (operation, subject, window); the
// increment-and-check is a single findOneAndUpdate upsert, so it is atomic
// per key.
type RateLimitStore struct {
	counters *mongo.Collection
	policies ratelimit.Policies
	Now      func() time.Time
}

type counterRow struct {
	ID        string    `bson:"_id"`
	Count     int64     `bson:"count"`
	ExpiresAt time.Time `bson:"expires_at"`
}

// NewRateLimitStore creates the store and ensures the window-expiry index.
func NewRateLimitStore(ctx context.Context, db *mongo.Database, policies ratelimit.Policies) (*RateLimitStore, error) {
	store := &RateLimitStore{
		counters: db.Collection(RateLimitCountersCollection),
		policies: policies,
		Now:      time.Now,
	}
	_, err := store.counters.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create rate limit index (may already exist)")
	}
	return store, nil
}

// Allow counts one attempt. Storage failures reject: the limiter must never
// admit more attempts than configured because its backend misbehaved.
func (s *RateLimitStore) Allow(ctx context.Context, op ratelimit.Operation, subject string) error {
	pol, ok := s.policies[op]
	if !ok {
		return nil
	}

	now := s.Now()
	key := ratelimit.BucketKey(op, subject, now, pol.Window)

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var row counterRow
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": key},
		bson.M{
			"$inc":         bson.M{"count": 1},
			"$setOnInsert": bson.M{"expires_at": now.Add(pol.Window).UTC()},
		},
		opts,
	).Decode(&row)
	if err != nil {
		log.Error().Err(err).Str("operation", string(op)).Msg("rate limit counter update failed, rejecting")
		return ratelimit.ErrLimitExceeded
	}

	if row.Count > pol.Limit {
		return ratelimit.ErrLimitExceeded
	}
	return nil
}

var _ ratelimit.Limiter = (*RateLimitStore)(nil)
