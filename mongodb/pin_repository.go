package mongodb

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/teaching-identity/idp/domain"
)

// PinRepository implements domain.PinRepository. Consumption is a single
// conditional update so two concurrent verifications of the same code can
// never both succeed.
type PinRepository struct {
	pins *mongo.Collection
}

// NewPinRepository creates the repository and ensures its indexes. Expired
// records are garbage-collected by a TTL index on expires_at.
func NewPinRepository(ctx context.Context, db *mongo.Database) (*PinRepository, error) {
	repo := &PinRepository{pins: db.Collection(PinsCollection)}
	if err := repo.createIndexes(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to create pin indexes (may already exist)")
	}
	return repo, nil
}

func (r *PinRepository) createIndexes(ctx context.Context) error {
	_, err := r.pins.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "channel", Value: 1}, {Key: "address", Value: 1}, {Key: "issued_at", Value: -1}},
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	})
	return err
}

func (r *PinRepository) StorePin(ctx context.Context, pin *domain.OneTimePinRecord) error {
	if _, err := r.pins.InsertOne(ctx, pin); err != nil {
		// Never log the code itself.
		log.Error().Err(err).Str("channel", string(pin.Channel)).Msg("Error storing pin record")
		return err
	}
	return nil
}

func (r *PinRepository) LatestActivePin(ctx context.Context, channel domain.PinChannel, address string) (*domain.OneTimePinRecord, error) {
	filter := bson.M{
		"channel":     channel,
		"address":     address,
		"consumed_at": nil,
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "issued_at", Value: -1}})

	var record domain.OneTimePinRecord
	err := r.pins.FindOne(ctx, filter, opts).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrPinNotFound
		}
		log.Error().Err(err).Str("channel", string(channel)).Msg("Error loading pin record")
		return nil, err
	}
	return &record, nil
}

// ConsumePin marks the record consumed iff consumed_at is still null. A
// matched count of zero means a concurrent verification already consumed it.
func (r *PinRepository) ConsumePin(ctx context.Context, pinID string, now time.Time) (bool, error) {
	res, err := r.pins.UpdateOne(ctx,
		bson.M{"_id": pinID, "consumed_at": nil},
		bson.M{"$set": bson.M{"consumed_at": now.UTC()}},
	)
	if err != nil {
		log.Error().Err(err).Msg("Error consuming pin record")
		return false, err
	}
	return res.ModifiedCount == 1, nil
}

var _ domain.PinRepository = (*PinRepository)(nil)
