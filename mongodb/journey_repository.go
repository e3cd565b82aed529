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

// JourneyRepository implements domain.JourneyRepository. Journeys expire a
// fixed TTL after they start; a Mongo TTL index garbage-collects expired
// rows, and GetJourney hides rows the collector has not reached yet.
type JourneyRepository struct {
	journeys *mongo.Collection
	ttl      time.Duration
	Now      func() time.Time
}

// NewJourneyRepository creates the repository and ensures its indexes.
func NewJourneyRepository(ctx context.Context, db *mongo.Database, ttl time.Duration) (*JourneyRepository, error) {
	repo := &JourneyRepository{
		journeys: db.Collection(JourneysCollection),
		ttl:      ttl,
		Now:      time.Now,
	}
	if err := repo.createIndexes(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to create journey indexes (may already exist)")
	}
	return repo, nil
}

func (r *JourneyRepository) createIndexes(ctx context.Context) error {
	_, err := r.journeys.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "started_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(r.ttl.Seconds())),
		},
	})
	return err
}

func (r *JourneyRepository) SaveJourney(ctx context.Context, state *domain.AuthenticationState) error {
	state.UpdatedAt = r.Now().UTC()
	opts := options.Replace().SetUpsert(true)
	if _, err := r.journeys.ReplaceOne(ctx, bson.M{"_id": state.JourneyID}, state, opts); err != nil {
		log.Error().Err(err).Str("journeyID", state.JourneyID).Msg("Error saving journey")
		return err
	}
	return nil
}

func (r *JourneyRepository) GetJourney(ctx context.Context, journeyID string) (*domain.AuthenticationState, error) {
	var state domain.AuthenticationState
	err := r.journeys.FindOne(ctx, bson.M{"_id": journeyID}).Decode(&state)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrJourneyNotFound
		}
		log.Error().Err(err).Str("journeyID", journeyID).Msg("Error loading journey")
		return nil, err
	}
	// The TTL monitor runs on a delay; an expired-but-present journey is
	// still treated as gone.
	if state.Expired(r.Now(), r.ttl) {
		return nil, domain.ErrJourneyNotFound
	}
	return &state, nil
}

func (r *JourneyRepository) DeleteJourney(ctx context.Context, journeyID string) error {
	if _, err := r.journeys.DeleteOne(ctx, bson.M{"_id": journeyID}); err != nil {
		log.Error().Err(err).Str("journeyID", journeyID).Msg("Error deleting journey")
		return err
	}
	return nil
}

var _ domain.JourneyRepository = (*JourneyRepository)(nil)
