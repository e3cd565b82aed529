package mongodb

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/teaching-identity/idp/domain"
)

// UserRepository implements domain.UserRepository. Unique indexes on email,
// mobile number and TRN are the final backstop against duplicate accounts;
// duplicate-key errors are translated into domain conflicts at the write
// site so callers never see a driver error.
type UserRepository struct {
	users *mongo.Collection
	Now   func() time.Time
}

// NewUserRepository creates the repository and ensures its indexes.
func NewUserRepository(ctx context.Context, db *mongo.Database) (*UserRepository, error) {
	repo := &UserRepository{
		users: db.Collection(UsersCollection),
		Now:   time.Now,
	}
	if err := repo.createIndexes(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to create user indexes (may already exist)")
	}
	return repo, nil
}

func (r *UserRepository) createIndexes(ctx context.Context) error {
	_, err := r.users.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true).SetCollation(&options.Collation{Locale: "en", Strength: 2}),
		},
		{
			Keys:    bson.D{{Key: "mobile_number", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
		{
			Keys:    bson.D{{Key: "trn", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
	})
	return err
}

func (r *UserRepository) CreateUser(ctx context.Context, user *domain.User) error {
	now := r.Now().UTC()
	if user.RegisteredAt.IsZero() {
		user.RegisteredAt = now
	}
	user.UpdatedAt = now
	if user.TrnVerificationLevel == "" {
		user.TrnVerificationLevel = domain.TrnVerificationNone
	}

	if _, err := r.users.InsertOne(ctx, user); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return duplicateKeyConflict(err)
		}
		log.Error().Err(err).Str("userID", user.ID).Msg("Error creating user")
		return err
	}
	return nil
}

func (r *UserRepository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *UserRepository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.findOne(ctx, bson.M{"email": domain.NormalizeEmail(email)})
}

func (r *UserRepository) GetUserByTrn(ctx context.Context, trn string) (*domain.User, error) {
	return r.findOne(ctx, bson.M{"trn": trn})
}

func (r *UserRepository) UpdateUser(ctx context.Context, user *domain.User) error {
	if user.ID == "" {
		return errors.New("user ID is required for update")
	}
	user.UpdatedAt = r.Now().UTC()

	res, err := r.users.ReplaceOne(ctx, bson.M{"_id": user.ID}, user)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return duplicateKeyConflict(err)
		}
		log.Error().Err(err).Str("userID", user.ID).Msg("Error updating user")
		return err
	}
	if res.MatchedCount == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

func (r *UserRepository) findOne(ctx context.Context, filter bson.M) (*domain.User, error) {
	var user domain.User
	err := r.users.FindOne(ctx, filter).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrUserNotFound
		}
		log.Error().Err(err).Msg("Error loading user")
		return nil, err
	}
	return &user, nil
}

// duplicateKeyConflict maps a duplicate-key error to the field-specific
// domain conflict by inspecting the violated index name.
func duplicateKeyConflict(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "trn"):
		return domain.ErrDuplicateTrn
	case strings.Contains(msg, "mobile_number"):
		return domain.ErrDuplicateMobile
	default:
		return domain.ErrDuplicateEmail
	}
}

var _ domain.UserRepository = (*UserRepository)(nil)
