package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/teaching-identity/idp/domain"
	idperrors "github.com/teaching-identity/idp/errors"
	"github.com/teaching-identity/idp/internal/metrics"
	"github.com/teaching-identity/idp/internal/ratelimit"
)

// UserService turns completed journeys into user accounts and signs
// returning users in. It is where storage uniqueness conflicts become
// domain outcomes.
type UserService struct {
	users   domain.UserRepository
	limiter ratelimit.Limiter
	Now     func() time.Time
}

func NewUserService(users domain.UserRepository, limiter ratelimit.Limiter) *UserService {
	return &UserService{
		users:   users,
		limiter: limiter,
		Now:     time.Now,
	}
}

// RegisterFromJourney creates the account a registration journey has
// accumulated and binds it to the journey.
//
// Two journeys racing to the same TRN are decided here: the unique index
// lets exactly one insert succeed, and the loser's duplicate-key violation
// is converted into the same ConflictWithExistingUser outcome the matcher
// would have reported, never a generic storage error.
func (s *UserService) RegisterFromJourney(ctx context.Context, state *domain.AuthenticationState, policy domain.TrnMatchPolicy) (*domain.User, error) {
	if !state.EmailVerified || state.EmailAddress == nil {
		return nil, idperrors.NewPreconditionFailed("email must be verified before registration")
	}
	if state.FirstName == nil || state.LastName == nil || state.DateOfBirth == nil {
		return nil, idperrors.NewPreconditionFailed("identity attributes incomplete")
	}

	user := &domain.User{
		ID:                      uuid.NewString(),
		Email:                   *state.EmailAddress,
		FirstName:               *state.FirstName,
		MiddleName:              state.MiddleName,
		LastName:                *state.LastName,
		PreferredName:           state.PreferredName,
		DateOfBirth:             state.DateOfBirth,
		MobileNumber:            verifiedMobile(state),
		NationalInsuranceNumber: state.NationalInsuranceNumber,
		UserType:                domain.UserTypeDefault,
		RegisteredAt:            s.Now().UTC(),
	}
	if state.Trn != nil {
		user.Trn = state.Trn
		user.TrnVerificationLevel = trnLevelForPolicy(policy)
	}

	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, s.translateConflict(ctx, err, state)
	}

	if err := state.OnUserRegistered(user); err != nil {
		return nil, err
	}
	metrics.UsersRegisteredTotal.Inc()
	log.Info().Str("userID", user.ID).Str("journeyID", state.JourneyID).Msg("User registered")
	return user, nil
}

// GetUser loads a user by ID, for claims issuance.
func (s *UserService) GetUser(ctx context.Context, id string) (*domain.User, error) {
	return s.users.GetUserByID(ctx, id)
}

// SignInFromJourney signs a returning user in once the journey has proven
// email ownership, and binds the account to the journey.
func (s *UserService) SignInFromJourney(ctx context.Context, state *domain.AuthenticationState) (*domain.User, error) {
	if !state.EmailVerified || state.EmailAddress == nil {
		return nil, idperrors.NewPreconditionFailed("email must be verified before sign-in")
	}
	user, err := s.users.GetUserByEmail(ctx, *state.EmailAddress)
	if err != nil {
		return nil, err
	}
	if err := state.OnUserSignedIn(user); err != nil {
		return nil, err
	}

	now := s.Now().UTC()
	user.LastSignedInAt = &now
	if err := s.users.UpdateUser(ctx, user); err != nil {
		log.Warn().Err(err).Str("userID", user.ID).Msg("Failed to record sign-in time")
	}
	return user, nil
}

// VerifyStaffPassword checks a staff account's password. Attempts are rate
// limited per email; failures reveal nothing about whether the account
// exists.
func (s *UserService) VerifyStaffPassword(ctx context.Context, email, password string) (*domain.User, error) {
	if err := s.limiter.Allow(ctx, ratelimit.OpStaffSignIn, domain.NormalizeEmail(email)); err != nil {
		if errors.Is(err, ratelimit.ErrLimitExceeded) {
			return nil, idperrors.NewRateLimited()
		}
		return nil, err
	}

	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return nil, idperrors.NewInvalidCredentials()
		}
		return nil, err
	}
	if user.UserType != domain.UserTypeStaff || user.PasswordHash == "" {
		return nil, idperrors.NewInvalidCredentials()
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, idperrors.NewInvalidCredentials()
	}
	return user, nil
}

// AttachTrnFromJourney writes a registry match concluded mid-journey onto
// the account the journey is already bound to. Returning users whose client
// demands a TRN land here when their account has not been matched yet.
func (s *UserService) AttachTrnFromJourney(ctx context.Context, state *domain.AuthenticationState, policy domain.TrnMatchPolicy) error {
	if state.UserID == nil {
		return idperrors.NewPreconditionFailed("journey is not bound to an account")
	}
	if state.TrnLookupStatus != domain.TrnLookupFound || state.Trn == nil {
		return idperrors.NewPreconditionFailed("no concluded registry match to record")
	}
	user, err := s.users.GetUserByID(ctx, *state.UserID)
	if err != nil {
		return err
	}
	if user.Trn != nil && *user.Trn == *state.Trn {
		return nil
	}

	trn := *state.Trn
	user.Trn = &trn
	user.TrnVerificationLevel = trnLevelForPolicy(policy)
	if err := s.users.UpdateUser(ctx, user); err != nil {
		return s.translateConflict(ctx, err, state)
	}
	log.Info().Str("userID", user.ID).Str("journeyID", state.JourneyID).Msg("Matched TRN recorded on existing account")
	return nil
}

// ElevateVerification records a re-verified TRN association on an existing
// account, raising its verification level to High.
func (s *UserService) ElevateVerification(ctx context.Context, user *domain.User, result domain.TrnLookupResult) error {
	if result.Status != domain.TrnMatchFound {
		return idperrors.NewPreconditionFailed("elevation requires a found registry match")
	}
	trn := result.Trn
	user.Trn = &trn
	user.TrnVerificationLevel = domain.TrnVerificationHigh
	if err := s.users.UpdateUser(ctx, user); err != nil {
		return s.translateConflict(ctx, err, nil)
	}
	return nil
}

// translateConflict maps uniqueness violations to their domain outcomes.
// For TRN conflicts the owning account's email is looked up so the journey
// can offer sign-in as that account.
func (s *UserService) translateConflict(ctx context.Context, err error, state *domain.AuthenticationState) error {
	switch {
	case errors.Is(err, domain.ErrDuplicateTrn):
		conflict := &idperrors.TrnConflictError{}
		if state != nil && state.Trn != nil {
			if owner, ownerErr := s.users.GetUserByTrn(ctx, *state.Trn); ownerErr == nil {
				conflict.ConflictingUserEmail = owner.Email
			}
		}
		return conflict
	case errors.Is(err, domain.ErrDuplicateEmail):
		return idperrors.NewConflict("email already in use")
	case errors.Is(err, domain.ErrDuplicateMobile):
		return idperrors.NewConflict("mobile number already in use")
	default:
		return err
	}
}

func verifiedMobile(state *domain.AuthenticationState) *string {
	if state.MobileVerified {
		return state.MobileNumber
	}
	return nil
}

func trnLevelForPolicy(policy domain.TrnMatchPolicy) domain.TrnVerificationLevel {
	if policy == domain.MatchPolicyLegacy {
		return domain.TrnVerificationLow
	}
	return domain.TrnVerificationHigh
}
