package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/teaching-identity/idp/domain"
	idperrors "github.com/teaching-identity/idp/errors"
	"github.com/teaching-identity/idp/internal/metrics"
	"github.com/teaching-identity/idp/journey"
)

// JourneyService owns journey lifecycle: creation with the right graph for
// the client's requirements, per-request reload, persistence after every
// mutation, and the terminal hand-off.
type JourneyService struct {
	journeys domain.JourneyRepository
	engine   *journey.Engine
	Now      func() time.Time
}

func NewJourneyService(journeys domain.JourneyRepository, engine *journey.Engine) *JourneyService {
	return &JourneyService{
		journeys: journeys,
		engine:   engine,
		Now:      time.Now,
	}
}

// StartJourney creates and persists a fresh journey. oauth is nil for
// direct (non-OAuth) entry points; policy is the relying client's matching
// policy.
func (s *JourneyService) StartJourney(ctx context.Context, jt domain.JourneyType, req domain.UserRequirements, policy domain.TrnMatchPolicy, oauth *domain.OAuthState) (*domain.AuthenticationState, error) {
	state := domain.NewAuthenticationState(jt, req, policy, oauth, s.Now())
	if err := s.journeys.SaveJourney(ctx, state); err != nil {
		return nil, err
	}
	metrics.JourneysStartedTotal.WithLabelValues(string(jt)).Inc()
	log.Info().Str("journeyID", state.JourneyID).Str("journeyType", string(jt)).Msg("Journey started")
	return state, nil
}

// LoadJourney reloads state by journey id. Malformed or forged ids come
// back as journey-not-found, never as a panic or an internal error, so the
// caller can restart the journey.
func (s *JourneyService) LoadJourney(ctx context.Context, journeyID string) (*domain.AuthenticationState, error) {
	if journeyID == "" {
		return nil, idperrors.NewJourneyNotFound()
	}
	state, err := s.journeys.GetJourney(ctx, journeyID)
	if err != nil {
		if errors.Is(err, domain.ErrJourneyNotFound) {
			return nil, idperrors.NewJourneyNotFound()
		}
		return nil, err
	}
	return state, nil
}

// SaveJourney persists state after a mutation. State is reloaded on every
// request, so nothing in memory is authoritative across requests.
func (s *JourneyService) SaveJourney(ctx context.Context, state *domain.AuthenticationState) error {
	return s.journeys.SaveJourney(ctx, state)
}

// CompleteJourney produces the final hand-off URL for a finished journey
// and destroys the journey record: the OAuth collaborator takes over from
// here. The journey must have produced a user.
func (s *JourneyService) CompleteJourney(ctx context.Context, state *domain.AuthenticationState) (string, error) {
	if !state.Complete() {
		return "", idperrors.NewPreconditionFailed("journey has not produced a signed-in user")
	}
	handoff := s.engine.NextHopURL(state)
	if err := s.journeys.DeleteJourney(ctx, state.JourneyID); err != nil {
		// The TTL collector will reap it; completion still succeeds.
		log.Warn().Err(err).Str("journeyID", state.JourneyID).Msg("Failed to delete completed journey")
	}
	metrics.JourneysCompletedTotal.WithLabelValues(string(state.JourneyType)).Inc()
	log.Info().Str("journeyID", state.JourneyID).Msg("Journey completed")
	return handoff, nil
}
