package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/teaching-identity/idp/claims"
	"github.com/teaching-identity/idp/domain"
	"github.com/teaching-identity/idp/internal/otp"
	"github.com/teaching-identity/idp/internal/ratelimit"
	"github.com/teaching-identity/idp/journey"
	"github.com/teaching-identity/idp/matching"
	"github.com/teaching-identity/idp/registry"
	"github.com/teaching-identity/idp/services"
)

// --- Mock Implementations ---

type MockJourneyRepository struct {
	mock.Mock
}

func (m *MockJourneyRepository) SaveJourney(ctx context.Context, state *domain.AuthenticationState) error {
	args := m.Called(ctx, state)
	return args.Error(0)
}

func (m *MockJourneyRepository) GetJourney(ctx context.Context, journeyID string) (*domain.AuthenticationState, error) {
	args := m.Called(ctx, journeyID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.AuthenticationState), args.Error(1)
}

func (m *MockJourneyRepository) DeleteJourney(ctx context.Context, journeyID string) error {
	args := m.Called(ctx, journeyID)
	return args.Error(0)
}

type MockUserRepository struct {
	mock.Mock
}

func (m *MockUserRepository) CreateUser(ctx context.Context, user *domain.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *MockUserRepository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

func (m *MockUserRepository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

func (m *MockUserRepository) GetUserByTrn(ctx context.Context, trn string) (*domain.User, error) {
	args := m.Called(ctx, trn)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

func (m *MockUserRepository) UpdateUser(ctx context.Context, user *domain.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

type MockPinRepository struct {
	mock.Mock
}

func (m *MockPinRepository) StorePin(ctx context.Context, record *domain.OneTimePinRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockPinRepository) LatestActivePin(ctx context.Context, channel domain.PinChannel, address string) (*domain.OneTimePinRecord, error) {
	args := m.Called(ctx, channel, address)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.OneTimePinRecord), args.Error(1)
}

func (m *MockPinRepository) ConsumePin(ctx context.Context, pinID string, now time.Time) (bool, error) {
	args := m.Called(ctx, pinID, now)
	return args.Bool(0), args.Error(1)
}

type MockRegistryClient struct {
	mock.Mock
}

func (m *MockRegistryClient) FindCandidates(ctx context.Context, q registry.Query) ([]registry.Record, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]registry.Record), args.Error(1)
}

func (m *MockRegistryClient) GetByTrn(ctx context.Context, trn string) (*registry.Record, error) {
	args := m.Called(ctx, trn)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*registry.Record), args.Error(1)
}

type allowAllLimiter struct{}

func (allowAllLimiter) Allow(context.Context, ratelimit.Operation, string) error { return nil }

// --- Test Harness ---

type testHarness struct {
	handlers *Handlers
	journeys *MockJourneyRepository
	users    *MockUserRepository
	pins     *MockPinRepository
	registry *MockRegistryClient
	echo     *echo.Echo
}

const handlerBaseURL = "https://id.example.org"

var handlerNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	journeyRepo := new(MockJourneyRepository)
	userRepo := new(MockUserRepository)
	pinRepo := new(MockPinRepository)
	registryClient := new(MockRegistryClient)

	engine := journey.NewEngine(journey.DefaultRegistry(journey.Options{}), handlerBaseURL, "/account")
	journeySvc := services.NewJourneyService(journeyRepo, engine)
	journeySvc.Now = func() time.Time { return handlerNow }
	userSvc := services.NewUserService(userRepo, allowAllLimiter{})
	userSvc.Now = func() time.Time { return handlerNow }
	pinSvc := otp.NewService(pinRepo, allowAllLimiter{}, otp.LogSender{}, 5, 2*time.Minute)
	pinSvc.Now = func() time.Time { return handlerNow }
	matcher := matching.NewMatcher(registryClient, userRepo)

	h := NewHandlers(journeySvc, userSvc, engine, pinSvc, matcher, claims.NewIssuer())
	h.Now = func() time.Time { return handlerNow }

	e := echo.New()
	h.Register(e)

	return &testHarness{handlers: h, journeys: journeyRepo, users: userRepo, pins: pinRepo, registry: registryClient, echo: e}
}

func (h *testHarness) do(method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	h.echo.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHandlers_StartJourney(t *testing.T) {
	t.Run("Creates a journey and reports the first hop", func(t *testing.T) {
		h := newHarness(t)
		h.journeys.On("SaveJourney", mock.Anything, mock.Anything).Return(nil).Once()

		rec := h.do(http.MethodPost, "/journeys", `{"journey_type":"REGISTRATION"}`)

		require.Equal(t, http.StatusCreated, rec.Code)
		body := decodeBody(t, rec)
		assert.NotEmpty(t, body["journey_id"])
		assert.Contains(t, body["next_url"], "/register/email?journey_id=")
		h.journeys.AssertExpectations(t)
	})

	t.Run("Unknown journey type", func(t *testing.T) {
		h := newHarness(t)
		rec := h.do(http.MethodPost, "/journeys", `{"journey_type":"NONSENSE"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandlers_GetStep(t *testing.T) {
	t.Run("Inaccessible step redirects to its fallback", func(t *testing.T) {
		h := newHarness(t)
		state := domain.NewAuthenticationState(domain.JourneyRegistration, domain.RequireDefaultUserType, "", nil, handlerNow)
		h.journeys.On("GetJourney", mock.Anything, state.JourneyID).Return(state, nil).Once()

		rec := h.do(http.MethodGet, "/steps/name?journey_id="+state.JourneyID, "")

		require.Equal(t, http.StatusFound, rec.Code)
		assert.Equal(t, handlerBaseURL+"/register/email?journey_id="+state.JourneyID, rec.Header().Get(echo.HeaderLocation))
	})

	t.Run("Accessible step reports back-navigation", func(t *testing.T) {
		h := newHarness(t)
		state := domain.NewAuthenticationState(domain.JourneyRegistration, domain.RequireDefaultUserType, "", nil, handlerNow)
		require.NoError(t, state.OnEmailSet("jane@example.com"))
		h.journeys.On("GetJourney", mock.Anything, state.JourneyID).Return(state, nil).Once()

		rec := h.do(http.MethodGet, "/steps/email-confirmation?journey_id="+state.JourneyID, "")

		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Contains(t, body["previous_url"], "/register/email?journey_id=")
	})

	t.Run("Missing journey id", func(t *testing.T) {
		h := newHarness(t)
		rec := h.do(http.MethodGet, "/steps/email", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandlers_PostEmail(t *testing.T) {
	t.Run("Sets the address, sends a pin, advances", func(t *testing.T) {
		h := newHarness(t)
		state := domain.NewAuthenticationState(domain.JourneyRegistration, domain.RequireDefaultUserType, "", nil, handlerNow)
		h.journeys.On("GetJourney", mock.Anything, state.JourneyID).Return(state, nil).Once()
		h.pins.On("StorePin", mock.Anything, mock.Anything).Return(nil).Once()
		h.journeys.On("SaveJourney", mock.Anything, state).Return(nil).Once()

		rec := h.do(http.MethodPost, "/steps/email?journey_id="+state.JourneyID, `{"email":"Jane@Example.com"}`)

		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Contains(t, body["next_url"], "/register/email-confirmation?journey_id=")
		require.NotNil(t, state.EmailAddress)
		assert.Equal(t, "jane@example.com", *state.EmailAddress)
		h.pins.AssertExpectations(t)
	})

	t.Run("Invalid email", func(t *testing.T) {
		h := newHarness(t)
		state := domain.NewAuthenticationState(domain.JourneyRegistration, domain.RequireDefaultUserType, "", nil, handlerNow)
		h.journeys.On("GetJourney", mock.Anything, state.JourneyID).Return(state, nil).Once()

		rec := h.do(http.MethodPost, "/steps/email?journey_id="+state.JourneyID, `{"email":"nope"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandlers_PostEmailConfirmation(t *testing.T) {
	activePin := func(address string) *domain.OneTimePinRecord {
		return &domain.OneTimePinRecord{
			ID:        "pin-1",
			Channel:   domain.PinChannelEmail,
			Address:   address,
			Code:      "12345",
			IssuedAt:  handlerNow.Add(-time.Minute),
			ExpiresAt: handlerNow.Add(time.Minute),
		}
	}

	t.Run("Correct code signs a returning user in and completes", func(t *testing.T) {
		h := newHarness(t)
		state := domain.NewAuthenticationState(domain.JourneySignIn, domain.RequireDefaultUserType, "", nil, handlerNow)
		require.NoError(t, state.OnEmailSet("jane@example.com"))

		h.journeys.On("GetJourney", mock.Anything, state.JourneyID).Return(state, nil).Once()
		h.pins.On("LatestActivePin", mock.Anything, domain.PinChannelEmail, "jane@example.com").Return(activePin("jane@example.com"), nil).Once()
		h.pins.On("ConsumePin", mock.Anything, "pin-1", mock.Anything).Return(true, nil).Once()
		h.users.On("GetUserByEmail", mock.Anything, "jane@example.com").Return(
			&domain.User{ID: "u-1", Email: "jane@example.com", UserType: domain.UserTypeDefault}, nil).Once()
		h.users.On("UpdateUser", mock.Anything, mock.Anything).Return(nil).Once()
		h.journeys.On("SaveJourney", mock.Anything, state).Return(nil).Once()
		h.journeys.On("DeleteJourney", mock.Anything, state.JourneyID).Return(nil).Once()

		rec := h.do(http.MethodPost, "/steps/email-confirmation?journey_id="+state.JourneyID, `{"code":"12345"}`)

		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, handlerBaseURL+"/account", body["next_url"])
		assert.True(t, state.Complete())
	})

	t.Run("Wrong code is a bad request and does not verify", func(t *testing.T) {
		h := newHarness(t)
		state := domain.NewAuthenticationState(domain.JourneySignIn, domain.RequireDefaultUserType, "", nil, handlerNow)
		require.NoError(t, state.OnEmailSet("jane@example.com"))

		h.journeys.On("GetJourney", mock.Anything, state.JourneyID).Return(state, nil).Once()
		h.pins.On("LatestActivePin", mock.Anything, domain.PinChannelEmail, "jane@example.com").Return(activePin("jane@example.com"), nil).Once()

		rec := h.do(http.MethodPost, "/steps/email-confirmation?journey_id="+state.JourneyID, `{"code":"99999"}`)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.False(t, state.EmailVerified)
	})

	t.Run("Sign-in with no account is rejected", func(t *testing.T) {
		h := newHarness(t)
		state := domain.NewAuthenticationState(domain.JourneySignIn, domain.RequireDefaultUserType, "", nil, handlerNow)
		require.NoError(t, state.OnEmailSet("nobody@example.com"))

		h.journeys.On("GetJourney", mock.Anything, state.JourneyID).Return(state, nil).Once()
		h.pins.On("LatestActivePin", mock.Anything, domain.PinChannelEmail, "nobody@example.com").Return(activePin("nobody@example.com"), nil).Once()
		h.pins.On("ConsumePin", mock.Anything, "pin-1", mock.Anything).Return(true, nil).Once()
		h.users.On("GetUserByEmail", mock.Anything, "nobody@example.com").Return(nil, domain.ErrUserNotFound).Once()

		rec := h.do(http.MethodPost, "/steps/email-confirmation?journey_id="+state.JourneyID, `{"code":"12345"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Sign-in with no account is rejected even when a trn is required", func(t *testing.T) {
		h := newHarness(t)
		state := domain.NewAuthenticationState(domain.JourneySignIn, domain.RequireDefaultUserType|domain.RequireTrnHolder, "", nil, handlerNow)
		require.NoError(t, state.OnEmailSet("nobody@example.com"))

		h.journeys.On("GetJourney", mock.Anything, state.JourneyID).Return(state, nil).Once()
		h.pins.On("LatestActivePin", mock.Anything, domain.PinChannelEmail, "nobody@example.com").Return(activePin("nobody@example.com"), nil).Once()
		h.pins.On("ConsumePin", mock.Anything, "pin-1", mock.Anything).Return(true, nil).Once()
		h.users.On("GetUserByEmail", mock.Anything, "nobody@example.com").Return(nil, domain.ErrUserNotFound).Once()

		rec := h.do(http.MethodPost, "/steps/email-confirmation?journey_id="+state.JourneyID, `{"code":"12345"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code,
			"an unknown email cannot walk the identity block: sign-in never collects the attributes registration needs")
	})
}

func TestHandlers_PostCheckAnswers(t *testing.T) {
	t.Run("Sign-in match is written back to the returning account", func(t *testing.T) {
		h := newHarness(t)
		state := domain.NewAuthenticationState(domain.JourneySignIn, domain.RequireDefaultUserType|domain.RequireTrnHolder, domain.MatchPolicyTokenAsserted, nil, handlerNow)
		require.NoError(t, state.OnEmailSet("jane@example.com"))
		require.NoError(t, state.OnEmailVerified())
		require.NoError(t, state.OnUserSignedIn(&domain.User{ID: "u-1", Email: "jane@example.com", UserType: domain.UserTypeDefault}))
		state.OnHasNinoAnswered(false)
		state.OnHasTrnAnswered(true)
		require.NoError(t, state.OnStatedTrnSet("1234567"))
		state.OnAwardedQtsAnswered(true)

		h.journeys.On("GetJourney", mock.Anything, state.JourneyID).Return(state, nil).Once()
		h.registry.On("GetByTrn", mock.Anything, "1234567").Return(&registry.Record{Trn: "1234567"}, nil).Once()
		h.users.On("GetUserByTrn", mock.Anything, "1234567").Return(nil, domain.ErrUserNotFound).Once()
		h.users.On("GetUserByID", mock.Anything, "u-1").Return(
			&domain.User{ID: "u-1", Email: "jane@example.com", UserType: domain.UserTypeDefault}, nil).Once()
		h.users.On("UpdateUser", mock.Anything, mock.MatchedBy(func(u *domain.User) bool {
			return u.ID == "u-1" && u.Trn != nil && *u.Trn == "1234567"
		})).Return(nil).Once()
		h.journeys.On("SaveJourney", mock.Anything, state).Return(nil).Once()
		h.journeys.On("DeleteJourney", mock.Anything, state.JourneyID).Return(nil).Once()

		rec := h.do(http.MethodPost, "/steps/check-answers?journey_id="+state.JourneyID, `{}`)

		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, handlerBaseURL+"/account", body["next_url"])
		require.NotNil(t, state.Trn)
		assert.Equal(t, "1234567", *state.Trn)
		h.users.AssertExpectations(t)
	})
}

func TestHandlers_PostTrnInUse(t *testing.T) {
	t.Run("Choosing the existing account persists the choice before restarting", func(t *testing.T) {
		h := newHarness(t)
		state := domain.NewAuthenticationState(domain.JourneyRegistration, domain.RequireDefaultUserType|domain.RequireTrnHolder, "", nil, handlerNow)
		require.NoError(t, state.OnTrnLookupCompleted(domain.TrnLookupResult{
			Status: domain.TrnMatchConflict, ConflictingUserEmail: "owner@example.com",
		}))

		h.journeys.On("GetJourney", mock.Anything, state.JourneyID).Return(state, nil).Once()
		h.journeys.On("SaveJourney", mock.Anything, state).Return(nil).Once()

		rec := h.do(http.MethodPost, "/steps/trn-in-use?journey_id="+state.JourneyID, `{"sign_in_as_existing":true}`)

		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Contains(t, body["next_url"], "/register/email?journey_id=")
		require.NotNil(t, state.ExistingAccountChosen)
		assert.True(t, *state.ExistingAccountChosen)
		h.journeys.AssertExpectations(t)
	})
}

func TestHandlers_GetClaims(t *testing.T) {
	trn := "1234567"
	user := &domain.User{
		ID:                   "u-1",
		Email:                "jane@example.com",
		FirstName:            "Jane",
		LastName:             "Doe",
		Trn:                  &trn,
		TrnVerificationLevel: domain.TrnVerificationHigh,
		UserType:             domain.UserTypeDefault,
	}

	claimTypes := func(body []map[string]string) []string {
		var types []string
		for _, c := range body {
			types = append(types, c["type"])
		}
		return types
	}

	t.Run("Public claims honor the token scope", func(t *testing.T) {
		h := newHarness(t)
		h.users.On("GetUserByID", mock.Anything, "u-1").Return(user, nil).Once()

		rec := h.do(http.MethodGet, "/users/u-1/claims?scope=openid+trn", "")

		require.Equal(t, http.StatusOK, rec.Code)
		var body []map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		types := claimTypes(body)
		assert.Contains(t, types, "sub")
		assert.Contains(t, types, "trn")
		assert.NotContains(t, types, "email", "email claim must not be issued without the email scope")
	})

	t.Run("Internal claims are scope independent", func(t *testing.T) {
		h := newHarness(t)
		h.users.On("GetUserByID", mock.Anything, "u-1").Return(user, nil).Once()

		rec := h.do(http.MethodGet, "/users/u-1/claims?audience=internal", "")

		require.Equal(t, http.StatusOK, rec.Code)
		var body []map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		types := claimTypes(body)
		assert.Contains(t, types, "email")
		assert.Contains(t, types, "trn")
	})

	t.Run("Unknown user", func(t *testing.T) {
		h := newHarness(t)
		h.users.On("GetUserByID", mock.Anything, "nobody").Return(nil, domain.ErrUserNotFound).Once()

		rec := h.do(http.MethodGet, "/users/nobody/claims", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
