// Package api exposes the journey engine over HTTP. Handlers are thin
// drivers: they load state, run one transition, persist, and report where
// the journey goes next. Page rendering belongs to the relying frontend.
package api

import (
	stderrors "errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/teaching-identity/idp/claims"
	"github.com/teaching-identity/idp/domain"
	idperrors "github.com/teaching-identity/idp/errors"
	"github.com/teaching-identity/idp/internal/otp"
	"github.com/teaching-identity/idp/journey"
	"github.com/teaching-identity/idp/matching"
	"github.com/teaching-identity/idp/services"
)

const dateFormat = "2006-01-02"

// Handlers wires the journey engine, verification services and claims
// issuer into HTTP endpoints.
type Handlers struct {
	journeys *services.JourneyService
	users    *services.UserService
	engine   *journey.Engine
	pins     *otp.Service
	matcher  *matching.Matcher
	issuer   *claims.Issuer
	Now      func() time.Time
}

func NewHandlers(
	journeys *services.JourneyService,
	users *services.UserService,
	engine *journey.Engine,
	pins *otp.Service,
	matcher *matching.Matcher,
	issuer *claims.Issuer,
) *Handlers {
	return &Handlers{
		journeys: journeys,
		users:    users,
		engine:   engine,
		pins:     pins,
		matcher:  matcher,
		issuer:   issuer,
		Now:      time.Now,
	}
}

// Register mounts all routes.
func (h *Handlers) Register(e *echo.Echo) {
	e.POST("/journeys", h.startJourney)
	e.GET("/steps/:step", h.getStep)

	e.POST("/steps/email", h.postEmail)
	e.POST("/steps/institution-email", h.postInstitutionEmail)
	e.POST("/steps/email-confirmation", h.postEmailConfirmation)
	e.POST("/steps/password", h.postStaffPassword)
	e.POST("/steps/name", h.postName)
	e.POST("/steps/previous-name", h.postPreviousName)
	e.POST("/steps/preferred-name", h.postPreferredName)
	e.POST("/steps/date-of-birth", h.postDateOfBirth)
	e.POST("/steps/phone", h.postPhone)
	e.POST("/steps/phone-confirmation", h.postPhoneConfirmation)
	e.POST("/steps/have-nino", h.postHasNino)
	e.POST("/steps/nino", h.postNino)
	e.POST("/steps/have-trn", h.postHasTrn)
	e.POST("/steps/trn", h.postTrn)
	e.POST("/steps/awarded-qts", h.postAwardedQts)
	e.POST("/steps/check-answers", h.postCheckAnswers)
	e.POST("/steps/trn-in-use", h.postTrnInUse)
	e.POST("/steps/no-match", h.postNoMatch)

	e.GET("/users/:id/claims", h.getClaims)
}

type startJourneyRequest struct {
	JourneyType  string `json:"journey_type"`
	StaffUser    bool   `json:"staff_user"`
	TrnHolder    bool   `json:"trn_holder"`
	MatchPolicy  string `json:"match_policy,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	Scope        string `json:"scope,omitempty"`
	RedirectURI  string `json:"redirect_uri,omitempty"`
	ResponseMode string `json:"response_mode,omitempty"`
	AuthorizeURL string `json:"authorization_url,omitempty"`
}

// startJourney is called by the OAuth collaborator (or the landing page for
// direct access) when a request first requires authentication.
func (h *Handlers) startJourney(c echo.Context) error {
	var req startJourneyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	jt := domain.JourneyType(req.JourneyType)
	switch jt {
	case domain.JourneySignIn, domain.JourneyRegistration, domain.JourneyElevation, domain.JourneyStaff:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown journey type")
	}

	var requirements domain.UserRequirements
	if req.StaffUser {
		requirements |= domain.RequireStaffUserType
	} else {
		requirements |= domain.RequireDefaultUserType
	}
	if req.TrnHolder {
		requirements |= domain.RequireTrnHolder
	}

	var oauth *domain.OAuthState
	if req.ClientID != "" {
		oauth = &domain.OAuthState{
			ClientID:         req.ClientID,
			Scope:            req.Scope,
			RedirectURI:      req.RedirectURI,
			ResponseMode:     req.ResponseMode,
			AuthorizationURL: req.AuthorizeURL,
		}
	}

	state, err := h.journeys.StartJourney(c.Request().Context(), jt, requirements, domain.TrnMatchPolicy(req.MatchPolicy), oauth)
	if err != nil {
		return h.mapError(err)
	}
	return c.JSON(http.StatusCreated, map[string]string{
		"journey_id": state.JourneyID,
		"next_url":   h.engine.NextHopURL(state),
	})
}

// getStep is the per-request reachability gate: a step whose precondition
// fails is never rendered, the caller is redirected to the fallback.
func (h *Handlers) getStep(c echo.Context) error {
	state, err := h.loadJourney(c)
	if err != nil {
		return err
	}
	step := journey.Step(c.Param("step"))
	if !h.engine.CanAccess(state.JourneyType, step, state) {
		return c.Redirect(http.StatusFound, h.engine.FallbackURL(state.JourneyType, step, state))
	}
	resp := map[string]any{"step": string(step)}
	if prev, ok := h.engine.PreviousStepURL(state.JourneyType, step, state); ok {
		resp["previous_url"] = prev
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handlers) postEmail(c echo.Context) error {
	return h.submit(c, journey.StepEmail, func(c echo.Context, state *domain.AuthenticationState) error {
		var req struct {
			Email string `json:"email"`
		}
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if err := state.OnEmailSet(req.Email); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		if _, err := h.pins.GeneratePin(c.Request().Context(), domain.PinChannelEmail, *state.EmailAddress); err != nil {
			return h.mapError(err)
		}
		return nil
	})
}

func (h *Handlers) postInstitutionEmail(c echo.Context) error {
	return h.submit(c, journey.StepInstitutionEmail, func(c echo.Context, state *domain.AuthenticationState) error {
		var req struct {
			KeepEmail bool `json:"keep_email"`
		}
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if !req.KeepEmail {
			// The user will enter a personal address; send them back.
			return c.Redirect(http.StatusFound, h.engine.FallbackURL(state.JourneyType, journey.StepInstitutionEmail, state))
		}
		return state.OnInstitutionEmailChosen()
	})
}

func (h *Handlers) postEmailConfirmation(c echo.Context) error {
	return h.submit(c, journey.StepEmailConfirmation, func(c echo.Context, state *domain.AuthenticationState) error {
		var req struct {
			Code string `json:"code"`
		}
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		ctx := c.Request().Context()

		reasons, err := h.pins.VerifyPin(ctx, domain.PinChannelEmail, *state.EmailAddress, req.Code)
		if err != nil {
			return h.mapError(err)
		}
		if !reasons.Success() {
			return verificationError(reasons)
		}
		if err := state.OnEmailVerified(); err != nil {
			return h.mapError(err)
		}

		// A verified email belonging to an existing account signs that
		// account in; registration continues only for new addresses.
		if state.JourneyType != domain.JourneyElevation {
			_, err := h.users.SignInFromJourney(ctx, state)
			if err != nil && !stderrors.Is(err, domain.ErrUserNotFound) {
				return h.mapError(err)
			}
			if stderrors.Is(err, domain.ErrUserNotFound) && state.JourneyType == domain.JourneySignIn {
				return echo.NewHTTPError(http.StatusBadRequest, "no account exists for this email")
			}
		}
		return nil
	})
}

func (h *Handlers) postStaffPassword(c echo.Context) error {
	return h.submit(c, journey.StepStaffPassword, func(c echo.Context, state *domain.AuthenticationState) error {
		var req struct {
			Password string `json:"password"`
		}
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if _, err := h.users.VerifyStaffPassword(c.Request().Context(), *state.EmailAddress, req.Password); err != nil {
			return h.mapError(err)
		}
		return state.OnPasswordVerified()
	})
}

func (h *Handlers) postName(c echo.Context) error {
	return h.submit(c, journey.StepName, func(c echo.Context, state *domain.AuthenticationState) error {
		var req struct {
			FirstName  string `json:"first_name"`
			MiddleName string `json:"middle_name"`
			LastName   string `json:"last_name"`
		}
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if err := state.OnNameSet(req.FirstName, req.MiddleName, req.LastName); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return nil
	})
}

func (h *Handlers) postPreviousName(c echo.Context) error {
	return h.submit(c, journey.StepPreviousName, func(c echo.Context, state *domain.AuthenticationState) error {
		var req struct {
			HasPreviousName  bool   `json:"has_previous_name"`
			PreviousLastName string `json:"previous_last_name"`
		}
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if err := state.OnHasPreviousNameAnswered(req.HasPreviousName, req.PreviousLastName); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return nil
	})
}

func (h *Handlers) postPreferredName(c echo.Context) error {
	return h.submit(c, journey.StepPreferredName, func(c echo.Context, state *domain.AuthenticationState) error {
		var req struct {
			PreferredName string `json:"preferred_name"`
		}
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		state.OnPreferredNameSet(req.PreferredName)
		return nil
	})
}

func (h *Handlers) postDateOfBirth(c echo.Context) error {
	return h.submit(c, journey.StepDateOfBirth, func(c echo.Context, state *domain.AuthenticationState) error {
		var req struct {
			DateOfBirth string `json:"date_of_birth"`
		}
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		dob, err := time.Parse(dateFormat, req.DateOfBirth)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "date of birth must be YYYY-MM-DD")
		}
		if err := state.OnDateOfBirthSet(dob, h.Now()); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return nil
	})
}

func (h *Handlers) postPhone(c echo.Context) error {
	return h.submit(c, journey.StepPhone, func(c echo.Context, state *domain.AuthenticationState) error {
		var req struct {
			MobileNumber string `json:"mobile_number"`
		}
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if err := state.OnMobileSet(req.MobileNumber); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		if _, err := h.pins.GeneratePin(c.Request().Context(), domain.PinChannelSms, *state.MobileNumber); err != nil {
			return h.mapError(err)
		}
		return nil
	})
}

func (h *Handlers) postPhoneConfirmation(c echo.Context) error {
	return h.submit(c, journey.StepPhoneConfirmation, func(c echo.Context, state *domain.AuthenticationState) error {
		var req struct {
			Code string `json:"code"`
		}
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		reasons, err := h.pins.VerifyPin(c.Request().Context(), domain.PinChannelSms, *state.MobileNumber, req.Code)
		if err != nil {
			return h.mapError(err)
		}
		if !reasons.Success() {
			return verificationError(reasons)
		}
		return state.OnMobileVerified()
	})
}

func (h *Handlers) postHasNino(c echo.Context) error {
	return h.submit(c, journey.StepHasNino, func(c echo.Context, state *domain.AuthenticationState) error {
		var req struct {
			HasNino bool `json:"has_nino"`
		}
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		state.OnHasNinoAnswered(req.HasNino)
		return nil
	})
}

func (h *Handlers) postNino(c echo.Context) error {
	return h.submit(c, journey.StepNino, func(c echo.Context, state *domain.AuthenticationState) error {
		var req struct {
			Nino string `json:"nino"`
		}
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if err := state.OnNinoSet(req.Nino); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return nil
	})
}

func (h *Handlers) postHasTrn(c echo.Context) error {
	return h.submit(c, journey.StepHasTrn, func(c echo.Context, state *domain.AuthenticationState) error {
		var req struct {
			HasTrn bool `json:"has_trn"`
		}
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		state.OnHasTrnAnswered(req.HasTrn)
		return nil
	})
}

func (h *Handlers) postTrn(c echo.Context) error {
	return h.submit(c, journey.StepTrn, func(c echo.Context, state *domain.AuthenticationState) error {
		var req struct {
			Trn string `json:"trn"`
		}
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if err := state.OnStatedTrnSet(req.Trn); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return nil
	})
}

func (h *Handlers) postAwardedQts(c echo.Context) error {
	return h.submit(c, journey.StepAwardedQts, func(c echo.Context, state *domain.AuthenticationState) error {
		var req struct {
			AwardedQts bool `json:"awarded_qts"`
		}
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		state.OnAwardedQtsAnswered(req.AwardedQts)
		return nil
	})
}

// postCheckAnswers runs the registry match and, when the journey is a
// registration, creates the account. A TRN uniqueness race lost at the
// insert is converted into the same conflict outcome the matcher reports.
func (h *Handlers) postCheckAnswers(c echo.Context) error {
	return h.submit(c, journey.StepCheckAnswers, func(c echo.Context, state *domain.AuthenticationState) error {
		ctx := c.Request().Context()

		if state.TrnRequired() && !state.TrnResolutionConcluded() {
			result := h.matcher.Resolve(ctx, state, state.MatchPolicy)
			if err := state.OnTrnLookupCompleted(result); err != nil {
				return h.mapError(err)
			}
		}
		if state.TrnConflictEmail != nil {
			return nil // advance routes to trn-in-use
		}
		return h.finalizeUser(c, state)
	})
}

// postTrnInUse resolves a TRN ownership conflict: the user either signs in
// as the conflicting account or continues without the TRN.
func (h *Handlers) postTrnInUse(c echo.Context) error {
	return h.submit(c, journey.StepTrnInUse, func(c echo.Context, state *domain.AuthenticationState) error {
		var req struct {
			SignInAsExisting bool `json:"sign_in_as_existing"`
		}
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		state.OnExistingAccountChosen(req.SignInAsExisting)
		if req.SignInAsExisting {
			// The conflicting account must prove its own email; persist the
			// choice, then restart from the email step.
			if err := h.journeys.SaveJourney(c.Request().Context(), state); err != nil {
				return h.mapError(err)
			}
			return c.JSON(http.StatusOK, map[string]string{
				"next_url": h.engine.FallbackURL(state.JourneyType, journey.StepEmail, state),
			})
		}
		return h.finalizeUser(c, state)
	})
}

// postNoMatch lets an unmatched user continue without a TRN.
func (h *Handlers) postNoMatch(c echo.Context) error {
	return h.submit(c, journey.StepNoMatch, func(c echo.Context, state *domain.AuthenticationState) error {
		return h.finalizeUser(c, state)
	})
}

// getClaims serves the OAuth collaborator: internal claims for the
// provider's own session, public claims filtered by the token's scopes.
func (h *Handlers) getClaims(c echo.Context) error {
	user, err := h.users.GetUser(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.mapError(err)
	}

	audience := c.QueryParam("audience")
	if audience == "internal" {
		return c.JSON(http.StatusOK, claimsToJSON(h.issuer.InternalClaims(user)))
	}

	scope := &domain.OAuthState{Scope: c.QueryParam("scope")}
	set := h.issuer.PublicClaims(user, scope.HasScope)
	return c.JSON(http.StatusOK, claimsToJSON(set))
}

// finalizeUser binds a user to the journey: returning accounts sign in,
// elevation journeys raise the existing account's verification level, and
// registration journeys create the account.
func (h *Handlers) finalizeUser(c echo.Context, state *domain.AuthenticationState) error {
	ctx := c.Request().Context()

	if state.Complete() {
		// A returning account may have just concluded a Found match for a
		// TRN it did not hold yet; record it before the journey ends.
		if state.TrnLookupStatus == domain.TrnLookupFound && state.Trn != nil {
			if err := h.users.AttachTrnFromJourney(ctx, state, state.MatchPolicy); err != nil {
				return h.trnConflict(state, err)
			}
		}
		return nil
	}

	if state.JourneyType == domain.JourneyElevation {
		user, err := h.users.SignInFromJourney(ctx, state)
		if err != nil {
			return h.mapError(err)
		}
		if state.TrnLookupStatus == domain.TrnLookupFound {
			if err := h.users.ElevateVerification(ctx, user, domain.TrnLookupResult{
				Status: domain.TrnMatchFound,
				Trn:    *state.Trn,
			}); err != nil {
				return h.trnConflict(state, err)
			}
		}
		return nil
	}

	_, err := h.users.RegisterFromJourney(ctx, state, state.MatchPolicy)
	if err != nil {
		return h.trnConflict(state, err)
	}
	return nil
}

// trnConflict converts a storage-level TRN uniqueness violation into the
// conflict outcome, so a lost creation race reads exactly like a conflict
// the matcher found up front.
func (h *Handlers) trnConflict(state *domain.AuthenticationState, err error) error {
	var conflict *idperrors.TrnConflictError
	if stderrors.As(err, &conflict) {
		if applyErr := state.OnTrnLookupCompleted(domain.TrnLookupResult{
			Status:               domain.TrnMatchConflict,
			ConflictingUserEmail: conflict.ConflictingUserEmail,
		}); applyErr != nil {
			return h.mapError(applyErr)
		}
		return nil // advance routes to trn-in-use
	}
	return h.mapError(err)
}

// submit is the shared shape of every step submission: load, gate, mutate,
// persist, advance. fn returning a nil error means the transition applied
// and the journey advances from step.
func (h *Handlers) submit(c echo.Context, step journey.Step, fn func(echo.Context, *domain.AuthenticationState) error) error {
	state, err := h.loadJourney(c)
	if err != nil {
		return err
	}
	if !h.engine.CanAccess(state.JourneyType, step, state) {
		return c.Redirect(http.StatusFound, h.engine.FallbackURL(state.JourneyType, step, state))
	}

	if err := fn(c, state); err != nil {
		return err
	}
	if c.Response().Committed {
		return nil
	}

	ctx := c.Request().Context()
	if err := h.journeys.SaveJourney(ctx, state); err != nil {
		return h.mapError(err)
	}

	next, err := h.engine.Advance(state.JourneyType, step, state)
	if err != nil {
		return h.mapError(err)
	}
	if state.Complete() && h.engine.Terminal(state.JourneyType, step, state) {
		handoff, err := h.journeys.CompleteJourney(ctx, state)
		if err != nil {
			return h.mapError(err)
		}
		next = handoff
	}
	return c.JSON(http.StatusOK, map[string]string{"next_url": next})
}

func (h *Handlers) loadJourney(c echo.Context) (*domain.AuthenticationState, error) {
	state, err := h.journeys.LoadJourney(c.Request().Context(), c.QueryParam("journey_id"))
	if err != nil {
		return nil, h.mapError(err)
	}
	return state, nil
}

// mapError translates domain errors into HTTP status codes. Unknown errors
// stay opaque.
func (h *Handlers) mapError(err error) error {
	var ie *idperrors.IdentityError
	if stderrors.As(err, &ie) {
		switch ie.Code {
		case idperrors.RateLimited:
			return echo.NewHTTPError(http.StatusTooManyRequests, ie.Description)
		case idperrors.JourneyNotFound:
			return echo.NewHTTPError(http.StatusNotFound, ie.Description)
		case idperrors.Conflict:
			return echo.NewHTTPError(http.StatusConflict, ie.Description)
		case idperrors.InvalidCredentials, idperrors.VerificationFailed:
			return echo.NewHTTPError(http.StatusBadRequest, ie.Description)
		case idperrors.PreconditionFailed:
			return echo.NewHTTPError(http.StatusForbidden, ie.Description)
		}
	}
	if stderrors.Is(err, otp.ErrRateLimited) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "too many attempts, try again later")
	}
	if stderrors.Is(err, otp.ErrInvalidAddress) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid address")
	}
	if stderrors.Is(err, domain.ErrUserNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "user not found")
	}
	log.Error().Err(err).Msg("Unhandled error in step handler")
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}

// verificationError maps each failure reason to its own message so the
// frontend can tell "wrong code" from "expired" from "no code sent".
func verificationError(reasons otp.FailureReasons) error {
	switch {
	case reasons.Has(otp.ReasonRateLimited):
		return echo.NewHTTPError(http.StatusTooManyRequests, "too many attempts, request a new code later")
	case reasons.Has(otp.ReasonNoPin):
		return echo.NewHTTPError(http.StatusBadRequest, "no code has been sent to this address, request one first")
	case reasons.Has(otp.ReasonExpired):
		return echo.NewHTTPError(http.StatusBadRequest, "the code has expired, request a new one")
	case reasons.Has(otp.ReasonExhausted):
		return echo.NewHTTPError(http.StatusBadRequest, "the code has already been used, request a new one")
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "the code is not correct")
	}
}

func claimsToJSON(set claims.ClaimSet) []map[string]string {
	out := make([]map[string]string, 0, len(set))
	for _, claim := range set {
		out = append(out, map[string]string{"type": claim.Type, "value": claim.Value})
	}
	return out
}
