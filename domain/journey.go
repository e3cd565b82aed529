package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// JourneyType selects the step graph a journey follows. It is fixed at
// journey creation time from the user requirements and OAuth scope.
type JourneyType string

const (
	JourneySignIn       JourneyType = "SIGN_IN"
	JourneyRegistration JourneyType = "REGISTRATION"
	JourneyElevation    JourneyType = "ELEVATION" // re-verification of a weakly verified identity
	JourneyStaff        JourneyType = "STAFF"
)

// UserType defines the kind of account a journey may result in.
type UserType string

const (
	UserTypeDefault UserType = "DEFAULT"
	UserTypeStaff   UserType = "STAFF"
)

// UserRequirements are flags describing what kind of user the relying
// client needs this journey to produce.
type UserRequirements uint8

const (
	RequireDefaultUserType UserRequirements = 1 << iota
	RequireStaffUserType
	RequireTrnHolder // client only accepts users already matched to a TRN
)

func (r UserRequirements) Has(flag UserRequirements) bool { return r&flag != 0 }

// TrnLookupStatus records how far TRN resolution has progressed for a journey.
type TrnLookupStatus string

const (
	TrnLookupNotStarted TrnLookupStatus = "NOT_STARTED"
	TrnLookupFound      TrnLookupStatus = "FOUND"
	TrnLookupPending    TrnLookupStatus = "PENDING" // lookup could not conclude; routed to support
	TrnLookupFailed     TrnLookupStatus = "FAILED"  // lookup concluded with no match
)

// OAuth scopes recognized by the claims issuer and the journey engine.
const (
	ScopeOpenID    = "openid"
	ScopeProfile   = "profile"
	ScopeEmail     = "email"
	ScopePhone     = "phone"
	ScopeTrn       = "trn"
	ScopeLegacyIDs = "legacy-ids"
)

// OAuthState captures the original authorization request so the OAuth
// exchange can resume once the journey completes. Absent for direct
// (non-OAuth) entry points.
type OAuthState struct {
	ClientID         string `bson:"client_id"`
	Scope            string `bson:"scope"`
	RedirectURI      string `bson:"redirect_uri"`
	ResponseMode     string `bson:"response_mode,omitempty"`
	AuthorizationURL string `bson:"authorization_url"`
}

// HasScope reports whether the space-delimited scope string contains name.
func (o *OAuthState) HasScope(name string) bool {
	if o == nil {
		return false
	}
	for _, s := range strings.Fields(o.Scope) {
		if s == name {
			return true
		}
	}
	return false
}

// AuthenticationState is the persistent record of one in-progress (or just
// completed) authentication journey. It is mutated only through the On*
// transition methods below; step handlers never assign fields directly.
// A journey is logically single-writer, so the struct carries no locking.
type AuthenticationState struct {
	JourneyID    string           `bson:"_id"`
	JourneyType  JourneyType      `bson:"journey_type"`
	Requirements UserRequirements `bson:"requirements"`
	MatchPolicy  TrnMatchPolicy   `bson:"match_policy"`
	StartedAt    time.Time        `bson:"started_at"`
	UpdatedAt    time.Time        `bson:"updated_at"`

	EmailAddress            *string         `bson:"email_address,omitempty"`
	EmailVerified           bool            `bson:"email_verified"`
	MobileNumber            *string         `bson:"mobile_number,omitempty"`
	MobileVerified          bool            `bson:"mobile_verified"`
	FirstName               *string         `bson:"first_name,omitempty"`
	MiddleName              *string         `bson:"middle_name,omitempty"`
	LastName                *string         `bson:"last_name,omitempty"`
	PreferredName           *string         `bson:"preferred_name,omitempty"`
	DateOfBirth             *time.Time      `bson:"date_of_birth,omitempty"`
	NationalInsuranceNumber *string         `bson:"national_insurance_number,omitempty"`
	StatedTrn               *string         `bson:"stated_trn,omitempty"`
	Trn                     *string         `bson:"trn,omitempty"`
	TrnLookupStatus         TrnLookupStatus `bson:"trn_lookup_status"`
	TrnConflictEmail        *string         `bson:"trn_conflict_email,omitempty"`
	UserID                  *string         `bson:"user_id,omitempty"`
	UserType                *UserType       `bson:"user_type,omitempty"`

	// PasswordVerified records the staff password check; staff journeys
	// require it before the email PIN second factor completes sign-in.
	PasswordVerified bool `bson:"password_verified"`

	// Branch flags. Tri-state (*bool) where the engine must distinguish
	// "not yet asked" from "answered no" when computing back-navigation.
	InstitutionEmailChosen bool    `bson:"institution_email_chosen"`
	ExistingAccountChosen  *bool   `bson:"existing_account_chosen,omitempty"`
	HasPreviousName        *bool   `bson:"has_previous_name,omitempty"`
	PreviousLastName       *string `bson:"previous_last_name,omitempty"`
	HasNino                *bool   `bson:"has_nino,omitempty"`
	HasTrn                 *bool   `bson:"has_trn,omitempty"`
	AwardedQts             *bool   `bson:"awarded_qts,omitempty"`

	OAuth *OAuthState `bson:"oauth,omitempty"`
}

// NewAuthenticationState starts a journey. oauth may be nil for direct
// access. policy is the relying client's matching policy; empty selects the
// default.
func NewAuthenticationState(jt JourneyType, req UserRequirements, policy TrnMatchPolicy, oauth *OAuthState, now time.Time) *AuthenticationState {
	if policy == "" {
		policy = MatchPolicyDefault
	}
	return &AuthenticationState{
		JourneyID:       uuid.NewString(),
		JourneyType:     jt,
		Requirements:    req,
		MatchPolicy:     policy,
		StartedAt:       now.UTC(),
		UpdatedAt:       now.UTC(),
		TrnLookupStatus: TrnLookupNotStarted,
		OAuth:           oauth,
	}
}

// Expired reports whether the journey has outlived ttl since it started.
func (s *AuthenticationState) Expired(now time.Time, ttl time.Duration) bool {
	return now.After(s.StartedAt.Add(ttl))
}

// OnEmailSet records the email the user wants verified. Changing the address
// discards any previous verification of it.
func (s *AuthenticationState) OnEmailSet(email string) error {
	email = NormalizeEmail(email)
	if err := ValidateEmail(email); err != nil {
		return err
	}
	if s.EmailAddress != nil && *s.EmailAddress == email {
		return nil
	}
	s.EmailAddress = &email
	s.EmailVerified = false
	s.InstitutionEmailChosen = false
	return nil
}

// OnInstitutionEmailChosen records that the user saw the institution-email
// interstitial and chose to continue with that address.
func (s *AuthenticationState) OnInstitutionEmailChosen() error {
	if s.EmailAddress == nil {
		return ErrEmailNotSet
	}
	s.InstitutionEmailChosen = true
	return nil
}

// OnEmailVerified marks the current email as proven via PIN.
func (s *AuthenticationState) OnEmailVerified() error {
	if s.EmailAddress == nil {
		return ErrEmailNotSet
	}
	s.EmailVerified = true
	return nil
}

// OnPasswordVerified records a successful staff password check.
func (s *AuthenticationState) OnPasswordVerified() error {
	if s.EmailAddress == nil {
		return ErrEmailNotSet
	}
	s.PasswordVerified = true
	return nil
}

// OnMobileSet records the mobile number the user wants verified.
func (s *AuthenticationState) OnMobileSet(number string) error {
	number = NormalizeMobile(number)
	if err := ValidateMobile(number); err != nil {
		return err
	}
	if s.MobileNumber != nil && *s.MobileNumber == number {
		return nil
	}
	s.MobileNumber = &number
	s.MobileVerified = false
	return nil
}

// OnMobileVerified marks the current mobile number as proven via PIN.
func (s *AuthenticationState) OnMobileVerified() error {
	if s.MobileNumber == nil {
		return ErrMobileNotSet
	}
	s.MobileVerified = true
	return nil
}

// OnNameSet records the user's official name. Middle name may be empty.
func (s *AuthenticationState) OnNameSet(first, middle, last string) error {
	first, middle, last = strings.TrimSpace(first), strings.TrimSpace(middle), strings.TrimSpace(last)
	if first == "" || last == "" {
		return ErrNameRequired
	}
	s.FirstName = &first
	s.LastName = &last
	if middle != "" {
		s.MiddleName = &middle
	} else {
		s.MiddleName = nil
	}
	return nil
}

// OnPreferredNameSet records the name the user wants to be addressed by.
func (s *AuthenticationState) OnPreferredNameSet(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		s.PreferredName = nil
		return
	}
	s.PreferredName = &name
}

// OnHasPreviousNameAnswered records whether the user held a different name
// before (used by registry matching). previousLastName is kept only on yes.
func (s *AuthenticationState) OnHasPreviousNameAnswered(has bool, previousLastName string) error {
	previousLastName = strings.TrimSpace(previousLastName)
	if has && previousLastName == "" {
		return ErrNameRequired
	}
	s.HasPreviousName = &has
	if has {
		s.PreviousLastName = &previousLastName
	} else {
		s.PreviousLastName = nil
	}
	return nil
}

// OnDateOfBirthSet records the user's date of birth.
func (s *AuthenticationState) OnDateOfBirthSet(dob time.Time, now time.Time) error {
	if err := ValidateDateOfBirth(dob, now); err != nil {
		return err
	}
	d := dob.UTC().Truncate(24 * time.Hour)
	s.DateOfBirth = &d
	return nil
}

// OnHasNinoAnswered records whether the user holds a National Insurance
// number. Answering no clears any previously captured number.
func (s *AuthenticationState) OnHasNinoAnswered(has bool) {
	s.HasNino = &has
	if !has {
		s.NationalInsuranceNumber = nil
	}
}

// OnNinoSet records the National Insurance number. Only legal after the
// user answered yes to holding one.
func (s *AuthenticationState) OnNinoSet(nino string) error {
	if s.HasNino == nil || !*s.HasNino {
		return ErrBranchNotTaken
	}
	nino = NormalizeNino(nino)
	if err := ValidateNino(nino); err != nil {
		return err
	}
	s.NationalInsuranceNumber = &nino
	return nil
}

// OnHasTrnAnswered records whether the user believes they have a TRN.
func (s *AuthenticationState) OnHasTrnAnswered(has bool) {
	s.HasTrn = &has
	if !has {
		s.StatedTrn = nil
	}
}

// OnStatedTrnSet records the TRN the user asserts is theirs. The asserted
// value never becomes the confirmed TRN without a registry match.
func (s *AuthenticationState) OnStatedTrnSet(trn string) error {
	if s.HasTrn == nil || !*s.HasTrn {
		return ErrBranchNotTaken
	}
	trn = NormalizeTrn(trn)
	if err := ValidateTrn(trn); err != nil {
		return err
	}
	s.StatedTrn = &trn
	return nil
}

// OnAwardedQtsAnswered records whether the user declares qualified teacher
// status. A yes keeps an empty registry result routed to support (Pending)
// instead of being treated as unmatched.
func (s *AuthenticationState) OnAwardedQtsAnswered(awarded bool) {
	s.AwardedQts = &awarded
}

// OnTrnLookupCompleted applies the matcher's outcome. A Found result must
// carry the confirmed TRN; any other result leaves the confirmed TRN unset.
func (s *AuthenticationState) OnTrnLookupCompleted(res TrnLookupResult) error {
	switch res.Status {
	case TrnMatchFound:
		if res.Trn == "" {
			return ErrInvalidLookupResult
		}
		trn := res.Trn
		s.Trn = &trn
		s.TrnLookupStatus = TrnLookupFound
		s.TrnConflictEmail = nil
	case TrnMatchPending:
		s.Trn = nil
		s.TrnLookupStatus = TrnLookupPending
	case TrnMatchNone:
		s.Trn = nil
		s.TrnLookupStatus = TrnLookupFailed
	case TrnMatchConflict:
		if res.ConflictingUserEmail == "" {
			return ErrInvalidLookupResult
		}
		email := res.ConflictingUserEmail
		s.Trn = nil
		s.TrnLookupStatus = TrnLookupFailed
		s.TrnConflictEmail = &email
	default:
		return ErrInvalidLookupResult
	}
	return nil
}

// OnExistingAccountChosen records whether the user elected to sign in as
// the already-existing account surfaced during the journey.
func (s *AuthenticationState) OnExistingAccountChosen(signInAsExisting bool) {
	s.ExistingAccountChosen = &signInAsExisting
}

// OnUserRegistered binds a freshly created user to the journey. The journey
// must already hold the mandatory attributes for the user's type.
func (s *AuthenticationState) OnUserRegistered(u *User) error {
	if u == nil || u.ID == "" {
		return ErrInvalidTransition
	}
	if !s.EmailVerified {
		return ErrEmailNotVerified
	}
	if u.UserType == UserTypeDefault && (s.FirstName == nil || s.LastName == nil || s.DateOfBirth == nil) {
		return ErrIdentityIncomplete
	}
	id := u.ID
	ut := u.UserType
	s.UserID = &id
	s.UserType = &ut
	return nil
}

// OnUserSignedIn binds an existing user to the journey and backfills the
// attributes the account has already proven.
func (s *AuthenticationState) OnUserSignedIn(u *User) error {
	if u == nil || u.ID == "" {
		return ErrInvalidTransition
	}
	if !s.EmailVerified {
		return ErrEmailNotVerified
	}
	id := u.ID
	ut := u.UserType
	s.UserID = &id
	s.UserType = &ut
	s.FirstName = cloneStr(u.FirstName)
	s.LastName = cloneStr(u.LastName)
	s.MiddleName = u.MiddleName
	s.DateOfBirth = u.DateOfBirth
	if u.Trn != nil {
		s.Trn = u.Trn
		s.TrnLookupStatus = TrnLookupFound
	}
	return nil
}

// TrnRequired reports whether this journey must conclude TRN resolution,
// either by client requirements or by the requested OAuth scope.
func (s *AuthenticationState) TrnRequired() bool {
	return s.Requirements.Has(RequireTrnHolder) || s.OAuth.HasScope(ScopeTrn)
}

// TrnResolutionConcluded reports whether the TRN sub-journey has reached a
// terminal outcome. Pending and Failed are terminal: the user is routed to
// support rather than blocked.
func (s *AuthenticationState) TrnResolutionConcluded() bool {
	return s.TrnLookupStatus != TrnLookupNotStarted
}

// Complete reports whether the journey has produced a signed-in user.
func (s *AuthenticationState) Complete() bool {
	return s.UserID != nil
}

func cloneStr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
