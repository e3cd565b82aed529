// Package claims maps a completed authentication into the claim sets the
// OAuth collaborator attaches to sessions and tokens. Issuance is
// idempotent and side-effect-free.
package claims

import (
	"strconv"
	"strings"

	"github.com/teaching-identity/idp/domain"
)

// Claim is one name/value pair of an issued claim set.
type Claim struct {
	Type  string
	Value string
}

// ClaimSet is an ordered list of claims.
type ClaimSet []Claim

// Get returns the first claim of the given type.
func (c ClaimSet) Get(claimType string) (string, bool) {
	for _, claim := range c {
		if claim.Type == claimType {
			return claim.Value, true
		}
	}
	return "", false
}

// Claim types issued by this provider. The trn claim and its companions are
// provider-specific; the rest follow standard OIDC naming.
const (
	TypeSubject         = "sub"
	TypeEmail           = "email"
	TypeEmailVerified   = "email_verified"
	TypeName            = "name"
	TypeGivenName       = "given_name"
	TypeFamilyName      = "family_name"
	TypeMiddleName      = "middle_name"
	TypePreferredName   = "preferred_username"
	TypeBirthdate       = "birthdate"
	TypePhoneNumber     = "phone_number"
	TypePhoneVerified   = "phone_number_verified"
	TypeUserType        = "user_type"
	TypeStaffRole       = "role"
	TypeTrn             = "trn"
	TypeTrnMatchLevel   = "trn_match_level"
	TypePreviousUserID  = "previous_user_id"
)

const birthdateFormat = "2006-01-02"

// Issuer produces internal (cookie-session) and public (OAuth token) claim
// sets from a registered user.
type Issuer struct{}

func NewIssuer() *Issuer { return &Issuer{} }

// InternalClaims is the claim set for the provider's own session. It is
// independent of whatever the relying client requested.
func (i *Issuer) InternalClaims(u *domain.User) ClaimSet {
	set := ClaimSet{
		{TypeSubject, u.ID},
		{TypeEmail, u.Email},
		{TypeEmailVerified, "true"},
		{TypeName, u.Name()},
		{TypeGivenName, u.FirstName},
		{TypeFamilyName, u.LastName},
		{TypeUserType, string(u.UserType)},
	}
	if u.PreferredName != nil {
		set = append(set, Claim{TypePreferredName, *u.PreferredName})
	}
	if u.DateOfBirth != nil {
		set = append(set, Claim{TypeBirthdate, u.DateOfBirth.Format(birthdateFormat)})
	}
	if u.Trn != nil {
		set = append(set, Claim{TypeTrn, *u.Trn})
		set = append(set, Claim{TypeTrnMatchLevel, strings.ToLower(string(u.TrnVerificationLevel))})
	}
	for _, role := range u.StaffRoles {
		set = append(set, Claim{TypeStaffRole, role})
	}
	return set
}

// PublicClaims is the claim set for tokens handed to relying clients. Every
// optional claim is gated behind its OAuth scope via hasScope; nothing is
// emitted without a positive scope check, so missing scopes fail closed.
func (i *Issuer) PublicClaims(u *domain.User, hasScope func(scope string) bool) ClaimSet {
	set := ClaimSet{{TypeSubject, u.ID}}

	if hasScope(domain.ScopeEmail) {
		set = append(set,
			Claim{TypeEmail, u.Email},
			Claim{TypeEmailVerified, "true"},
		)
	}
	if hasScope(domain.ScopeProfile) {
		set = append(set,
			Claim{TypeName, u.Name()},
			Claim{TypeGivenName, u.FirstName},
			Claim{TypeFamilyName, u.LastName},
		)
		if u.MiddleName != nil {
			set = append(set, Claim{TypeMiddleName, *u.MiddleName})
		}
		if u.PreferredName != nil {
			set = append(set, Claim{TypePreferredName, *u.PreferredName})
		}
		if u.DateOfBirth != nil {
			set = append(set, Claim{TypeBirthdate, u.DateOfBirth.Format(birthdateFormat)})
		}
	}
	if hasScope(domain.ScopePhone) && u.MobileNumber != nil {
		set = append(set,
			Claim{TypePhoneNumber, *u.MobileNumber},
			Claim{TypePhoneVerified, strconv.FormatBool(true)},
		)
	}
	if hasScope(domain.ScopeTrn) && u.Trn != nil {
		set = append(set,
			Claim{TypeTrn, *u.Trn},
			Claim{TypeTrnMatchLevel, strings.ToLower(string(u.TrnVerificationLevel))},
		)
	}
	if hasScope(domain.ScopeLegacyIDs) {
		for _, id := range u.MergedUserIDs {
			set = append(set, Claim{TypePreviousUserID, id})
		}
	}
	return set
}
