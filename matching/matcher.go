// Package matching applies a per-client matching policy to external
// registry results and the identity attributes a journey has accumulated,
// deciding whether the user is Found, Pending, unmatched, or in conflict
// with an account that already owns the matched TRN.
package matching

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/teaching-identity/idp/domain"
	"github.com/teaching-identity/idp/internal/metrics"
	"github.com/teaching-identity/idp/registry"
)

// Matcher resolves a journey's accumulated identity against the teacher
// registry. It never mutates the journey; callers apply the result through
// OnTrnLookupCompleted.
type Matcher struct {
	registry registry.Client
	users    domain.UserRepository
}

func NewMatcher(reg registry.Client, users domain.UserRepository) *Matcher {
	return &Matcher{registry: reg, users: users}
}

// Resolve runs the decision table for the given policy.
//
// A registry timeout or transport failure yields Pending, never None: the
// lookup merely could not complete, and no later step may treat the user as
// provably unmatched. The result is recorded once per request; there is no
// in-request retry.
func (m *Matcher) Resolve(ctx context.Context, state *domain.AuthenticationState, policy domain.TrnMatchPolicy) domain.TrnLookupResult {
	if policy == domain.MatchPolicyTokenAsserted {
		return m.resolveAsserted(ctx, state)
	}

	candidates, err := m.registry.FindCandidates(ctx, queryFromState(state))
	if err != nil {
		log.Warn().Err(err).Msg("registry candidate search failed, recording lookup as pending")
		metrics.RegistryLookupsTotal.WithLabelValues("pending").Inc()
		return domain.TrnLookupResult{Status: domain.TrnMatchPending}
	}

	var matched []registry.Record
	var matchedAttrs []string
	for _, c := range candidates {
		if attrs, ok := agrees(c, state, policy); ok {
			matched = append(matched, c)
			matchedAttrs = attrs
		}
	}

	switch len(matched) {
	case 1:
		return m.concludeFound(ctx, state, matched[0].Trn, matchedAttrs)
	case 0:
		// A stated TRN or declared QTS means the user believes a record
		// exists; route to manual resolution rather than "no match".
		if state.StatedTrn != nil || (state.AwardedQts != nil && *state.AwardedQts) {
			metrics.RegistryLookupsTotal.WithLabelValues("pending").Inc()
			return domain.TrnLookupResult{Status: domain.TrnMatchPending}
		}
		metrics.RegistryLookupsTotal.WithLabelValues("none").Inc()
		return domain.TrnLookupResult{Status: domain.TrnMatchNone}
	default:
		// Ambiguous matches are never auto-resolved.
		metrics.RegistryLookupsTotal.WithLabelValues("ambiguous").Inc()
		return domain.TrnLookupResult{Status: domain.TrnMatchNone}
	}
}

// resolveAsserted trusts a TRN asserted by a pre-verified token and resolves
// it by direct lookup.
func (m *Matcher) resolveAsserted(ctx context.Context, state *domain.AuthenticationState) domain.TrnLookupResult {
	if state.StatedTrn == nil {
		return domain.TrnLookupResult{Status: domain.TrnMatchNone}
	}
	record, err := m.registry.GetByTrn(ctx, *state.StatedTrn)
	if err != nil {
		log.Warn().Err(err).Msg("registry trn lookup failed, recording lookup as pending")
		metrics.RegistryLookupsTotal.WithLabelValues("pending").Inc()
		return domain.TrnLookupResult{Status: domain.TrnMatchPending}
	}
	if record == nil {
		metrics.RegistryLookupsTotal.WithLabelValues("pending").Inc()
		return domain.TrnLookupResult{Status: domain.TrnMatchPending}
	}
	return m.concludeFound(ctx, state, record.Trn, []string{"trn"})
}

// concludeFound checks TRN ownership before reporting Found. Only the
// conflicting account's email is ever surfaced. The storage-layer uniqueness
// constraint at account creation remains the final backstop for races that
// slip past this check.
func (m *Matcher) concludeFound(ctx context.Context, state *domain.AuthenticationState, trn string, attrs []string) domain.TrnLookupResult {
	owner, err := m.users.GetUserByTrn(ctx, trn)
	switch {
	case err == nil:
		if state.UserID == nil || owner.ID != *state.UserID {
			metrics.RegistryLookupsTotal.WithLabelValues("conflict").Inc()
			return domain.TrnLookupResult{
				Status:               domain.TrnMatchConflict,
				ConflictingUserEmail: owner.Email,
			}
		}
	case errors.Is(err, domain.ErrUserNotFound):
		// No owner; the match stands.
	default:
		log.Error().Err(err).Msg("trn ownership check failed, recording lookup as pending")
		metrics.RegistryLookupsTotal.WithLabelValues("pending").Inc()
		return domain.TrnLookupResult{Status: domain.TrnMatchPending}
	}

	metrics.RegistryLookupsTotal.WithLabelValues("found").Inc()
	return domain.TrnLookupResult{
		Status:            domain.TrnMatchFound,
		Trn:               trn,
		MatchedAttributes: attrs,
	}
}

func queryFromState(state *domain.AuthenticationState) registry.Query {
	q := registry.Query{}
	if state.FirstName != nil {
		q.FirstName = *state.FirstName
	}
	if state.LastName != nil {
		q.LastName = *state.LastName
	}
	if state.PreviousLastName != nil {
		q.PreviousLastName = *state.PreviousLastName
	}
	if state.DateOfBirth != nil {
		q.DateOfBirth = state.DateOfBirth
	}
	if state.NationalInsuranceNumber != nil {
		q.NationalInsuranceNumber = *state.NationalInsuranceNumber
	}
	if state.StatedTrn != nil {
		q.Trn = *state.StatedTrn
	}
	if state.EmailAddress != nil {
		q.EmailAddress = *state.EmailAddress
	}
	return q
}

// agrees reports whether a registry record satisfies the policy against the
// journey's asserted attributes, and which attributes agreed.
func agrees(r registry.Record, state *domain.AuthenticationState, policy domain.TrnMatchPolicy) ([]string, bool) {
	var attrs []string

	firstName := nameMatches(r.FirstName, state.FirstName)
	lastName := lastNameMatches(r, state)
	dob := dateOfBirthMatches(r, state)
	nino := ninoMatches(r, state)
	trn := state.StatedTrn == nil || *state.StatedTrn == r.Trn

	if firstName {
		attrs = append(attrs, "first_name")
	}
	if lastName {
		attrs = append(attrs, "last_name")
	}
	if dob {
		attrs = append(attrs, "date_of_birth")
	}
	if nino {
		attrs = append(attrs, "national_insurance_number")
	}

	switch policy {
	case domain.MatchPolicyStrict:
		if state.NationalInsuranceNumber != nil && !nino {
			return nil, false
		}
		return attrs, firstName && lastName && dob && trn
	case domain.MatchPolicyLegacy:
		return attrs, lastName && dob
	default: // MatchPolicyDefault
		return attrs, dob && (lastName || nino) && trn
	}
}

func nameMatches(recordName string, asserted *string) bool {
	if asserted == nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(recordName), strings.TrimSpace(*asserted))
}

func lastNameMatches(r registry.Record, state *domain.AuthenticationState) bool {
	if nameMatches(r.LastName, state.LastName) || nameMatches(r.LastName, state.PreviousLastName) {
		return true
	}
	for _, prev := range r.PreviousLastNames {
		if nameMatches(prev, state.LastName) || nameMatches(prev, state.PreviousLastName) {
			return true
		}
	}
	return false
}

func dateOfBirthMatches(r registry.Record, state *domain.AuthenticationState) bool {
	if r.DateOfBirth == nil || state.DateOfBirth == nil {
		return false
	}
	ry, rm, rd := r.DateOfBirth.Date()
	sy, sm, sd := state.DateOfBirth.Date()
	return ry == sy && rm == sm && rd == sd
}

func ninoMatches(r registry.Record, state *domain.AuthenticationState) bool {
	if state.NationalInsuranceNumber == nil || r.NationalInsuranceNumber == "" {
		return false
	}
	return domain.NormalizeNino(r.NationalInsuranceNumber) == *state.NationalInsuranceNumber
}
