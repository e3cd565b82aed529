package domain

// TrnMatchPolicy controls how strictly registry matches must agree with the
// asserted identity attributes before being accepted. Selected per relying
// client.
type TrnMatchPolicy string

const (
	// MatchPolicyStrict requires name, date of birth and NI number (when the
	// user holds one) to all agree with the registry record.
	MatchPolicyStrict TrnMatchPolicy = "STRICT"
	// MatchPolicyDefault requires date of birth plus either last name or NI
	// number to agree.
	MatchPolicyDefault TrnMatchPolicy = "DEFAULT"
	// MatchPolicyLegacy accepts a last-name and date-of-birth match only, as
	// older clients did. Matches made this way carry a Low verification level.
	MatchPolicyLegacy TrnMatchPolicy = "LEGACY"
	// MatchPolicyTokenAsserted trusts a TRN asserted by a pre-verified token
	// and resolves it by direct registry lookup.
	MatchPolicyTokenAsserted TrnMatchPolicy = "TOKEN_ASSERTED"
)

// TrnMatchStatus is the outcome of one identity-matching attempt.
type TrnMatchStatus string

const (
	TrnMatchFound    TrnMatchStatus = "FOUND"
	TrnMatchPending  TrnMatchStatus = "PENDING"
	TrnMatchNone     TrnMatchStatus = "NONE"
	TrnMatchConflict TrnMatchStatus = "CONFLICT_WITH_EXISTING_USER"
)

// TrnLookupResult is the ephemeral value produced by the identity matcher.
type TrnLookupResult struct {
	Status            TrnMatchStatus
	Trn               string
	MatchedAttributes []string
	// ConflictingUserEmail is set only for CONFLICT_WITH_EXISTING_USER, and
	// is the only attribute of the other account ever surfaced.
	ConflictingUserEmail string
}
