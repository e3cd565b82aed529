// Package errors defines the user-facing error taxonomy of the identity
// provider. Codes map one-to-one to distinct outcomes a step handler can
// present; internal storage and driver errors never reach this package.
package errors

import "fmt"

// Standard error codes.
const (
	PreconditionFailed = "precondition_failed" // step visited before its prerequisites
	RateLimited        = "rate_limited"        // HTTP 429 equivalent
	JourneyNotFound    = "journey_not_found"   // unknown, forged or expired journey id
	VerificationFailed = "verification_failed" // wrong/expired/missing pin
	Conflict           = "conflict"            // duplicate email, mobile or TRN
	InvalidCredentials = "invalid_credentials" // staff password check failed
)

// IdentityError is a standardized error carried to the presentation layer.
type IdentityError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func NewPreconditionFailed(description string) *IdentityError {
	return &IdentityError{Code: PreconditionFailed, Description: description}
}

func NewRateLimited() *IdentityError {
	return &IdentityError{Code: RateLimited, Description: "too many attempts, try again later"}
}

func NewJourneyNotFound() *IdentityError {
	return &IdentityError{Code: JourneyNotFound, Description: "authentication journey not found or expired"}
}

func NewVerificationFailed(description string) *IdentityError {
	return &IdentityError{Code: VerificationFailed, Description: description}
}

func NewConflict(description string) *IdentityError {
	return &IdentityError{Code: Conflict, Description: description}
}

func NewInvalidCredentials() *IdentityError {
	return &IdentityError{Code: InvalidCredentials, Description: "invalid email or password"}
}

// TrnConflictError reports that the TRN a journey resolved to is already
// linked to another account. Only the owning account's email is carried, so
// the journey can offer "sign in as that account" without leaking anything
// else.
type TrnConflictError struct {
	ConflictingUserEmail string
}

func (e *TrnConflictError) Error() string {
	return "trn already linked to an existing account"
}
