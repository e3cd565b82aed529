package domain

import "errors"

var (
	ErrJourneyNotFound = errors.New("journey not found")
	ErrPinNotFound     = errors.New("pin not found")
	ErrUserNotFound    = errors.New("user not found")

	// Uniqueness conflicts, translated from storage duplicate-key errors at
	// the write site so callers never see a driver error.
	ErrDuplicateEmail  = errors.New("email already in use")
	ErrDuplicateMobile = errors.New("mobile number already in use")
	ErrDuplicateTrn    = errors.New("trn already linked to another account")

	// Transition guard failures. A failed transition leaves the state untouched.
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrEmailNotSet         = errors.New("email address not set")
	ErrEmailNotVerified    = errors.New("email address not verified")
	ErrMobileNotSet        = errors.New("mobile number not set")
	ErrNameRequired        = errors.New("name is required")
	ErrBranchNotTaken      = errors.New("prerequisite answer not given")
	ErrIdentityIncomplete  = errors.New("mandatory identity attributes missing")
	ErrInvalidLookupResult = errors.New("invalid trn lookup result")

	ErrInvalidEmail       = errors.New("invalid email address")
	ErrInvalidMobile      = errors.New("invalid mobile number")
	ErrInvalidNino        = errors.New("invalid national insurance number")
	ErrInvalidTrn         = errors.New("invalid trn")
	ErrInvalidDateOfBirth = errors.New("invalid date of birth")
)
