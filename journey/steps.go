package journey

import (
	"strings"

	"github.com/teaching-identity/idp/domain"
)

// DefaultRegistry builds the step graphs for all journey types. The graphs
// are data: each journey type is a value describing its steps, their
// preconditions and branch functions, selected at journey creation time.
func DefaultRegistry(opts Options) *Registry {
	r := &Registry{
		defs:               make(map[domain.JourneyType]*Definition),
		institutionDomains: make(map[string]struct{}, len(opts.InstitutionDomains)),
	}
	for _, d := range opts.InstitutionDomains {
		r.institutionDomains[strings.ToLower(d)] = struct{}{}
	}

	r.defs[domain.JourneyRegistration] = newDefinition(domain.JourneyRegistration, "/register", []StepDescriptor{
		r.emailStep(),
		r.institutionEmailStep(),
		r.emailConfirmationStep(func(s *domain.AuthenticationState) Step {
			if s.Complete() {
				return StepComplete
			}
			return StepName
		}),
		nameStep(),
		previousNameStep(),
		preferredNameStep(),
		dateOfBirthStep(func(s *domain.AuthenticationState) Step { return StepPhone }),
		phoneStep(),
		phoneConfirmationStep(),
		hasNinoStep(),
		ninoStep(),
		hasTrnStep(),
		trnStep(),
		awardedQtsStep(),
		checkAnswersStep(),
		trnInUseStep(),
		noMatchStep(),
		completeStep(),
	})

	// Sign-in covers returning users only: email ownership is re-proven and
	// the TRN block stays reachable for clients that demand a TRN the
	// account has not yet been matched to.
	r.defs[domain.JourneySignIn] = newDefinition(domain.JourneySignIn, "/sign-in", []StepDescriptor{
		r.emailStep(),
		r.institutionEmailStep(),
		r.emailConfirmationStep(func(s *domain.AuthenticationState) Step {
			if s.TrnRequired() && !s.TrnResolutionConcluded() {
				return TrnSubJourneyEntry
			}
			return StepComplete
		}),
		hasNinoStep(),
		ninoStep(),
		hasTrnStep(),
		trnStep(),
		awardedQtsStep(),
		checkAnswersStep(),
		trnInUseStep(),
		noMatchStep(),
		completeStep(),
	})

	// Elevation re-verifies a previously weakly verified identity: the user
	// re-proves email ownership and then walks the full identity block so
	// the registry match can be re-run at full strictness.
	r.defs[domain.JourneyElevation] = newDefinition(domain.JourneyElevation, "/elevate", []StepDescriptor{
		r.emailStep(),
		r.institutionEmailStep(),
		r.emailConfirmationStep(func(s *domain.AuthenticationState) Step { return StepName }),
		nameStep(),
		previousNameStep(),
		dateOfBirthStep(func(s *domain.AuthenticationState) Step { return StepHasNino }),
		hasNinoStep(),
		ninoStep(),
		hasTrnStep(),
		trnStep(),
		awardedQtsStep(),
		checkAnswersStep(),
		trnInUseStep(),
		noMatchStep(),
		completeStep(),
	})

	// Staff sign in with a password and an email PIN second factor.
	r.defs[domain.JourneyStaff] = newDefinition(domain.JourneyStaff, "/staff/sign-in", []StepDescriptor{
		{
			Step:         StepEmail,
			Precondition: func(*domain.AuthenticationState) bool { return true },
			Next:         func(*domain.AuthenticationState) Step { return StepStaffPassword },
			Fallback:     StepEmail,
		},
		{
			Step:         StepStaffPassword,
			Precondition: emailSet,
			Next:         func(*domain.AuthenticationState) Step { return StepEmailConfirmation },
			Fallback:     StepEmail,
		},
		{
			// The PIN second factor is only reachable once the password
			// check has passed.
			Step:         StepEmailConfirmation,
			Precondition: func(s *domain.AuthenticationState) bool { return emailSet(s) && s.PasswordVerified },
			Next:         func(*domain.AuthenticationState) Step { return StepComplete },
			Fallback:     StepStaffPassword,
		},
		completeStep(),
	})

	return r
}

func emailSet(s *domain.AuthenticationState) bool      { return s.EmailAddress != nil }
func emailVerified(s *domain.AuthenticationState) bool { return s.EmailVerified }

func (r *Registry) emailStep() StepDescriptor {
	return StepDescriptor{
		Step:         StepEmail,
		Precondition: func(*domain.AuthenticationState) bool { return true },
		Next: func(s *domain.AuthenticationState) Step {
			if r.isInstitutionEmail(s.EmailAddress) && !s.InstitutionEmailChosen {
				return StepInstitutionEmail
			}
			return StepEmailConfirmation
		},
		Fallback: StepEmail,
	}
}

func (r *Registry) institutionEmailStep() StepDescriptor {
	return StepDescriptor{
		Step: StepInstitutionEmail,
		Precondition: func(s *domain.AuthenticationState) bool {
			return emailSet(s) && r.isInstitutionEmail(s.EmailAddress)
		},
		Next:     func(*domain.AuthenticationState) Step { return StepEmailConfirmation },
		Fallback: StepEmail,
	}
}

func (r *Registry) emailConfirmationStep(next func(*domain.AuthenticationState) Step) StepDescriptor {
	return StepDescriptor{
		Step:         StepEmailConfirmation,
		Precondition: emailSet,
		Next:         next,
		Fallback:     StepEmail,
	}
}

func nameStep() StepDescriptor {
	return StepDescriptor{
		Step:         StepName,
		Precondition: emailVerified,
		Next:         func(*domain.AuthenticationState) Step { return StepPreviousName },
		Fallback:     StepEmail,
	}
}

func previousNameStep() StepDescriptor {
	return StepDescriptor{
		Step:         StepPreviousName,
		Precondition: func(s *domain.AuthenticationState) bool { return s.FirstName != nil },
		Next:         func(*domain.AuthenticationState) Step { return StepPreferredName },
		Fallback:     StepName,
	}
}

func preferredNameStep() StepDescriptor {
	return StepDescriptor{
		Step:         StepPreferredName,
		Precondition: func(s *domain.AuthenticationState) bool { return s.HasPreviousName != nil },
		Next:         func(*domain.AuthenticationState) Step { return StepDateOfBirth },
		Fallback:     StepPreviousName,
	}
}

func dateOfBirthStep(next func(*domain.AuthenticationState) Step) StepDescriptor {
	return StepDescriptor{
		Step:         StepDateOfBirth,
		Precondition: func(s *domain.AuthenticationState) bool { return s.FirstName != nil },
		Next:         next,
		Fallback:     StepName,
	}
}

func phoneStep() StepDescriptor {
	return StepDescriptor{
		Step:         StepPhone,
		Precondition: func(s *domain.AuthenticationState) bool { return s.DateOfBirth != nil },
		Next:         func(*domain.AuthenticationState) Step { return StepPhoneConfirmation },
		Fallback:     StepDateOfBirth,
	}
}

func phoneConfirmationStep() StepDescriptor {
	return StepDescriptor{
		Step:         StepPhoneConfirmation,
		Precondition: func(s *domain.AuthenticationState) bool { return s.MobileNumber != nil },
		Next: func(s *domain.AuthenticationState) Step {
			if s.TrnRequired() && !s.TrnResolutionConcluded() {
				return StepHasNino
			}
			return StepCheckAnswers
		},
		Fallback: StepPhone,
	}
}

func hasNinoStep() StepDescriptor {
	return StepDescriptor{
		Step:         StepHasNino,
		Precondition: emailVerified,
		Next: func(s *domain.AuthenticationState) Step {
			if s.HasNino != nil && *s.HasNino {
				return StepNino
			}
			return StepHasTrn
		},
		Fallback: StepEmail,
	}
}

func ninoStep() StepDescriptor {
	return StepDescriptor{
		Step:         StepNino,
		Precondition: func(s *domain.AuthenticationState) bool { return s.HasNino != nil && *s.HasNino },
		Next:         func(*domain.AuthenticationState) Step { return StepHasTrn },
		Fallback:     StepHasNino,
	}
}

func hasTrnStep() StepDescriptor {
	return StepDescriptor{
		Step:         StepHasTrn,
		Precondition: func(s *domain.AuthenticationState) bool { return s.HasNino != nil },
		Next: func(s *domain.AuthenticationState) Step {
			if s.HasTrn != nil && *s.HasTrn {
				return StepTrn
			}
			return StepAwardedQts
		},
		Fallback: StepHasNino,
	}
}

func trnStep() StepDescriptor {
	return StepDescriptor{
		Step:         StepTrn,
		Precondition: func(s *domain.AuthenticationState) bool { return s.HasTrn != nil && *s.HasTrn },
		Next:         func(*domain.AuthenticationState) Step { return StepAwardedQts },
		Fallback:     StepHasTrn,
	}
}

func awardedQtsStep() StepDescriptor {
	return StepDescriptor{
		Step:         StepAwardedQts,
		Precondition: func(s *domain.AuthenticationState) bool { return s.HasTrn != nil },
		Next:         func(*domain.AuthenticationState) Step { return StepCheckAnswers },
		Fallback:     StepHasTrn,
	}
}

func checkAnswersStep() StepDescriptor {
	return StepDescriptor{
		Step: StepCheckAnswers,
		Precondition: func(s *domain.AuthenticationState) bool {
			if !s.EmailVerified {
				return false
			}
			if s.TrnRequired() {
				return s.HasTrn != nil && s.AwardedQts != nil
			}
			return true
		},
		Next: func(s *domain.AuthenticationState) Step {
			switch {
			case s.TrnConflictEmail != nil:
				return StepTrnInUse
			case s.TrnLookupStatus == domain.TrnLookupFailed:
				return StepNoMatch
			default:
				return StepComplete
			}
		},
		Fallback: StepHasNino,
	}
}

func trnInUseStep() StepDescriptor {
	return StepDescriptor{
		Step:         StepTrnInUse,
		Precondition: func(s *domain.AuthenticationState) bool { return s.TrnConflictEmail != nil },
		Next:         func(*domain.AuthenticationState) Step { return StepComplete },
		Fallback:     StepCheckAnswers,
	}
}

func noMatchStep() StepDescriptor {
	return StepDescriptor{
		Step: StepNoMatch,
		Precondition: func(s *domain.AuthenticationState) bool {
			return s.TrnLookupStatus == domain.TrnLookupFailed && s.TrnConflictEmail == nil
		},
		Next:     func(*domain.AuthenticationState) Step { return StepComplete },
		Fallback: StepCheckAnswers,
	}
}

func completeStep() StepDescriptor {
	return StepDescriptor{
		Step:         StepComplete,
		Precondition: func(s *domain.AuthenticationState) bool { return s.Complete() },
		Next:         func(*domain.AuthenticationState) Step { return StepComplete },
		Fallback:     StepEmail,
	}
}
