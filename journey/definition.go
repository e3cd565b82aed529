package journey

import (
	"strings"

	"github.com/teaching-identity/idp/domain"
)

// Step identifies one page of a journey.
type Step string

const (
	StepEmail             Step = "email"
	StepInstitutionEmail  Step = "institution-email"
	StepEmailConfirmation Step = "email-confirmation"
	StepStaffPassword     Step = "password"
	StepName              Step = "name"
	StepPreviousName      Step = "previous-name"
	StepPreferredName     Step = "preferred-name"
	StepDateOfBirth       Step = "date-of-birth"
	StepPhone             Step = "phone"
	StepPhoneConfirmation Step = "phone-confirmation"
	StepHasNino           Step = "have-nino"
	StepNino              Step = "nino"
	StepHasTrn            Step = "have-trn"
	StepTrn               Step = "trn"
	StepAwardedQts        Step = "awarded-qts"
	StepCheckAnswers      Step = "check-answers"
	StepTrnInUse          Step = "trn-in-use"
	StepNoMatch           Step = "no-match"
	StepComplete          Step = "complete"
)

// TrnSubJourneyEntry is where the engine routes a journey whose client
// demands a TRN while resolution has not yet concluded.
const TrnSubJourneyEntry = StepHasNino

// StepDescriptor declares one step of a journey graph.
//
// Precondition must be a side-effect-free, idempotent predicate over already
// accumulated attributes; it is re-evaluated on every request, including
// retries and browser back-navigation. Next picks the following step from
// state alone, so advancing is deterministic. Fallback is where a caller
// redirects when the precondition fails.
type StepDescriptor struct {
	Step         Step
	Precondition func(*domain.AuthenticationState) bool
	Next         func(*domain.AuthenticationState) Step
	Fallback     Step
}

// Definition is the immutable step graph for one journey type. Built once
// at process start, never mutated at runtime.
type Definition struct {
	Type     domain.JourneyType
	BasePath string
	Start    Step
	steps    map[Step]StepDescriptor
	// order is the canonical forward ordering used for the reverse walk that
	// back-navigation performs; branches not taken are skipped because their
	// preconditions no longer hold.
	order []Step
}

// Descriptor returns the step's descriptor, or false for steps this journey
// type does not contain.
func (d *Definition) Descriptor(step Step) (StepDescriptor, bool) {
	desc, ok := d.steps[step]
	return desc, ok
}

// StepPath returns the URL path of a step within this journey.
func (d *Definition) StepPath(step Step) string {
	return d.BasePath + "/" + string(step)
}

func newDefinition(t domain.JourneyType, basePath string, steps []StepDescriptor) *Definition {
	def := &Definition{
		Type:     t,
		BasePath: basePath,
		Start:    steps[0].Step,
		steps:    make(map[Step]StepDescriptor, len(steps)),
		order:    make([]Step, 0, len(steps)),
	}
	for _, s := range steps {
		def.steps[s.Step] = s
		def.order = append(def.order, s.Step)
	}
	return def
}

// Registry holds the definitions for every journey type.
type Registry struct {
	defs               map[domain.JourneyType]*Definition
	institutionDomains map[string]struct{}
}

// Options tune the built-in journey graphs.
type Options struct {
	// InstitutionDomains are email domains that trigger the "use a personal
	// email instead?" interstitial during registration.
	InstitutionDomains []string
}

// Definition returns the graph for a journey type.
func (r *Registry) Definition(t domain.JourneyType) (*Definition, bool) {
	def, ok := r.defs[t]
	return def, ok
}

func (r *Registry) isInstitutionEmail(email *string) bool {
	if email == nil {
		return false
	}
	at := strings.LastIndexByte(*email, '@')
	if at < 0 {
		return false
	}
	_, ok := r.institutionDomains[(*email)[at+1:]]
	return ok
}
