package journey

import (
	"fmt"
	"net/url"

	"github.com/rs/zerolog/log"

	"github.com/teaching-identity/idp/domain"
)

// Engine decides which step of a journey may legally be visited, computes
// the next step on advance, and produces the terminal hand-off URL once
// verification is complete. It holds no per-journey state: every decision is
// a pure function of the step graph and the AuthenticationState passed in.
type Engine struct {
	registry *Registry
	// baseURL prefixes every generated step URL, e.g. "https://id.example.org".
	baseURL string
	// landingPath is the direct-access landing page used as the hand-off
	// target when a journey has no OAuth context.
	landingPath string
}

// NewEngine creates an engine over a step-graph registry.
func NewEngine(registry *Registry, baseURL, landingPath string) *Engine {
	if landingPath == "" {
		landingPath = "/account"
	}
	return &Engine{registry: registry, baseURL: baseURL, landingPath: landingPath}
}

// CanAccess evaluates the step's precondition against state. It is
// side-effect-free and must be checked on every request: a false result
// means the caller redirects to FallbackURL instead of rendering the page,
// which is what stops steps being skipped by direct URL manipulation.
func (e *Engine) CanAccess(jt domain.JourneyType, step Step, state *domain.AuthenticationState) bool {
	def, ok := e.registry.Definition(jt)
	if !ok {
		return false
	}
	desc, ok := def.Descriptor(step)
	if !ok {
		return false
	}
	return desc.Precondition(state)
}

// FallbackURL is where a caller redirects after a precondition failure: the
// step that collects the missing prerequisite.
func (e *Engine) FallbackURL(jt domain.JourneyType, step Step, state *domain.AuthenticationState) string {
	def, ok := e.registry.Definition(jt)
	if !ok {
		return e.baseURL + e.landingPath
	}
	desc, ok := def.Descriptor(step)
	if !ok {
		return e.stepURL(def, def.Start, state)
	}
	return e.stepURL(def, desc.Fallback, state)
}

// Advance computes where the journey goes after the current step completes.
// It returns the next step's URL, or the final hand-off URL when the graph
// reaches its terminal step. Deterministic given the same state.
func (e *Engine) Advance(jt domain.JourneyType, current Step, state *domain.AuthenticationState) (string, error) {
	def, ok := e.registry.Definition(jt)
	if !ok {
		return "", fmt.Errorf("unknown journey type %q", jt)
	}
	desc, ok := def.Descriptor(current)
	if !ok {
		return "", fmt.Errorf("journey type %q has no step %q", jt, current)
	}
	next := desc.Next(state)
	if next == StepComplete {
		return e.NextHopURL(state), nil
	}
	if _, ok := def.Descriptor(next); !ok {
		return "", fmt.Errorf("journey type %q branched to undeclared step %q", jt, next)
	}
	return e.stepURL(def, next, state), nil
}

// Terminal reports whether advancing from current ends the journey graph,
// i.e. the next hop is the hand-off rather than another step.
func (e *Engine) Terminal(jt domain.JourneyType, current Step, state *domain.AuthenticationState) bool {
	def, ok := e.registry.Definition(jt)
	if !ok {
		return false
	}
	desc, ok := def.Descriptor(current)
	if !ok {
		return false
	}
	return desc.Next(state) == StepComplete
}

// PreviousStepURL recomputes back-navigation from state alone: the reverse
// walk over the canonical order, skipping steps whose preconditions no
// longer hold (branches not taken). There is no persisted visited-steps
// list. Returns false at the first step.
func (e *Engine) PreviousStepURL(jt domain.JourneyType, current Step, state *domain.AuthenticationState) (string, bool) {
	def, ok := e.registry.Definition(jt)
	if !ok {
		return "", false
	}
	idx := -1
	for i, s := range def.order {
		if s == current {
			idx = i
			break
		}
	}
	if idx <= 0 {
		return "", false
	}
	for i := idx - 1; i >= 0; i-- {
		desc := def.steps[def.order[i]]
		if desc.Precondition(state) {
			return e.stepURL(def, desc.Step, state), true
		}
	}
	return "", false
}

// NextHopURL is the terminal decision procedure run after every verification
// event. It is total: every state maps to exactly one hop, checked strictly
// in this order — email, email verification, scope-driven TRN requirement,
// completion.
func (e *Engine) NextHopURL(state *domain.AuthenticationState) string {
	def, ok := e.registry.Definition(state.JourneyType)
	if !ok {
		// Unknown type on a persisted journey means a bad deployment, not a
		// user error; restart the journey at the default graph.
		log.Warn().Str("journeyType", string(state.JourneyType)).Msg("NextHopURL: unknown journey type, using registration graph")
		def, _ = e.registry.Definition(domain.JourneyRegistration)
	}

	switch {
	case state.EmailAddress == nil:
		return e.stepURL(def, StepEmail, state)
	case !state.EmailVerified:
		return e.stepURL(def, StepEmailConfirmation, state)
	case state.TrnRequired() && !state.TrnResolutionConcluded():
		if _, ok := def.Descriptor(TrnSubJourneyEntry); ok {
			return e.stepURL(def, TrnSubJourneyEntry, state)
		}
		// Graphs without a TRN block (staff) cannot satisfy the requirement
		// mid-journey; hand off and let the relying client decide.
		fallthrough
	default:
		if state.OAuth != nil {
			return state.OAuth.AuthorizationURL
		}
		return e.baseURL + e.landingPath
	}
}

func (e *Engine) stepURL(def *Definition, step Step, state *domain.AuthenticationState) string {
	v := url.Values{"journey_id": {state.JourneyID}}
	return e.baseURL + def.StepPath(step) + "?" + v.Encode()
}
