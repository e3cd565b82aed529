package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	JourneysStartedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "idp_journeys_started_total",
		Help: "Total number of authentication journeys started.",
	}, []string{"journey_type"})
	JourneysCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "idp_journeys_completed_total",
		Help: "Total number of authentication journeys completed.",
	}, []string{"journey_type"})
	PinsIssuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "idp_pins_issued_total",
		Help: "Total number of one-time codes issued.",
	}, []string{"channel"})
	PinVerificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "idp_pin_verifications_total",
		Help: "Total number of one-time code verification attempts by outcome.",
	}, []string{"outcome"})
	PinRateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "idp_pin_rate_limited_total",
		Help: "Total number of PIN operations rejected by the rate limiter.",
	})
	RegistryLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "idp_registry_lookups_total",
		Help: "Total number of teacher registry lookups by outcome.",
	}, []string{"outcome"})
	UsersRegisteredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "idp_users_registered_total",
		Help: "Total number of users registered.",
	})
)

// Register registers all collectors with the given registerer. Call once at
// application startup.
func Register(reg prometheus.Registerer) {
	for _, c := range []prometheus.Collector{
		JourneysStartedTotal,
		JourneysCompletedTotal,
		PinsIssuedTotal,
		PinVerificationsTotal,
		PinRateLimitedTotal,
		RegistryLookupsTotal,
		UsersRegisteredTotal,
	} {
		if err := reg.Register(c); err != nil {
			log.Warn().Err(err).Msg("Failed to register metrics collector")
		}
	}
}
