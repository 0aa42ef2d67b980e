package authcore

import (
	"github.com/prometheus/client_golang/prometheus"
)

// engineMetrics are the engine's Prometheus instruments. They register
// on the builder-supplied Registerer; with none supplied the engine
// counts into unregistered collectors, which is free and invisible.
type engineMetrics struct {
	logins          *prometheus.CounterVec
	registrations   prometheus.Counter
	tokenRefreshes  *prometheus.CounterVec
	twoFactorChecks *prometheus.CounterVec
	sessionsEnded   prometheus.Counter
	passwordResets  prometheus.Counter
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	m := &engineMetrics{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authcore",
			Name:      "logins_total",
			Help:      "Login attempts by result.",
		}, []string{"result"}),
		registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "authcore",
			Name:      "registrations_total",
			Help:      "Accounts created.",
		}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authcore",
			Name:      "token_refreshes_total",
			Help:      "Refresh-token exchanges by result.",
		}, []string{"result"}),
		twoFactorChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authcore",
			Name:      "two_factor_checks_total",
			Help:      "Second-factor verifications by result.",
		}, []string{"result"}),
		sessionsEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "authcore",
			Name:      "sessions_terminated_total",
			Help:      "Sessions ended by logout or termination.",
		}),
		passwordResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "authcore",
			Name:      "password_resets_total",
			Help:      "Completed password resets.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.logins, m.registrations, m.tokenRefreshes,
			m.twoFactorChecks, m.sessionsEnded, m.passwordResets,
		)
	}
	return m
}

// Login result labels.
const (
	resultSuccess   = "success"
	resultFailure   = "failure"
	resultLocked    = "locked"
	resultTwoFactor = "two_factor_pending"
)
