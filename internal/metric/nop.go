package metric

import (
	"time"
)

type nopMetrics struct{}

func NewNop() Metrics {
	return &nopMetrics{}
}

func (m *nopMetrics) IncRequestsTotal()                               {}
func (m *nopMetrics) IncRequestsInFlight()                            {}
func (m *nopMetrics) DecRequestsInFlight()                            {}
func (m *nopMetrics) IncRejectedTotal(_ string, _ RejectReason)       {}
func (m *nopMetrics) IncResponsesTotal(_ string, _ int)               {}
func (m *nopMetrics) UpdateUpstreamLatency(_ string, _ time.Duration) {}
func (m *nopMetrics) IncBreakerTripsTotal(_ string)                   {}
func (m *nopMetrics) IncStoreFailuresTotal(_ string)                  {}
