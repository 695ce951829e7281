package metric

import "time"

type RejectReason string

const (
	RejectReasonNoMapping        RejectReason = "no_mapping"
	RejectReasonBadRequest       RejectReason = "bad_request"
	RejectReasonRateLimited      RejectReason = "rate_limited"
	RejectReasonCircuitOpen      RejectReason = "circuit_open"
	RejectReasonPayloadTooLarge  RejectReason = "payload_too_large"
	RejectReasonTooManyRedirects RejectReason = "too_many_redirects"
)

type Metrics interface {
	IncRequestsTotal()
	IncRequestsInFlight()
	DecRequestsInFlight()
	IncRejectedTotal(prefix string, reason RejectReason)
	IncResponsesTotal(prefix string, status int)
	UpdateUpstreamLatency(prefix string, lat time.Duration)
	IncBreakerTripsTotal(prefix string)
	IncStoreFailuresTotal(op string)
}
