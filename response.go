package egress

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the body of every response generated by the proxy itself.
type ErrorResponse struct {
	Code     ClientError `json:"code"`
	Message  string      `json:"message"`
	Prefixes []string    `json:"prefixes,omitempty"`
}

type ClientError string

func (err ClientError) String() string {
	return string(err)
}

const (
	ClientErrNoMapping            ClientError = "NO_MAPPING"
	ClientErrBadRequest           ClientError = "BAD_REQUEST"
	ClientErrRateLimitExceeded    ClientError = "RATE_LIMIT_EXCEEDED"
	ClientErrCircuitOpen          ClientError = "CIRCUIT_OPEN"
	ClientErrTooManyRedirects     ClientError = "TOO_MANY_REDIRECTS"
	ClientErrUpstreamUnavailable  ClientError = "UPSTREAM_UNAVAILABLE"
	ClientErrUpstreamTimeout      ClientError = "UPSTREAM_TIMEOUT"
	ClientErrUpstreamBodyTooLarge ClientError = "UPSTREAM_BODY_TOO_LARGE"
	ClientErrPayloadTooLarge      ClientError = "PAYLOAD_TOO_LARGE"
)

// errorBody marshals an ErrorResponse.
func errorBody(resp ErrorResponse) []byte {
	b, err := json.Marshal(resp)
	if err != nil {
		return []byte(`{"code":"INTERNAL","message":"internal error"}`)
	}

	return b
}

func WriteError(w http.ResponseWriter, resp ErrorResponse, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_, _ = w.Write(errorBody(resp))
}
