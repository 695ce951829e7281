package egress

type UpstreamError struct {
	Kind UpstreamErrorKind // Error kind for the synthetic response.
	Err  error             // Original error. Not for client!
}

// Error returns the upstream error kind. Error kind is a custom string type, not error interface!
func (ue *UpstreamError) Error() string {
	return string(ue.Kind)
}

// Unwrap returns the original error.
func (ue *UpstreamError) Unwrap() error {
	return ue.Err
}

type UpstreamErrorKind string

const (
	UpstreamTimeout          UpstreamErrorKind = "timeout"
	UpstreamCanceled         UpstreamErrorKind = "canceled"
	UpstreamConnection       UpstreamErrorKind = "connection"
	UpstreamReadError        UpstreamErrorKind = "read_error"
	UpstreamBodyTooLarge     UpstreamErrorKind = "body_too_large"
	UpstreamTooManyRedirects UpstreamErrorKind = "too_many_redirects"
	UpstreamInternal         UpstreamErrorKind = "internal"
)
