package egress

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/starwalkn/egress"

// hopByHopHeaders are connection scoped and never forwarded in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// credentialHeaders are dropped when a redirect leaves the origin of the current hop.
var credentialHeaders = []string{
	"Authorization",
	"Cookie",
}

type UpstreamRequest struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

type UpstreamResponse struct {
	Status  int
	Headers http.Header
	Body    []byte
	Hops    int            // Number of requests issued, redirects included.
	Err     *UpstreamError // Set only on responses synthesized by the client.
}

// Client issues one upstream exchange and follows redirects up to maxHops times.
// It never returns an error: transport failures become synthetic 502/504 responses.
type Client struct {
	http        *http.Client
	maxHops     int
	maxBodySize int64

	log    *zap.Logger
	tracer trace.Tracer
}

func NewClient(transport http.RoundTripper, maxHops int, maxBodySize int64, log *zap.Logger) *Client {
	return &Client{
		http: &http.Client{
			Transport: transport,
			// Redirects are handled by Do, hop by hop.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		maxHops:     maxHops,
		maxBodySize: maxBodySize,
		log:         log,
		tracer:      otel.Tracer(tracerName),
	}
}

func newTransport() *http.Transport {
	//nolint:mnd // be configurable in future
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
		ForceAttemptHTTP2:   true,
	}
}

// Do performs req and follows redirects. It always returns a response.
func (c *Client) Do(ctx context.Context, req UpstreamRequest) *UpstreamResponse {
	current := req

	for hop := 0; hop <= c.maxHops; hop++ {
		resp, err := c.single(ctx, current)
		if err != nil {
			c.log.Warn("upstream request failed",
				zap.String("method", current.Method),
				zap.String("url", current.URL.Redacted()),
				zap.String("kind", string(err.Kind)),
				zap.Error(err.Err),
			)

			synthetic := syntheticResponse(err)
			synthetic.Hops = hop + 1

			return synthetic
		}

		resp.Hops = hop + 1

		location := resp.Headers.Get("Location")
		if !isRedirect(resp.Status) || location == "" {
			return resp
		}

		next, perr := nextHop(current, resp.Status, location)
		if perr != nil {
			c.log.Warn("cannot follow redirect, relaying it as is",
				zap.String("location", location),
				zap.Error(perr),
			)

			return resp
		}

		c.log.Debug("following redirect",
			zap.Int("status", resp.Status),
			zap.String("from", current.URL.Redacted()),
			zap.String("to", next.URL.Redacted()),
			zap.String("method", next.Method),
		)

		current = next
	}

	c.log.Warn("redirect hop budget exhausted",
		zap.Int("max_hops", c.maxHops),
		zap.String("last_url", current.URL.Redacted()),
	)

	return syntheticResponse(&UpstreamError{
		Kind: UpstreamTooManyRedirects,
		Err:  fmt.Errorf("stopped after %d redirects", c.maxHops),
	})
}

// single issues exactly one request and reads the whole (size capped) response body.
func (c *Client) single(ctx context.Context, req UpstreamRequest) (*UpstreamResponse, *UpstreamError) {
	ctx, span := c.tracer.Start(ctx, "egress.upstream_hop",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.full", req.URL.Redacted()),
		),
	)
	defer span.End()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		return nil, c.fail(span, &UpstreamError{Kind: UpstreamInternal, Err: err})
	}

	hreq.Header = req.Header.Clone()
	if hreq.Header == nil {
		hreq.Header = make(http.Header)
	}

	removeHopByHop(hreq.Header)
	hreq.Header.Del("Host")
	hreq.Host = req.URL.Host

	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(hreq.Header))

	hresp, err := c.http.Do(hreq)
	if err != nil {
		return nil, c.fail(span, classifyTransportError(err))
	}
	defer hresp.Body.Close()

	span.SetAttributes(attribute.Int("http.response.status_code", hresp.StatusCode))

	var reader io.Reader = hresp.Body
	if c.maxBodySize > 0 {
		reader = io.LimitReader(hresp.Body, c.maxBodySize+1)
	}

	respBody, err := io.ReadAll(reader)
	if err != nil {
		return nil, c.fail(span, classifyReadError(err))
	}

	if c.maxBodySize > 0 && int64(len(respBody)) > c.maxBodySize {
		return nil, c.fail(span, &UpstreamError{
			Kind: UpstreamBodyTooLarge,
			Err:  fmt.Errorf("response body exceeds %d bytes", c.maxBodySize),
		})
	}

	headers := hresp.Header.Clone()
	removeHopByHop(headers)

	return &UpstreamResponse{
		Status:  hresp.StatusCode,
		Headers: headers,
		Body:    respBody,
	}, nil
}

func (c *Client) fail(span trace.Span, uerr *UpstreamError) *UpstreamError {
	span.RecordError(uerr.Err)
	span.SetStatus(codes.Error, string(uerr.Kind))

	return uerr
}

// nextHop derives the request for the Location of a redirect response.
func nextHop(current UpstreamRequest, status int, location string) (UpstreamRequest, error) {
	ref, err := url.Parse(location)
	if err != nil {
		return UpstreamRequest{}, fmt.Errorf("invalid location: %w", err)
	}

	target := current.URL.ResolveReference(ref)
	if target.Scheme != "http" && target.Scheme != "https" {
		return UpstreamRequest{}, fmt.Errorf("unsupported redirect scheme %q", target.Scheme)
	}

	next := UpstreamRequest{
		Method: current.Method,
		URL:    target,
		Header: current.Header.Clone(),
		Body:   current.Body,
	}

	if next.Header == nil {
		next.Header = make(http.Header)
	}

	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther:
		next.Method = http.MethodGet
		next.Body = nil
		next.Header.Del("Content-Length")
		next.Header.Del("Content-Type")
	}

	next.Header.Set("Host", target.Host)

	if origin(target) != origin(current.URL) {
		for _, h := range credentialHeaders {
			next.Header.Del(h)
		}
	}

	return next, nil
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently,
		http.StatusFound,
		http.StatusSeeOther,
		http.StatusTemporaryRedirect,
		http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}

// origin returns scheme://host:port with the default port made explicit.
func origin(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)

	port := u.Port()
	if port == "" {
		switch scheme {
		case "https":
			port = "443"
		case "http":
			port = "80"
		}
	}

	return scheme + "://" + net.JoinHostPort(strings.ToLower(u.Hostname()), port)
}

func removeHopByHop(h http.Header) {
	for _, connHeader := range h.Values("Connection") {
		for _, name := range strings.Split(connHeader, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}

	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func classifyTransportError(err error) *UpstreamError {
	kind := UpstreamConnection

	var netErr net.Error

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = UpstreamTimeout
	case errors.Is(err, context.Canceled):
		kind = UpstreamCanceled
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = UpstreamTimeout
	}

	return &UpstreamError{Kind: kind, Err: err}
}

func classifyReadError(err error) *UpstreamError {
	uerr := classifyTransportError(err)
	if uerr.Kind == UpstreamConnection {
		uerr.Kind = UpstreamReadError
	}

	return uerr
}

// syntheticResponse renders a client-side failure as a JSON response.
func syntheticResponse(uerr *UpstreamError) *UpstreamResponse {
	status, code, message := http.StatusBadGateway, ClientErrUpstreamUnavailable, "Upstream request failed"

	switch uerr.Kind {
	case UpstreamTimeout:
		status, code, message = http.StatusGatewayTimeout, ClientErrUpstreamTimeout, "Upstream request timed out"
	case UpstreamBodyTooLarge:
		code, message = ClientErrUpstreamBodyTooLarge, "Upstream response body is too large"
	case UpstreamTooManyRedirects:
		status, code, message = http.StatusLoopDetected, ClientErrTooManyRedirects, "Too many redirects"
	case UpstreamCanceled:
		message = "Upstream request canceled"
	}

	return &UpstreamResponse{
		Status:  status,
		Headers: http.Header{"Content-Type": []string{"application/json"}},
		Body:    errorBody(ErrorResponse{Code: code, Message: message}),
		Err:     uerr,
	}
}
