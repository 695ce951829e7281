package egress

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/starwalkn/egress/internal/circuitbreaker"
	"github.com/starwalkn/egress/internal/metric"
	"github.com/starwalkn/egress/internal/ratelimit"
)

const (
	HeaderRequestID     = "X-Request-ID"
	HeaderCorrelationID = "X-CorrelationId"
)

var (
	ErrInboundURL    = errors.New("cannot derive inbound url")
	ErrInvalidTarget = errors.New("invalid upstream url")
)

// Proxy relays inbound requests to the upstream selected by the mapping table.
// All state shared between requests lives in the rate counter and breaker stores.
type Proxy struct {
	mappings    *MappingTable
	rateLimiter *ratelimit.RateLimit
	rateLimit   int
	breaker     *circuitbreaker.CircuitBreaker
	client      *Client

	timeout        time.Duration
	maxBodySize    int64
	instanceID     string
	trustForwarded bool

	log     *zap.Logger
	metrics metric.Metrics
	tracer  trace.Tracer
}

// ServeHTTP handles one inbound request:
//
// 1. Inbound URL derivation – scheme and host from the request, or from trusted X-Forwarded-* headers, 400 when impossible.
// 2. Mapping resolution – first configured prefix wins, 400 when nothing matches.
// 3. Upstream URL construction – prefix replaced by target, query string kept, 400 when the result is invalid.
// 4. Rate limiting keyed by the mapping prefix – 429 without calling upstream.
// 5. Circuit breaker check keyed by the mapping prefix – 503 without calling upstream.
// 6. Upstream call through the redirect-following client, bounded by the upstream timeout.
// 7. Breaker update from status and latency, unless the caller went away.
// 8. Relay of the upstream status, headers and body with correlation headers set.
//
//nolint:funlen // linear pipeline
func (p *Proxy) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	p.metrics.IncRequestsTotal()

	p.metrics.IncRequestsInFlight()
	defer p.metrics.DecRequestsInFlight()

	ctx := otel.GetTextMapPropagator().Extract(req.Context(), propagation.HeaderCarrier(req.Header))

	ctx, span := p.tracer.Start(ctx, "egress.proxy", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	requestID := getOrCreateRequestID(req)

	w.Header().Set(HeaderRequestID, requestID)
	w.Header().Set(HeaderCorrelationID, requestID)

	log := p.log.With(
		zap.String("request_id", requestID),
		zap.String("instance", p.instanceID),
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
	)

	fullURL, err := inboundURL(req, p.trustForwarded)
	if err != nil {
		log.Warn("cannot derive inbound url", zap.Error(err))
		p.metrics.IncRejectedTotal("", metric.RejectReasonBadRequest)

		WriteError(w, ErrorResponse{Code: ClientErrBadRequest, Message: "Cannot determine request URL"}, http.StatusBadRequest)

		return
	}

	path := req.URL.EscapedPath()

	mapping, ok := p.mappings.Resolve(fullURL, path)
	if !ok {
		log.Warn("no proxy mapping matched", zap.Strings("prefixes", p.mappings.Prefixes()))
		p.metrics.IncRejectedTotal("", metric.RejectReasonNoMapping)

		WriteError(w, ErrorResponse{
			Code:     ClientErrNoMapping,
			Message:  "No proxy mapping found for path " + req.URL.Path,
			Prefixes: p.mappings.Prefixes(),
		}, http.StatusBadRequest)

		return
	}

	log = log.With(zap.String("prefix", mapping.Prefix))
	span.SetAttributes(attribute.String("egress.prefix", mapping.Prefix))

	target, err := upstreamURL(mapping, fullURL, path, req.URL.RawQuery)
	if err != nil {
		log.Warn("mapped upstream url is invalid", zap.String("target", mapping.Target), zap.Error(err))
		p.metrics.IncRejectedTotal(mapping.Prefix, metric.RejectReasonBadRequest)

		WriteError(w, ErrorResponse{Code: ClientErrBadRequest, Message: "Invalid upstream URL for prefix " + mapping.Prefix}, http.StatusBadRequest)

		return
	}

	log.Debug("proxy mapping matched", zap.String("upstream", target.Redacted()))

	if !p.rateLimiter.Allow(ctx, mapping.Prefix, p.rateLimit) {
		log.Warn("rate limit exceeded", zap.Int("limit_per_second", p.rateLimit))
		p.metrics.IncRejectedTotal(mapping.Prefix, metric.RejectReasonRateLimited)

		w.Header().Set("Retry-After", "1")
		WriteError(w, ErrorResponse{
			Code:    ClientErrRateLimitExceeded,
			Message: fmt.Sprintf("Rate limit of %d requests per second exceeded for %s", p.rateLimit, mapping.Prefix),
		}, http.StatusTooManyRequests)

		return
	}

	log.Debug("rate limit passed")

	decision := p.breaker.Check(ctx, mapping.Prefix)
	if !decision.Allowed {
		log.Warn("circuit breaker open, short-circuiting",
			zap.Int("errors", decision.Baseline.Errors),
			zap.Int64("open_since", decision.Baseline.OpenSince),
			zap.Duration("retry_after", decision.RetryAfter),
		)
		p.metrics.IncRejectedTotal(mapping.Prefix, metric.RejectReasonCircuitOpen)

		w.Header().Set("Retry-After", retryAfterSeconds(decision.RetryAfter))
		WriteError(w, ErrorResponse{
			Code:    ClientErrCircuitOpen,
			Message: "Upstream for " + mapping.Prefix + " is temporarily unavailable",
		}, http.StatusServiceUnavailable)

		return
	}

	log.Debug("circuit breaker closed", zap.Int("errors", decision.Baseline.Errors))

	body, err := readBody(w, req, p.maxBodySize)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			log.Warn("request body too large", zap.Int64("max_body_size", p.maxBodySize))
			p.metrics.IncRejectedTotal(mapping.Prefix, metric.RejectReasonPayloadTooLarge)

			WriteError(w, ErrorResponse{Code: ClientErrPayloadTooLarge, Message: "Request body is too large"}, http.StatusRequestEntityTooLarge)

			return
		}

		log.Warn("cannot read request body", zap.Error(err))
		p.metrics.IncRejectedTotal(mapping.Prefix, metric.RejectReasonBadRequest)

		WriteError(w, ErrorResponse{Code: ClientErrBadRequest, Message: "Cannot read request body"}, http.StatusBadRequest)

		return
	}

	outbound := UpstreamRequest{
		Method: req.Method,
		URL:    target,
		Header: forwardHeaders(req, requestID),
		Body:   body,
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if p.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, p.timeout)
	}

	start := time.Now()
	resp := p.client.Do(callCtx, outbound)
	latency := time.Since(start)

	cancel()

	p.metrics.UpdateUpstreamLatency(mapping.Prefix, latency)

	if req.Context().Err() != nil {
		log.Info("caller went away before upstream completed, breaker not updated",
			zap.Duration("latency", latency),
			zap.Error(req.Context().Err()),
		)

		return
	}

	state := p.breaker.Record(ctx, mapping.Prefix, decision.Baseline, resp.Status, latency)

	fields := []zap.Field{
		zap.Int("status", resp.Status),
		zap.Duration("latency", latency),
		zap.Int("hops", resp.Hops),
		zap.Int("breaker_errors", state.Errors),
		zap.Bool("breaker_open", state.Open()),
	}

	if resp.Err != nil {
		fields = append(fields, zap.String("upstream_error", string(resp.Err.Kind)))

		if resp.Err.Kind == UpstreamTooManyRedirects {
			p.metrics.IncRejectedTotal(mapping.Prefix, metric.RejectReasonTooManyRedirects)
		}
	}

	log.Info("upstream call completed", fields...)

	span.SetAttributes(attribute.Int("http.response.status_code", resp.Status))

	p.metrics.IncResponsesTotal(mapping.Prefix, resp.Status)

	relay(w, resp, requestID, req.Method)
}

// inboundURL returns scheme://host/path of the request as seen by the caller.
// X-Forwarded-Proto and X-Forwarded-Host are honored only when trustForwarded is set.
func inboundURL(req *http.Request, trustForwarded bool) (string, error) {
	scheme := "http"
	if req.TLS != nil {
		scheme = "https"
	}

	host := req.Host

	if trustForwarded {
		if proto := firstValue(req.Header.Get("X-Forwarded-Proto")); proto == "http" || proto == "https" {
			scheme = proto
		}

		if fwd := firstValue(req.Header.Get("X-Forwarded-Host")); fwd != "" {
			host = fwd
		}
	}

	if host == "" {
		return "", ErrInboundURL
	}

	return scheme + "://" + host + req.URL.EscapedPath(), nil
}

func upstreamURL(mapping PrefixMapping, fullURL, path, rawQuery string) (*url.URL, error) {
	raw := mapping.Rewrite(fullURL, path)
	if rawQuery != "" {
		raw += "?" + rawQuery
	}

	target, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}

	if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, fmt.Errorf("%w: %q is not an absolute http(s) url", ErrInvalidTarget, raw)
	}

	return target, nil
}

// forwardHeaders copies inbound headers for the upstream. Host is derived from the upstream URL by the client.
func forwardHeaders(req *http.Request, requestID string) http.Header {
	h := req.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}

	removeHopByHop(h)

	h.Set(HeaderRequestID, requestID)
	h.Set(HeaderCorrelationID, requestID)

	if ip := remoteIP(req); ip != "" {
		if prior := h.Get("X-Forwarded-For"); prior != "" {
			ip = prior + ", " + ip
		}

		h.Set("X-Forwarded-For", ip)
	}

	return h
}

func readBody(w http.ResponseWriter, req *http.Request, limit int64) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}

	var reader io.Reader = req.Body
	if limit > 0 {
		reader = http.MaxBytesReader(w, req.Body, limit)
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	if len(body) == 0 {
		return nil, nil
	}

	return body, nil
}

// relay writes the upstream response to the caller unchanged, adding correlation headers when missing.
// Content-Length is only rewritten when a body was read and the upstream value does not describe it.
func relay(w http.ResponseWriter, resp *UpstreamResponse, requestID, method string) {
	for k, vv := range resp.Headers {
		w.Header()[k] = append([]string(nil), vv...)
	}

	if w.Header().Get(HeaderRequestID) == "" {
		w.Header().Set(HeaderRequestID, requestID)
	}

	if w.Header().Get(HeaderCorrelationID) == "" {
		w.Header().Set(HeaderCorrelationID, requestID)
	}

	if !bodyAllowed(method, resp.Status) {
		w.WriteHeader(resp.Status)
		return
	}

	if length := strconv.Itoa(len(resp.Body)); w.Header().Get("Content-Length") != length {
		w.Header().Set("Content-Length", length)
	}

	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// bodyAllowed reports whether a response to method with status may carry a body.
func bodyAllowed(method string, status int) bool {
	switch {
	case method == http.MethodHead:
		return false
	case status >= 100 && status < 200:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	default:
		return true
	}
}

func getOrCreateRequestID(r *http.Request) string {
	for _, name := range []string{HeaderRequestID, HeaderCorrelationID} {
		if id := strings.TrimSpace(r.Header.Get(name)); id != "" {
			return id
		}
	}

	t := time.Now()
	entropy := ulid.Monotonic(rand.Reader, math.MaxInt64)

	return strings.ToLower(ulid.MustNew(ulid.Timestamp(t), entropy).String())
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}

	return r.RemoteAddr
}

func firstValue(v string) string {
	first, _, _ := strings.Cut(v, ",")
	return strings.TrimSpace(first)
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}

	return strconv.Itoa(secs)
}
