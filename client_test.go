package egress

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
)

type recordedHop struct {
	Method string
	Path   string
	Host   string
	Header http.Header
	Body   string
}

type hopRecorder struct {
	mu   sync.Mutex
	hops []recordedHop
}

func (r *hopRecorder) record(req *http.Request) {
	body, _ := io.ReadAll(req.Body)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.hops = append(r.hops, recordedHop{
		Method: req.Method,
		Path:   req.URL.Path,
		Host:   req.Host,
		Header: req.Header.Clone(),
		Body:   string(body),
	})
}

func (r *hopRecorder) all() []recordedHop {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]recordedHop(nil), r.hops...)
}

// redirectServer redirects /start to location with status and answers everything else with 200.
func redirectServer(rec *hopRecorder, status int, location string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rec.record(req)

		if req.URL.Path == "/start" {
			w.Header().Set("Location", location)
			w.WriteHeader(status)

			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
}

func mustURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	Expect(err).NotTo(HaveOccurred())

	return u
}

func postRequest(raw string) UpstreamRequest {
	return UpstreamRequest{
		Method: http.MethodPost,
		URL:    mustURL(raw),
		Header: http.Header{
			"Content-Type":  []string{"application/json"},
			"Authorization": []string{"Bearer secret"},
		},
		Body: []byte(`{"periodKey":"24A1"}`),
	}
}

func decodeError(body []byte) ErrorResponse {
	var resp ErrorResponse
	Expect(json.Unmarshal(body, &resp)).To(Succeed())

	return resp
}

var _ = Describe("Client", func() {
	var (
		rec    *hopRecorder
		client *Client
	)

	BeforeEach(func() {
		rec = &hopRecorder{}
		client = NewClient(http.DefaultTransport, 5, 0, zap.NewNop())
	})

	Context("when the upstream does not redirect", func() {
		It("returns the response as is", func() {
			srv := redirectServer(rec, http.StatusFound, "/end")
			DeferCleanup(srv.Close)

			resp := client.Do(context.Background(), postRequest(srv.URL+"/end"))

			Expect(resp.Status).To(Equal(http.StatusOK))
			Expect(string(resp.Body)).To(Equal(`{"ok":true}`))
			Expect(resp.Hops).To(Equal(1))
			Expect(resp.Err).To(BeNil())
			Expect(rec.all()[0].Body).To(Equal(`{"periodKey":"24A1"}`))
		})

		It("treats a redirect status without Location as terminal", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusFound)
			}))
			DeferCleanup(srv.Close)

			resp := client.Do(context.Background(), postRequest(srv.URL))

			Expect(resp.Status).To(Equal(http.StatusFound))
			Expect(resp.Hops).To(Equal(1))
		})
	})

	DescribeTable("method and body handling per redirect status",
		func(status int, wantMethod string, wantBody string, wantContentType string) {
			srv := redirectServer(rec, status, "/end")
			DeferCleanup(srv.Close)

			resp := client.Do(context.Background(), postRequest(srv.URL+"/start"))

			Expect(resp.Status).To(Equal(http.StatusOK))
			Expect(resp.Hops).To(Equal(2))

			hops := rec.all()
			Expect(hops).To(HaveLen(2))
			Expect(hops[0].Method).To(Equal(http.MethodPost))

			second := hops[1]
			Expect(second.Path).To(Equal("/end"))
			Expect(second.Method).To(Equal(wantMethod))
			Expect(second.Body).To(Equal(wantBody))
			Expect(second.Header.Get("Content-Type")).To(Equal(wantContentType))

			if wantBody == "" {
				Expect(second.Header.Get("Content-Length")).To(BeEmpty())
			}
		},
		Entry("301 switches to GET", http.StatusMovedPermanently, http.MethodGet, "", ""),
		Entry("302 switches to GET", http.StatusFound, http.MethodGet, "", ""),
		Entry("303 switches to GET", http.StatusSeeOther, http.MethodGet, "", ""),
		Entry("307 keeps method and body", http.StatusTemporaryRedirect, http.MethodPost, `{"periodKey":"24A1"}`, "application/json"),
		Entry("308 keeps method and body", http.StatusPermanentRedirect, http.MethodPost, `{"periodKey":"24A1"}`, "application/json"),
	)

	Context("credential scrubbing", func() {
		It("strips Authorization when the redirect changes origin", func() {
			other := &hopRecorder{}

			target := redirectServer(other, http.StatusFound, "/unused")
			DeferCleanup(target.Close)

			origin := redirectServer(rec, http.StatusTemporaryRedirect, target.URL+"/y")
			DeferCleanup(origin.Close)

			resp := client.Do(context.Background(), postRequest(origin.URL+"/start"))
			Expect(resp.Status).To(Equal(http.StatusOK))

			Expect(rec.all()[0].Header.Get("Authorization")).To(Equal("Bearer secret"))

			hops := other.all()
			Expect(hops).To(HaveLen(1))
			Expect(hops[0].Header.Get("Authorization")).To(BeEmpty())
			Expect(hops[0].Host).To(Equal(mustURL(target.URL).Host))
		})

		It("preserves Authorization on a same-origin redirect", func() {
			srv := redirectServer(rec, http.StatusTemporaryRedirect, "/z")
			DeferCleanup(srv.Close)

			resp := client.Do(context.Background(), postRequest(srv.URL+"/start"))
			Expect(resp.Status).To(Equal(http.StatusOK))

			hops := rec.all()
			Expect(hops).To(HaveLen(2))
			Expect(hops[1].Header.Get("Authorization")).To(Equal("Bearer secret"))
		})
	})

	Context("hop budget", func() {
		It("returns 508 after exactly maxHops+1 attempts", func() {
			const maxHops = 3

			client = NewClient(http.DefaultTransport, maxHops, 0, zap.NewNop())

			var (
				mu       sync.Mutex
				attempts int
			)

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				mu.Lock()
				attempts++
				mu.Unlock()

				http.Redirect(w, req, "/loop", http.StatusFound)
			}))
			DeferCleanup(srv.Close)

			resp := client.Do(context.Background(), postRequest(srv.URL+"/loop"))

			Expect(resp.Status).To(Equal(http.StatusLoopDetected))
			Expect(resp.Err).NotTo(BeNil())
			Expect(resp.Err.Kind).To(Equal(UpstreamTooManyRedirects))
			Expect(decodeError(resp.Body).Message).To(ContainSubstring("Too many redirects"))

			mu.Lock()
			defer mu.Unlock()
			Expect(attempts).To(Equal(maxHops + 1))
		})
	})

	Context("transport failures", func() {
		It("converts a refused connection into a 502", func() {
			srv := httptest.NewServer(http.NotFoundHandler())
			addr := srv.URL
			srv.Close()

			resp := client.Do(context.Background(), postRequest(addr+"/x"))

			Expect(resp.Status).To(Equal(http.StatusBadGateway))
			Expect(resp.Err.Kind).To(Equal(UpstreamConnection))
			Expect(resp.Headers.Get("Content-Type")).To(Equal("application/json"))
			Expect(decodeError(resp.Body).Code).To(Equal(ClientErrUpstreamUnavailable))
		})

		It("converts a deadline into a 504", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				select {
				case <-req.Context().Done():
				case <-time.After(2 * time.Second):
				}
			}))
			DeferCleanup(srv.Close)

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			DeferCleanup(cancel)

			resp := client.Do(ctx, postRequest(srv.URL))

			Expect(resp.Status).To(Equal(http.StatusGatewayTimeout))
			Expect(resp.Err.Kind).To(Equal(UpstreamTimeout))
			Expect(decodeError(resp.Body).Code).To(Equal(ClientErrUpstreamTimeout))
		})

		It("rejects response bodies over the limit", func() {
			client = NewClient(http.DefaultTransport, 5, 4, zap.NewNop())

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("0123456789"))
			}))
			DeferCleanup(srv.Close)

			resp := client.Do(context.Background(), postRequest(srv.URL))

			Expect(resp.Status).To(Equal(http.StatusBadGateway))
			Expect(resp.Err.Kind).To(Equal(UpstreamBodyTooLarge))
		})
	})

	It("drops hop-by-hop response headers", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Connection", "X-Internal")
			w.Header().Set("X-Internal", "1")
			w.Header().Set("Keep-Alive", "timeout=5")
			w.Header().Set("X-Kept", "yes")
		}))
		DeferCleanup(srv.Close)

		resp := client.Do(context.Background(), postRequest(srv.URL))

		Expect(resp.Headers.Get("X-Internal")).To(BeEmpty())
		Expect(resp.Headers.Get("Keep-Alive")).To(BeEmpty())
		Expect(resp.Headers.Get("X-Kept")).To(Equal("yes"))
	})
})

var _ = Describe("nextHop", func() {
	It("resolves relative locations against the current url", func() {
		next, err := nextHop(postRequest("https://a.example/x/y?q=1"), http.StatusTemporaryRedirect, "z?r=2")

		Expect(err).NotTo(HaveOccurred())
		Expect(next.URL.String()).To(Equal("https://a.example/x/z?r=2"))
		Expect(next.Header.Get("Authorization")).To(Equal("Bearer secret"))
	})

	It("sets Host to the redirect target", func() {
		next, err := nextHop(postRequest("https://a.example/x"), http.StatusFound, "https://b.example:8443/y")

		Expect(err).NotTo(HaveOccurred())
		Expect(next.Header.Get("Host")).To(Equal("b.example:8443"))
		Expect(next.Header.Get("Authorization")).To(BeEmpty())
		Expect(next.Method).To(Equal(http.MethodGet))
		Expect(next.Body).To(BeNil())
	})

	It("treats an explicit default port as the same origin", func() {
		next, err := nextHop(postRequest("https://a.example/x"), http.StatusTemporaryRedirect, "https://A.example:443/z")

		Expect(err).NotTo(HaveOccurred())
		Expect(next.Header.Get("Authorization")).To(Equal("Bearer secret"))
	})

	It("treats a scheme change as a different origin", func() {
		next, err := nextHop(postRequest("https://a.example/x"), http.StatusTemporaryRedirect, "http://a.example/x")

		Expect(err).NotTo(HaveOccurred())
		Expect(next.Header.Get("Authorization")).To(BeEmpty())
	})

	It("does not mutate the current request", func() {
		current := postRequest("https://a.example/x")

		_, err := nextHop(current, http.StatusSeeOther, "https://b.example/y")

		Expect(err).NotTo(HaveOccurred())
		Expect(current.Header.Get("Authorization")).To(Equal("Bearer secret"))
		Expect(current.Header.Get("Content-Type")).To(Equal("application/json"))
		Expect(current.Method).To(Equal(http.MethodPost))
	})

	It("refuses non-http schemes", func() {
		_, err := nextHop(postRequest("https://a.example/x"), http.StatusFound, "ftp://a.example/file")

		Expect(err).To(HaveOccurred())
		Expect(strings.Contains(err.Error(), "ftp")).To(BeTrue())
	})
})
