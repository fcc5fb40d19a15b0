package handler_test

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"authgate/internal/auth"
	"authgate/internal/client"
	"authgate/internal/config"
	"authgate/internal/handler"
	"authgate/internal/metrics"
	"authgate/internal/middleware"
	"authgate/internal/service"
)

const token = "secret"

// startGateway serves the full gateway stack in front of upstreamURL.
func startGateway(upstreamURL string) *httptest.Server {
	cfg := &config.Config{
		Auth: config.AuthConfig{Token: token},
		Upstream: config.UpstreamConfig{
			URL:             upstreamURL,
			TimeoutSeconds:  10,
			IdleConnections: 50,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()

	gw, err := service.NewGateway(cfg, auth.NewValidator(cfg), client.NewUpstreamClient(cfg, logger, m), logger, m)
	Expect(err).NotTo(HaveOccurred())

	e := echo.New()
	e.HTTPErrorHandler = handler.PlainTextErrorHandler
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.MetricsMiddleware(m))
	handler.RegisterRoutes(e, handler.NewProxyHandler(gw, logger))

	return httptest.NewServer(e)
}

// closedAddr returns a loopback address with nothing listening on it.
func closedAddr() string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	addr := ln.Addr().String()
	Expect(ln.Close()).To(Succeed())
	return addr
}

type observed struct {
	Method     string
	RequestURI string
	Host       string
	Auth       string
	Body       string
}

var _ = Describe("Gateway end to end", func() {
	var (
		upstream *httptest.Server
		gateway  *httptest.Server
		httpc    *http.Client

		mu   sync.Mutex
		seen []observed
	)

	do := func(method, path string, body io.Reader, header http.Header) (int, http.Header, string) {
		GinkgoHelper()
		req, err := http.NewRequest(method, gateway.URL+path, body)
		Expect(err).NotTo(HaveOccurred())
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		resp, err := httpc.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		return resp.StatusCode, resp.Header, string(b)
	}

	// doTarget sends target on the request line without client-side escaping.
	doTarget := func(method, target string, header http.Header) (int, string) {
		GinkgoHelper()
		req, err := http.NewRequest(method, gateway.URL, nil)
		Expect(err).NotTo(HaveOccurred())
		path, query, _ := strings.Cut(target, "?")
		req.URL.Opaque = path
		req.URL.RawQuery = query
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		resp, err := httpc.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		return resp.StatusCode, string(b)
	}

	// requests returns a snapshot of what the upstream received.
	requests := func() []observed {
		mu.Lock()
		defer mu.Unlock()
		return append([]observed(nil), seen...)
	}

	authorized := http.Header{"Authorization": {token}}

	BeforeEach(func() {
		seen = nil
		upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			seen = append(seen, observed{
				Method:     r.Method,
				RequestURI: r.RequestURI,
				Host:       r.Host,
				Auth:       r.Header.Get("Authorization"),
				Body:       string(body),
			})
			mu.Unlock()

			switch r.URL.Path {
			case "/status":
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"ok":true}`))
			case "/redirect":
				http.Redirect(w, r, "/elsewhere", http.StatusFound)
			case "/untyped":
				w.Header()["Content-Type"] = nil
				_, _ = w.Write([]byte("<html>plain bytes</html>"))
			case "/missing":
				w.Header().Set("X-Upstream", "1")
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte("nope"))
			default:
				if id := r.Header.Get("X-Seq"); id != "" {
					_, _ = w.Write([]byte("seq=" + id))
					return
				}
				_, _ = w.Write(body)
			}
		}))
		gateway = startGateway(upstream.URL)
		httpc = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		}
	})

	AfterEach(func() {
		gateway.Close()
		upstream.Close()
	})

	Describe("authorization", func() {
		It("forwards a request carrying the exact token", func() {
			code, hdr, body := do(http.MethodGet, "/status?x=1", nil, authorized)
			Expect(code).To(Equal(http.StatusOK))
			Expect(body).To(Equal(`{"ok":true}`))
			Expect(hdr.Get("Content-Type")).To(Equal("application/json"))
			Expect(requests()).To(HaveLen(1))
			Expect(requests()[0].RequestURI).To(Equal("/status?x=1"))
			Expect(requests()[0].Auth).To(Equal(token))
		})

		It("rejects a request without the header", func() {
			code, _, body := do(http.MethodGet, "/status", nil, nil)
			Expect(code).To(Equal(http.StatusUnauthorized))
			Expect(body).To(Equal("Missing Authorization header"))
			Expect(requests()).To(BeEmpty())
		})

		DescribeTable("rejects a header that is not byte-equal to the token",
			func(value string) {
				code, _, body := do(http.MethodGet, "/status", nil, http.Header{"Authorization": {value}})
				Expect(code).To(Equal(http.StatusUnauthorized))
				Expect(body).To(Equal("Invalid auth token"))
				Expect(requests()).To(BeEmpty())
			},
			Entry("wrong value", "wrong"),
			Entry("bearer scheme", "Bearer secret"),
			Entry("different case", "Secret"),
			Entry("token prefix", "secre"),
			Entry("token with suffix", "secrets"),
		)
	})

	Describe("passthrough", func() {
		It("keeps an escaped path and query verbatim", func() {
			code, _, _ := do(http.MethodGet, "/a%20b?x=1", nil, authorized)
			Expect(code).To(Equal(http.StatusOK))
			Expect(requests()).To(HaveLen(1))
			Expect(requests()[0].RequestURI).To(Equal("/a%20b?x=1"))
		})

		It("keeps an encoded slash distinct from a path separator", func() {
			do(http.MethodGet, "/a%2Fb?q=%2F&q=2", nil, authorized)
			Expect(requests()).To(HaveLen(1))
			Expect(requests()[0].RequestURI).To(Equal("/a%2Fb?q=%2F&q=2"))
		})

		DescribeTable("keeps characters net/url would re-escape",
			func(target string) {
				code, _ := doTarget(http.MethodGet, target, authorized)
				Expect(code).To(Equal(http.StatusOK))
				Expect(requests()).To(HaveLen(1))
				Expect(requests()[0].RequestURI).To(Equal(target))
			},
			Entry("pipe", "/a|b?x=1"),
			Entry("caret and backtick", "/a^b`c"),
			Entry("braces", "/{id}/items"),
			Entry("double quote", `/say"hi"`),
			Entry("mixed escaping", "/a%7Cb|c?q=|"),
		)

		It("does not add a Content-Type the upstream left out", func() {
			req, err := http.NewRequest(http.MethodGet, gateway.URL+"/untyped", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Authorization", token)
			resp, err := httpc.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)

			Expect(string(body)).To(Equal("<html>plain bytes</html>"))
			Expect(resp.Header).NotTo(HaveKey("Content-Type"))
		})

		It("presents the upstream authority as Host", func() {
			do(http.MethodGet, "/", nil, authorized)
			Expect(requests()).To(HaveLen(1))
			Expect(requests()[0].Host).To(Equal(strings.TrimPrefix(upstream.URL, "http://")))
		})

		It("streams request and response bodies unchanged", func() {
			payload := bytes.Repeat([]byte("0123456789abcdef"), 64*1024)
			code, _, body := do(http.MethodPost, "/echo", bytes.NewReader(payload), authorized)
			Expect(code).To(Equal(http.StatusOK))
			Expect([]byte(body)).To(Equal(payload))
			Expect(requests()[0].Method).To(Equal(http.MethodPost))
		})

		It("returns upstream error statuses and headers as-is", func() {
			code, hdr, body := do(http.MethodGet, "/missing", nil, authorized)
			Expect(code).To(Equal(http.StatusNotFound))
			Expect(hdr.Get("X-Upstream")).To(Equal("1"))
			Expect(body).To(Equal("nope"))
		})

		It("hands redirects back to the client instead of following them", func() {
			code, hdr, _ := do(http.MethodGet, "/redirect", nil, authorized)
			Expect(code).To(Equal(http.StatusFound))
			Expect(hdr.Get("Location")).To(Equal("/elsewhere"))
			Expect(requests()).To(HaveLen(1))
		})

		DescribeTable("forwards every method",
			func(method string) {
				code, _, _ := do(method, "/anything", nil, authorized)
				Expect(code).To(Equal(http.StatusOK))
				Expect(requests()).To(HaveLen(1))
				Expect(requests()[0].Method).To(Equal(method))
			},
			Entry(nil, http.MethodGet),
			Entry(nil, http.MethodPost),
			Entry(nil, http.MethodPut),
			Entry(nil, http.MethodPatch),
			Entry(nil, http.MethodDelete),
			Entry(nil, http.MethodOptions),
			Entry(nil, "PURGE"),
			Entry(nil, "XYZZY"),
		)
	})

	Describe("malformed request targets", func() {
		It("is answered by net/http with 400 before the gateway runs", func() {
			code, _ := doTarget(http.MethodGet, "/bad%zz", authorized)
			Expect(code).To(Equal(http.StatusBadRequest))
			Expect(requests()).To(BeEmpty())
		})
	})

	Describe("unreachable upstream", func() {
		It("answers 502 without leaking the transport error", func() {
			dead := startGateway("http://" + closedAddr())
			defer dead.Close()

			resp, err := httpc.Do(mustRequest(dead.URL+"/status", token))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)

			Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
			Expect(string(body)).To(Equal("Bad Gateway"))
		})
	})

	Describe("concurrency", func() {
		It("treats every request independently", func() {
			dead := startGateway("http://" + closedAddr())
			defer dead.Close()

			const n = 60
			type result struct {
				code int
				body string
				err  error
			}
			results := make([]result, n)

			var wg sync.WaitGroup
			for i := range n {
				wg.Add(1)
				go func() {
					defer wg.Done()
					var req *http.Request
					switch i % 3 {
					case 0:
						req = mustRequest(gateway.URL+"/seq", token)
						req.Header.Set("X-Seq", fmt.Sprint(i))
					case 1:
						req = mustRequest(gateway.URL+"/seq", "wrong")
					case 2:
						req = mustRequest(dead.URL+"/seq", token)
					}
					resp, err := httpc.Do(req)
					if err != nil {
						results[i] = result{err: err}
						return
					}
					defer resp.Body.Close()
					b, err := io.ReadAll(resp.Body)
					results[i] = result{code: resp.StatusCode, body: string(b), err: err}
				}()
			}
			wg.Wait()

			for i, r := range results {
				Expect(r.err).NotTo(HaveOccurred())
				switch i % 3 {
				case 0:
					Expect(r.code).To(Equal(http.StatusOK))
					Expect(r.body).To(Equal(fmt.Sprintf("seq=%d", i)))
				case 1:
					Expect(r.code).To(Equal(http.StatusUnauthorized))
					Expect(r.body).To(Equal("Invalid auth token"))
				case 2:
					Expect(r.code).To(Equal(http.StatusBadGateway))
					Expect(r.body).To(Equal("Bad Gateway"))
				}
			}

			Expect(requests()).To(HaveLen(n / 3))
		})
	})
})

func mustRequest(url, authValue string) *http.Request {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	Expect(err).NotTo(HaveOccurred())
	req.Header.Set("Authorization", authValue)
	return req
}
