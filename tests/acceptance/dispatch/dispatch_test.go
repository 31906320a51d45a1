package dispatch_test

import (
	"encoding/json"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/valyala/fasthttp"

	"github.com/scrapehive/dispatcher/internal/dispatch/runnerclient"
	"github.com/scrapehive/dispatcher/pkg/types"
)

var pageContent = strings.Repeat("<p>real page content</p>", 10)

var _ = Describe("Scrape dispatch", func() {
	var h *harness

	BeforeEach(func() {
		h = newHarness(harnessOptions{})
	})

	Describe("Basic dispatch", func() {
		It("routes a scrape through a registered runner and proxy", func() {
			runner := newStubRunner(successResponse(pageContent))
			defer runner.Close()

			Expect(h.registerRunner("r1", runner.URL()).Response.StatusCode()).To(Equal(fasthttp.StatusOK))
			Expect(h.addProxy("10.1.0.1", 8080).Response.StatusCode()).To(Equal(fasthttp.StatusOK))

			ctx := h.scrape("https://example.com/page", false)
			Expect(ctx.Response.StatusCode()).To(Equal(fasthttp.StatusOK))

			result, err := scrapeResult(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Content).To(Equal(pageContent))
			Expect(result.RunnerUsed).To(Equal("r1"))
			Expect(result.ProxyUsed).To(Equal("10.1.0.1:8080"))
			Expect(result.Attempts).To(Equal(1))

			By("Forwarding the proxy credentials to the runner")
			requests := runner.Requests()
			Expect(requests).To(HaveLen(1))
			Expect(requests[0].Proxy).ToNot(BeNil())
			Expect(requests[0].Proxy.Key()).To(Equal("10.1.0.1:8080"))
			Expect(requests[0].RequestID).ToNot(BeEmpty())
		})

		It("rejects scrapes when no runners are registered", func() {
			Expect(h.addProxy("10.1.0.1", 8080).Response.StatusCode()).To(Equal(fasthttp.StatusOK))

			ctx := h.scrape("https://example.com", false)
			Expect(ctx.Response.StatusCode()).To(Equal(fasthttp.StatusServiceUnavailable))
		})
	})

	Describe("Result caching", func() {
		It("serves repeated requests from cache without re-invoking the runner", func() {
			runner := newStubRunner(successResponse(pageContent))
			defer runner.Close()

			h.registerRunner("r1", runner.URL())
			h.addProxy("10.1.0.1", 8080)

			first, err := scrapeResult(h.scrape("https://example.com/page", true))
			Expect(err).ToNot(HaveOccurred())
			Expect(first.FromCache).To(BeFalse())

			second, err := scrapeResult(h.scrape("https://example.com/page", true))
			Expect(err).ToNot(HaveOccurred())
			Expect(second.FromCache).To(BeTrue())
			Expect(second.Content).To(Equal(first.Content))

			Expect(runner.RequestCount()).To(Equal(1))
		})

		It("treats equivalent URLs as the same cache entry", func() {
			runner := newStubRunner(successResponse(pageContent))
			defer runner.Close()

			h.registerRunner("r1", runner.URL())
			h.addProxy("10.1.0.1", 8080)

			_, err := scrapeResult(h.scrape("https://example.com/page?b=2&a=1", true))
			Expect(err).ToNot(HaveOccurred())

			cached, err := scrapeResult(h.scrape("HTTPS://EXAMPLE.COM:443/page?a=1&b=2", true))
			Expect(err).ToNot(HaveOccurred())
			Expect(cached.FromCache).To(BeTrue())

			Expect(runner.RequestCount()).To(Equal(1))
		})
	})

	Describe("Retry rotation", func() {
		It("retries on a different runner and proxy after a blocked fetch", func() {
			blocked := newStubRunner(failureResponse("blocked", "access denied"))
			defer blocked.Close()
			healthy := newStubRunner(successResponse(pageContent))
			defer healthy.Close()

			// registered first, so load ties send the first attempt here
			h.registerRunner("r-blocked", blocked.URL())
			h.registerRunner("r-healthy", healthy.URL())
			h.addProxy("10.1.0.1", 8080)
			h.addProxy("10.1.0.2", 8080)

			result, err := scrapeResult(h.scrape("https://example.com/page", false))
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Attempts).To(Equal(2))
			Expect(result.RunnerUsed).To(Equal("r-healthy"))

			By("Never reusing a proxy within one submission")
			for _, req := range blocked.Requests() {
				Expect(req.Proxy).ToNot(BeNil())
			}
		})

		It("fails with 502 when every attempt is rejected", func() {
			blocked := newStubRunner(failureResponse("blocked", "access denied"))
			defer blocked.Close()

			h.registerRunner("r1", blocked.URL())
			h.addProxy("10.1.0.1", 8080)

			ctx := h.scrape("https://example.com/page", false)
			Expect(ctx.Response.StatusCode()).To(Equal(fasthttp.StatusBadGateway))
			Expect(blocked.RequestCount()).To(Equal(1), "one runner allows one attempt")
		})
	})

	Describe("Method escalation", func() {
		It("escalates to a rendered fetch when the runner signals render_required", func() {
			runner := newStubRunner(func(req runnerclient.Request) runnerclient.Response {
				if req.Method != types.MethodRendered {
					return runnerclient.Response{
						Status:    types.StatusFailed,
						Error:     "page is a JS shell",
						ErrorType: "render_required",
					}
				}
				return runnerclient.Response{
					Status:     types.StatusSuccess,
					Content:    pageContent,
					MethodUsed: types.MethodRendered,
				}
			})
			defer runner.Close()

			h.registerRunner("r1", runner.URL())
			h.registerRunner("r2", runner.URL())
			h.addProxy("10.1.0.1", 8080)
			h.addProxy("10.1.0.2", 8080)

			result, err := scrapeResult(h.scrape("https://example.com/spa", false))
			Expect(err).ToNot(HaveOccurred())
			Expect(result.MethodUsed).To(Equal(types.MethodRendered))
			Expect(result.Attempts).To(Equal(2))

			requests := runner.Requests()
			Expect(requests).To(HaveLen(2))
			Expect(requests[0].Method).To(Equal(types.MethodHTTPOnly))
			Expect(requests[1].Method).To(Equal(types.MethodRendered))
		})
	})

	Describe("Proxy cooldown", func() {
		It("takes a repeatedly failing proxy out of rotation", func() {
			h = newHarness(harnessOptions{MaxAttempts: 1, CooldownThresh: 2})

			blocked := newStubRunner(failureResponse("blocked", "access denied"))
			defer blocked.Close()

			h.registerRunner("r1", blocked.URL())
			h.addProxy("10.1.0.1", 8080)

			for i := 0; i < 2; i++ {
				ctx := h.scrape("https://example.com/page", false)
				Expect(ctx.Response.StatusCode()).ToNot(Equal(fasthttp.StatusOK))
			}

			status := h.call("GET", "/api/status", "")
			var resp struct {
				Data struct {
					TotalProxies     int `json:"total_proxies"`
					AvailableProxies int `json:"available_proxies"`
				} `json:"data"`
			}
			Expect(json.Unmarshal(status.Response.Body(), &resp)).To(Succeed())
			Expect(resp.Data.TotalProxies).To(Equal(1))
			Expect(resp.Data.AvailableProxies).To(BeZero(), "proxy should be cooling down")

			By("Refusing further scrapes while the only proxy cools down")
			ctx := h.scrape("https://example.com/page", false)
			Expect(ctx.Response.StatusCode()).To(Equal(fasthttp.StatusServiceUnavailable))
		})
	})

	Describe("Runner liveness", func() {
		It("marks silent runners offline and revives them on heartbeat", func() {
			h = newHarness(harnessOptions{LivenessTimeout: 50 * time.Millisecond})

			runner := newStubRunner(successResponse(pageContent))
			defer runner.Close()

			h.registerRunner("r1", runner.URL())
			h.addProxy("10.1.0.1", 8080)

			time.Sleep(80 * time.Millisecond)
			h.Registry.SweepNow()

			ctx := h.scrape("https://example.com/page", false)
			Expect(ctx.Response.StatusCode()).To(Equal(fasthttp.StatusServiceUnavailable))

			By("Reviving the runner with a heartbeat")
			hb := h.call("POST", "/api/runners/r1/heartbeat", "")
			Expect(hb.Response.StatusCode()).To(Equal(fasthttp.StatusOK))

			result, err := scrapeResult(h.scrape("https://example.com/page", false))
			Expect(err).ToNot(HaveOccurred())
			Expect(result.RunnerUsed).To(Equal("r1"))
		})
	})
})
