// Package health is the Health Checker: probes the full Upstream
// inventory in a single unbounded-by-default batch, classifying each
// candidate as dead, domestic, or foreign.
//
// Generalizes the teacher's monitor.Monitor (a single-URL liveness probe
// dialing the currently active proxy) to the spec's two-target
// domestic/foreign probe, run against every candidate upstream rather
// than just the one currently in use. Dialing reuses
// internal/upstream.DialCandidate.
package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/vantage-labs/proxyhub/internal/logging"
	"github.com/vantage-labs/proxyhub/internal/pool"
	"github.com/vantage-labs/proxyhub/internal/upstream"
)

var log = logging.Get("health")

const (
	defaultDomesticProbeURL = "http://www.baidu.com"
	defaultForeignProbeURL  = "http://www.google.com"
	defaultDomesticTimeout  = 3 * time.Second
	defaultForeignTimeout   = 2 * time.Second
	// minConcurrencyCap is the floor spec §4.4 requires if an implementation
	// chooses to bound what is otherwise unbounded-by-design fan-out.
	minConcurrencyCap = 100
)

// Config tunes probe targets, timeouts and (optional) concurrency cap.
type Config struct {
	DomesticProbeURL string
	ForeignProbeURL  string
	DomesticTimeout  time.Duration
	ForeignTimeout   time.Duration
	// ConcurrencyCap, if > 0, bounds simultaneous probes. Per spec §4.4
	// this MUST NOT be lower than 100; zero means unbounded.
	ConcurrencyCap int
}

func (c Config) withDefaults() Config {
	if c.DomesticProbeURL == "" {
		c.DomesticProbeURL = defaultDomesticProbeURL
	}
	if c.ForeignProbeURL == "" {
		c.ForeignProbeURL = defaultForeignProbeURL
	}
	if c.DomesticTimeout <= 0 {
		c.DomesticTimeout = defaultDomesticTimeout
	}
	if c.ForeignTimeout <= 0 {
		c.ForeignTimeout = defaultForeignTimeout
	}
	if c.ConcurrencyCap > 0 && c.ConcurrencyCap < minConcurrencyCap {
		c.ConcurrencyCap = minConcurrencyCap
	}
	return c
}

// Checker is the Health Checker.
type Checker struct {
	store *pool.Store
}

// New builds a Checker bound to a Pool Store.
func New(store *pool.Store) *Checker {
	return &Checker{store: store}
}

// DetectAll probes every known upstream concurrently and writes results
// back to the Pool Store via UpdateUpstream, then emits one dirty signal
// (implicit: every UpdateUpstream call already marks the store dirty, so
// the batch settling is itself the persistence signal described in
// spec §4.4).
func (c *Checker) DetectAll(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	all := c.store.All()

	log.WithField("count", len(all)).Info("health check pass started")

	var sem chan struct{}
	if cfg.ConcurrencyCap > 0 {
		sem = make(chan struct{}, cfg.ConcurrencyCap)
	}

	var wg sync.WaitGroup
	for _, up := range all {
		up := up
		wg.Add(1)
		if sem != nil {
			sem <- struct{}{}
		}
		go func() {
			defer wg.Done()
			if sem != nil {
				defer func() { <-sem }()
			}
			c.probeOne(ctx, up, cfg)
		}()
	}
	wg.Wait()

	stats := c.store.Stats()
	log.WithFields(map[string]any{"alive": stats.Alive, "total": stats.Total}).Info("health check pass done")
}

func (c *Checker) probeOne(ctx context.Context, up pool.Upstream, cfg Config) {
	parsed, err := url.Parse(up.URL)
	if err != nil {
		c.markDead(up.URL)
		return
	}

	domesticCtx, cancel := context.WithTimeout(ctx, cfg.DomesticTimeout)
	defer cancel()

	start := time.Now()
	ok, err := probeThrough(domesticCtx, parsed, cfg.DomesticProbeURL)
	elapsed := time.Since(start)
	if err != nil || !ok {
		c.markDead(up.URL)
		return
	}

	latencyMS := int(elapsed.Round(time.Millisecond).Milliseconds())
	region := pool.RegionDomestic

	foreignCtx, cancel2 := context.WithTimeout(ctx, cfg.ForeignTimeout)
	defer cancel2()
	if ok, _ := probeThrough(foreignCtx, parsed, cfg.ForeignProbeURL); ok {
		region = pool.RegionForeign
	}

	alive := true
	if err := c.store.UpdateUpstream(up.URL, pool.UpstreamFields{
		Alive:     &alive,
		LatencyMS: &latencyMS,
		Region:    &region,
	}); err != nil {
		log.WithFields(map[string]any{"url": up.URL, "err": err}).Warn("update after probe failed")
	}
}

func (c *Checker) markDead(url string) {
	alive := false
	latency := pool.DeadLatencyMS
	region := pool.RegionUnknown
	if err := c.store.UpdateUpstream(url, pool.UpstreamFields{
		Alive:     &alive,
		LatencyMS: &latency,
		Region:    &region,
	}); err != nil {
		log.WithFields(map[string]any{"url": url, "err": err}).Warn("update after probe failed")
	}
}

// probeThrough dials destination through candidate and reports whether the
// probe target answered 200 OK before ctx's deadline.
func probeThrough(ctx context.Context, candidate *url.URL, probeURL string) (bool, error) {
	target, err := url.Parse(probeURL)
	if err != nil {
		return false, fmt.Errorf("bad probe url: %w", err)
	}

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return upstream.DialCandidate(ctx, candidate, addr)
			},
		},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return false, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}
