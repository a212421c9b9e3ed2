// Package ingest is the Ingestor: fetches a set of Sources concurrently
// and extracts candidate upstream proxy addresses from their response
// bodies.
//
// Generalizes the teacher's monitor package's bounded-concurrency
// fetch-and-probe shape (a hand-rolled `sem := make(chan struct{}, n)`
// semaphore plus sync.WaitGroup) into an errgroup.Group with SetLimit,
// applied to scraping sources instead of probing proxies.
package ingest

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vantage-labs/proxyhub/internal/logging"
	"github.com/vantage-labs/proxyhub/internal/pool"
)

var log = logging.Get("ingest")

// ipPortRE extracts every ddd.ddd.ddd.ddd:port substring, no CIDR/IPv6.
var ipPortRE = regexp.MustCompile(`\b(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}):(\d{1,5})\b`)

const (
	maxIdleConns        = 50
	maxIdleConnsPerHost = 20
	defaultTimeout      = 20 * time.Second
	fetchConcurrency    = 20
)

// Config tunes the Ingestor's HTTP client and fan-out width.
type Config struct {
	Timeout     time.Duration
	Concurrency int
	// ProxyURL, when non-empty and UseProxy is true, routes every scrape
	// request through this local upstream instead of dialing directly.
	ProxyURL string
	UseProxy bool
}

// Ingestor fetches Sources and folds extracted upstream candidates into
// the Pool Store.
type Ingestor struct {
	store *pool.Store
}

// New builds an Ingestor bound to a Pool Store.
func New(store *pool.Store) *Ingestor {
	return &Ingestor{store: store}
}

// Fetch resolves the given source ids, fans out one GET per source, and
// folds every extracted upstream through Pool Store.AddUpstreams. Returns
// the total number of genuinely new upstreams added. A single source's
// failure is logged and swallowed; the batch always completes (spec §4.3).
func (ig *Ingestor) Fetch(ctx context.Context, ids []int64, cfg Config) (int, error) {
	sources := ig.store.GetSources(ids)

	client, err := buildClient(cfg)
	if err != nil {
		return 0, err
	}

	batchID := uuid.New().String()
	log.WithFields(map[string]any{"batch": batchID, "sources": len(sources)}).Info("ingest batch starting")

	g, gctx := errgroup.WithContext(ctx)
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = fetchConcurrency
	}
	g.SetLimit(concurrency)

	results := make(chan []pool.UpstreamSeed, len(sources))
	for _, src := range sources {
		src := src
		g.Go(func() error {
			seeds, err := fetchOne(gctx, client, src)
			if err != nil {
				log.WithFields(map[string]any{"batch": batchID, "source": src.ID, "url": src.URL, "err": err}).
					Warn("source fetch failed, skipping")
				return nil // a single task's failure never aborts the batch
			}
			results <- seeds
			return nil
		})
	}

	// errgroup.Wait blocks until every Go'd task returns; nothing here can
	// return a non-nil error (task failures are swallowed above), so the
	// error return is always nil, but we still respect the contract.
	if err := g.Wait(); err != nil {
		return 0, err
	}
	close(results)

	dedup := make(map[string]pool.UpstreamSeed)
	for seeds := range results {
		for _, s := range seeds {
			dedup[s.URL] = s
		}
	}
	merged := make([]pool.UpstreamSeed, 0, len(dedup))
	for _, s := range dedup {
		merged = append(merged, s)
	}

	added := ig.store.AddUpstreams(merged)
	log.WithFields(map[string]any{"batch": batchID, "extracted": len(merged), "added": added}).Info("ingest batch done")
	return added, nil
}

func fetchOne(ctx context.Context, client *http.Client, src pool.Source) ([]pool.UpstreamSeed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}

	scheme := "http"
	if strings.Contains(strings.ToLower(src.URL), "socks5") {
		scheme = "socks5"
	}

	seen := make(map[string]struct{})
	var out []pool.UpstreamSeed
	for _, m := range ipPortRE.FindAllStringSubmatch(string(body), -1) {
		hostport := m[1] + ":" + m[2]
		if _, dup := seen[hostport]; dup {
			continue
		}
		seen[hostport] = struct{}{}
		out = append(out, pool.UpstreamSeed{URL: scheme + "://" + hostport, Scheme: scheme})
	}
	return out, nil
}

func buildClient(cfg Config) (*http.Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	transport := &http.Transport{
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: maxIdleConnsPerHost,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: true}, // source lists are commonly self-signed
	}

	if cfg.UseProxy && cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, err
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &http.Client{Timeout: timeout, Transport: transport}, nil
}
