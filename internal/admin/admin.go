// Package admin is the admin/control HTTP surface: a chi-routed JSON API
// exposing every operation in the admin table (get stats, source and
// upstream mutations, detect all, manual switch, mode, persistence,
// import, clear dead).
//
// Generalizes the teacher's internal/api package (a bare http.ServeMux
// with 4 endpoints wrapping pool/rotator) to the full admin surface,
// routed with chi instead of ServeMux since the route set has grown
// enough to want method-scoped registration and the pack already
// depends on go-chi/chi/v5 (caddyserver-caddy).
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vantage-labs/proxyhub/internal/health"
	"github.com/vantage-labs/proxyhub/internal/ingest"
	"github.com/vantage-labs/proxyhub/internal/logging"
	"github.com/vantage-labs/proxyhub/internal/pool"
	"github.com/vantage-labs/proxyhub/internal/rotator"
	"github.com/vantage-labs/proxyhub/internal/source"
)

var log = logging.Get("admin")

var importHostPortRE = regexp.MustCompile(`\b(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}):(\d{1,5})\b`)

const maxUpstreamListing = 100

// Server is the admin HTTP server.
type Server struct {
	store    *pool.Store
	registry *source.Registry
	ingestor *ingest.Ingestor
	checker  *health.Checker
	picker   *rotator.Picker

	// scrapeProxyURL is the configured local upstream that
	// handleFetchSources routes through when a request sets use_proxy.
	scrapeProxyURL string

	httpServer *http.Server
}

// New builds the admin server's chi router and binds it to addr.
// scrapeProxyURL is the configured scrape_proxy_url (spec §6); it is used
// whenever a /admin/sources/fetch request sets use_proxy.
func New(addr string, store *pool.Store, registry *source.Registry, ingestor *ingest.Ingestor, checker *health.Checker, picker *rotator.Picker, scrapeProxyURL string) *Server {
	s := &Server{store: store, registry: registry, ingestor: ingestor, checker: checker, picker: picker, scrapeProxyURL: scrapeProxyURL}

	r := chi.NewRouter()
	r.Get("/admin/stats", s.handleStats)
	r.Post("/admin/sources/presets", s.handleLoadPresets)
	r.Post("/admin/sources/fetch", s.handleFetchSources)
	r.Post("/admin/sources", s.handleAddSource)
	r.Delete("/admin/sources", s.handleRemoveSource)
	r.Post("/admin/sources/clear", s.handleClearSources)
	r.Get("/admin/sources", s.handleListSources)
	r.Get("/admin/upstreams", s.handleListUpstreams)
	r.Post("/admin/detect", s.handleDetectAll)
	r.Post("/admin/rotate", s.handleManualSwitch)
	r.Post("/admin/blacklist/clear", s.handleClearBlacklist)
	r.Put("/admin/mode", s.handleSetMode)
	r.Post("/admin/persist", s.handlePersist)
	r.Post("/admin/upstreams/import", s.handleImportUpstreams)
	r.Delete("/admin/upstreams/dead", s.handleClearDead)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until the server stops.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Stop shuts down the server gracefully.
func (s *Server) Stop() error {
	return s.httpServer.Close()
}

// OnPersistRequested lets cmd/root.go wire the "save persistence" admin
// operation to whatever the persistence collaborator needs to do; set
// before Start.
var OnPersistRequested func() error

// -----------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st := s.store.Stats()
	jsonOK(w, map[string]any{
		"total":     st.Total,
		"alive":     st.Alive,
		"domestic":  st.Domestic,
		"foreign":   st.Foreign,
		"blacklist": st.Blacklist,
	})
}

type loadPresetRequest struct {
	Type string `json:"type"`
}

func (s *Server) handleLoadPresets(w http.ResponseWriter, r *http.Request) {
	var req loadPresetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	added, err := s.registry.LoadPreset(req.Type)
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	jsonOK(w, map[string]any{"added": added})
}

type fetchSourcesRequest struct {
	IDs      []int64 `json:"ids"`
	UseProxy bool    `json:"use_proxy"`
}

func (s *Server) handleFetchSources(w http.ResponseWriter, r *http.Request) {
	var req fetchSourcesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	added, err := s.ingestor.Fetch(r.Context(), req.IDs, ingest.Config{UseProxy: req.UseProxy, ProxyURL: s.scrapeProxyURL})
	if err != nil {
		httpError(w, http.StatusBadGateway, err)
		return
	}
	jsonOK(w, map[string]any{"added": added})
}

type addSourceRequest struct {
	URL string `json:"url"`
	Tag string `json:"tag"`
}

func (s *Server) handleAddSource(w http.ResponseWriter, r *http.Request) {
	var req addSourceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id, inserted := s.registry.Add(req.URL, req.Tag)
	jsonOK(w, map[string]any{"id": id, "inserted": inserted})
}

type removeSourceRequest struct {
	ID int64 `json:"id"`
}

func (s *Server) handleRemoveSource(w http.ResponseWriter, r *http.Request) {
	var req removeSourceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	jsonOK(w, map[string]any{"removed": s.registry.Remove(req.ID)})
}

func (s *Server) handleClearSources(w http.ResponseWriter, r *http.Request) {
	s.registry.Clear()
	jsonOK(w, map[string]any{"ok": true})
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	jsonOK(w, s.registry.List())
}

// upstreamView is the JSON projection of an Upstream for the admin
// listing, blacklist-aware (the Upstream struct itself has no
// "blacklisted" field — it's looked up with Store.IsBlacklisted).
type upstreamView struct {
	URL         string      `json:"url"`
	Scheme      string      `json:"scheme"`
	Alive       bool        `json:"alive"`
	LatencyMS   int         `json:"latency_ms"`
	Region      pool.Region `json:"region"`
	FailCount   int         `json:"fail_count"`
	Blacklisted bool        `json:"blacklisted"`
}

func (s *Server) handleListUpstreams(w http.ResponseWriter, r *http.Request) {
	all := s.store.All()
	views := make([]upstreamView, 0, len(all))
	for _, up := range all {
		views = append(views, upstreamView{
			URL:         up.URL,
			Scheme:      up.Scheme,
			Alive:       up.Alive,
			LatencyMS:   up.LatencyMS,
			Region:      up.Region,
			FailCount:   up.FailCount,
			Blacklisted: s.store.IsBlacklisted(up.URL),
		})
	}
	// sorted by (alive desc, blacklisted last), capped at 100 (spec §6)
	sort.SliceStable(views, func(i, j int) bool {
		if views[i].Alive != views[j].Alive {
			return views[i].Alive
		}
		return !views[i].Blacklisted && views[j].Blacklisted
	})
	if len(views) > maxUpstreamListing {
		views = views[:maxUpstreamListing]
	}
	jsonOK(w, views)
}

func (s *Server) handleDetectAll(w http.ResponseWriter, r *http.Request) {
	// The scan outlives this request — ServeHTTP returns (and r.Context()
	// is canceled) right after the goroutine is spawned, so it must run
	// against a background context, not the request's.
	go s.checker.DetectAll(context.Background(), health.Config{})
	jsonOK(w, map[string]any{"ok": true, "started": true})
}

func (s *Server) handleManualSwitch(w http.ResponseWriter, r *http.Request) {
	s.picker.ManualSwitch()
	jsonOK(w, map[string]any{"ok": true})
}

func (s *Server) handleClearBlacklist(w http.ResponseWriter, r *http.Request) {
	s.store.ClearBlacklist()
	jsonOK(w, map[string]any{"ok": true})
}

type setModeRequest struct {
	Mode rotator.Mode `json:"mode"`
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req setModeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	switch req.Mode {
	case rotator.ModeAll, rotator.ModeDomestic, rotator.ModeForeign:
	default:
		httpError(w, http.StatusBadRequest, errInvalidMode)
		return
	}
	s.picker.SetMode(req.Mode)
	jsonOK(w, map[string]any{"ok": true, "mode": req.Mode})
}

func (s *Server) handlePersist(w http.ResponseWriter, r *http.Request) {
	if OnPersistRequested != nil {
		if err := OnPersistRequested(); err != nil {
			httpError(w, http.StatusInternalServerError, err)
			return
		}
	}
	jsonOK(w, map[string]any{"ok": true})
}

type importUpstreamsRequest struct {
	Protocol string `json:"protocol"`
	Text     string `json:"text"`
}

func (s *Server) handleImportUpstreams(w http.ResponseWriter, r *http.Request) {
	var req importUpstreamsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	scheme := req.Protocol
	if scheme == "" {
		scheme = "http"
	}

	seen := make(map[string]struct{})
	var seeds []pool.UpstreamSeed
	for _, m := range importHostPortRE.FindAllStringSubmatch(req.Text, -1) {
		hostport := m[1] + ":" + m[2]
		if _, dup := seen[hostport]; dup {
			continue
		}
		seen[hostport] = struct{}{}
		seeds = append(seeds, pool.UpstreamSeed{URL: scheme + "://" + hostport, Scheme: scheme})
	}
	added := s.store.AddUpstreams(seeds)
	jsonOK(w, map[string]any{"added": added})
}

func (s *Server) handleClearDead(w http.ResponseWriter, r *http.Request) {
	jsonOK(w, map[string]any{"removed": s.store.ClearDead()})
}

// -----------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------

var errInvalidMode = httpErr("mode must be one of all, domestic, foreign")

type httpErr string

func (e httpErr) Error() string { return string(e) }

func jsonOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithField("err", err).Warn("encode response failed")
	}
}

func httpError(w http.ResponseWriter, code int, err error) {
	http.Error(w, err.Error(), code)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}
