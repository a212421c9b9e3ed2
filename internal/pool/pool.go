// Package pool is the Pool Store: the authoritative, mutex-serialized
// mapping of upstream proxy URL to metadata, the set of registered scrape
// Sources, and the blacklist of temporarily excluded upstream URLs.
//
// Generalizes the teacher's pool.Pool (which only ever held one kind of
// entry, loaded once from a file and read under an RWMutex) to the full
// Pool Store described in spec §3/§4.1: Upstreams, Sources and a
// blacklist, all serialized by a single mutex, with Dispatcher allowed to
// write fail_count/blacklist membership under that same lock.
package pool

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vantage-labs/proxyhub/internal/logging"
)

var log = logging.Get("pool")

// FailThreshold is the default consecutive-failure count at which an
// upstream is blacklisted (spec §3 invariant 3, default 3).
const FailThreshold = 3

// Store is the Pool Store. Zero value is not usable; use New.
type Store struct {
	mu sync.RWMutex

	// Upstreams, keyed by canonical URL, with insertion order preserved in
	// order so Live() snapshots are deterministic (spec §4.1: "ordering is
	// deterministic (insertion order) so rotation is reproducible").
	upstreams map[string]*Upstream
	order     []string

	blacklist map[string]struct{}

	sources      map[int64]*Source
	sourceOrder  []int64
	nextSourceID atomic.Int64

	failThreshold int

	dirty chan struct{}
}

// New creates an empty Pool Store.
func New(failThreshold int) *Store {
	if failThreshold <= 0 {
		failThreshold = FailThreshold
	}
	return &Store{
		upstreams:     make(map[string]*Upstream),
		blacklist:     make(map[string]struct{}),
		sources:       make(map[int64]*Source),
		failThreshold: failThreshold,
		dirty:         make(chan struct{}, 1),
	}
}

// Dirty signals after every mutating operation. The channel is buffered
// with size 1 and the send is non-blocking — a pending signal is not
// duplicated, matching the teacher's rotateCh-coalescing shape in
// internal/rotator/rotator.go.
func (s *Store) Dirty() <-chan struct{} {
	return s.dirty
}

func (s *Store) markDirty() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

// -----------------------------------------------------------------------
// Sources
// -----------------------------------------------------------------------

// AddSource inserts a new Source. Duplicate URLs are a no-op and return
// inserted=false (spec §4.1 add_source).
func (s *Store) AddSource(url, tag string) (id int64, inserted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sid := range s.sourceOrder {
		if s.sources[sid].URL == url {
			return s.sources[sid].ID, false
		}
	}

	id = s.nextSourceID.Add(1)
	src := &Source{ID: id, URL: url, Tag: tag}
	s.sources[id] = src
	s.sourceOrder = append(s.sourceOrder, id)
	s.markDirty()
	log.WithFields(map[string]any{"id": id, "url": url, "tag": tag}).Debug("source added")
	return id, true
}

// RemoveSource deletes a Source by id. The id is never reused (spec §3
// invariant 5).
func (s *Store) RemoveSource(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sources[id]; !ok {
		return false
	}
	delete(s.sources, id)
	for i, sid := range s.sourceOrder {
		if sid == id {
			s.sourceOrder = append(s.sourceOrder[:i], s.sourceOrder[i+1:]...)
			break
		}
	}
	s.markDirty()
	return true
}

// ClearSources deletes every Source. The id counter is NOT reset (spec §3
// invariant 5: deletion never reuses an id).
func (s *Store) ClearSources() {
	s.mu.Lock()
	s.sources = make(map[int64]*Source)
	s.sourceOrder = nil
	s.mu.Unlock()
	s.markDirty()
}

// ListSources returns a snapshot of all Sources in insertion order.
func (s *Store) ListSources() []Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Source, 0, len(s.sourceOrder))
	for _, id := range s.sourceOrder {
		out = append(out, *s.sources[id])
	}
	return out
}

// GetSources resolves a set of ids to Source records, skipping unknown ids.
func (s *Store) GetSources(ids []int64) []Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Source, 0, len(ids))
	for _, id := range ids {
		if src, ok := s.sources[id]; ok {
			out = append(out, *src)
		}
	}
	return out
}

// -----------------------------------------------------------------------
// Upstreams
// -----------------------------------------------------------------------

// UpstreamSeed is a freshly-scraped or admin-imported candidate, not yet
// known to the pool.
type UpstreamSeed struct {
	URL    string
	Scheme string
}

// AddUpstreams performs a set-union on URL, preserving existing metadata
// for already-known urls (spec §4.1 add_upstreams). Returns the count of
// genuinely new entries.
func (s *Store) AddUpstreams(seeds []UpstreamSeed) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, seed := range seeds {
		if seed.URL == "" {
			continue
		}
		if _, exists := s.upstreams[seed.URL]; exists {
			continue
		}
		s.upstreams[seed.URL] = &Upstream{
			URL:    seed.URL,
			Scheme: seed.Scheme,
			Alive:  true, // assume alive until the Health Checker says otherwise
			Region: RegionUnknown,
		}
		s.order = append(s.order, seed.URL)
		added++
	}
	if added > 0 {
		s.markDirty()
	}
	return added
}

// UpdateUpstream applies a partial update. fields.Alive == true also
// discards the url from the blacklist (spec §4.1 update_upstream).
func (s *Store) UpdateUpstream(url string, fields UpstreamFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	up, ok := s.upstreams[url]
	if !ok {
		return fmt.Errorf("pool: unknown upstream %q", url)
	}
	if fields.Alive != nil {
		wasAlive := up.Alive
		up.Alive = *fields.Alive
		if *fields.Alive {
			delete(s.blacklist, url)
			if !wasAlive {
				log.WithField("url", url).Info("upstream recovered")
			}
		}
	}
	if fields.LatencyMS != nil {
		up.LatencyMS = *fields.LatencyMS
	}
	if fields.Region != nil {
		up.Region = *fields.Region
	}
	s.markDirty()
	return nil
}

// Live returns a stable, ordered snapshot of live, non-blacklisted
// upstreams, optionally filtered by region. Ordering is insertion order
// (spec §4.1 live) so rotation over the snapshot is reproducible.
func (s *Store) Live(region Region) []Upstream {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Upstream, 0, len(s.order))
	for _, url := range s.order {
		up := s.upstreams[url]
		if !up.Alive {
			continue
		}
		if _, blacklisted := s.blacklist[url]; blacklisted {
			continue
		}
		if region != "" && region != "all" && up.Region != region {
			continue
		}
		out = append(out, *up)
	}
	return out
}

// All returns every known upstream, alive or not, in insertion order.
func (s *Store) All() []Upstream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Upstream, 0, len(s.order))
	for _, url := range s.order {
		out = append(out, *s.upstreams[url])
	}
	return out
}

// IsBlacklisted reports whether url is currently blacklisted.
func (s *Store) IsBlacklisted(url string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blacklist[url]
	return ok
}

// MarkFailure increments fail_count for url and blacklists it once the
// threshold is reached (spec §4.6). Returns the new count.
func (s *Store) MarkFailure(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	up, ok := s.upstreams[url]
	if !ok {
		return 0
	}
	up.FailCount++
	if up.FailCount >= s.failThreshold {
		if _, already := s.blacklist[url]; !already {
			s.blacklist[url] = struct{}{}
			log.WithFields(map[string]any{"url": url, "fail_count": up.FailCount}).Warn("upstream blacklisted")
		}
	}
	s.markDirty()
	return up.FailCount
}

// MarkSuccess resets fail_count to 0 for url (spec §4.6: "Splice begins").
func (s *Store) MarkSuccess(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if up, ok := s.upstreams[url]; ok {
		up.FailCount = 0
	}
	s.markDirty()
}

// ClearBlacklist empties the blacklist and zeroes every fail_count (spec
// §4.6 "Admin clear blacklist").
func (s *Store) ClearBlacklist() {
	s.mu.Lock()
	s.blacklist = make(map[string]struct{})
	for _, up := range s.upstreams {
		up.FailCount = 0
	}
	s.mu.Unlock()
	s.markDirty()
}

// ClearDead deletes every upstream with alive == false.
func (s *Store) ClearDead() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	newOrder := s.order[:0:0]
	for _, url := range s.order {
		up := s.upstreams[url]
		if !up.Alive {
			delete(s.upstreams, url)
			delete(s.blacklist, url)
			removed++
			continue
		}
		newOrder = append(newOrder, url)
	}
	s.order = newOrder
	if removed > 0 {
		s.markDirty()
	}
	return removed
}

// Stats summarizes pool counts for the admin "get stats" operation.
type Stats struct {
	Total     int
	Alive     int
	Domestic  int
	Foreign   int
	Blacklist int
}

// Stats computes the current pool-wide counts.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st Stats
	st.Total = len(s.order)
	st.Blacklist = len(s.blacklist)
	for _, url := range s.order {
		up := s.upstreams[url]
		if up.Alive {
			st.Alive++
		}
		switch up.Region {
		case RegionDomestic:
			st.Domestic++
		case RegionForeign:
			st.Foreign++
		}
	}
	return st
}

// -----------------------------------------------------------------------
// Persistence collaborator surface
// -----------------------------------------------------------------------

// Export returns the whole-state snapshot for the persistence collaborator.
// Blacklist membership is intentionally excluded (spec §6).
func (s *Store) Export() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{SourceIDCounter: s.nextSourceID.Load()}
	for _, id := range s.sourceOrder {
		snap.Sources = append(snap.Sources, *s.sources[id])
	}
	for _, url := range s.order {
		snap.Upstreams = append(snap.Upstreams, *s.upstreams[url])
	}
	return snap
}

// Import replaces the store's state from a snapshot. Blacklist starts
// empty (restarts give second chances, per spec §6).
func (s *Store) Import(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sources = make(map[int64]*Source, len(snap.Sources))
	s.sourceOrder = s.sourceOrder[:0]
	for i := range snap.Sources {
		src := snap.Sources[i]
		s.sources[src.ID] = &src
		s.sourceOrder = append(s.sourceOrder, src.ID)
	}
	s.nextSourceID.Store(snap.SourceIDCounter)

	s.upstreams = make(map[string]*Upstream, len(snap.Upstreams))
	s.order = s.order[:0]
	for i := range snap.Upstreams {
		up := snap.Upstreams[i]
		s.upstreams[up.URL] = &up
		s.order = append(s.order, up.URL)
	}
	s.blacklist = make(map[string]struct{})
}
