package pool

import "time"

// Region classifies where an Upstream's exit appears to be located,
// determined by the Health Checker's two-target probe.
type Region string

const (
	RegionUnknown  Region = "unknown"
	RegionDomestic Region = "domestic"
	RegionForeign  Region = "foreign"
)

// DeadLatencyMS is the sentinel latency recorded for an unreachable
// upstream (spec §3: "9999 sentinel for unreachable").
const DeadLatencyMS = 9999

// Upstream is one candidate exit proxy. URL is the canonical
// scheme://host:port form and is the primary key across the pool.
type Upstream struct {
	URL        string
	Scheme     string // "http" or "socks5"
	Alive      bool
	LatencyMS  int
	Region     Region
	FailCount  int
	UpdatedAt  time.Time
}

// Source is one scrape endpoint the Ingestor can be pointed at.
type Source struct {
	ID  int64
	URL string
	Tag string
}

// UpstreamFields is a partial update applied by UpdateUpstream. Nil
// pointers leave the corresponding field untouched.
type UpstreamFields struct {
	Alive     *bool
	LatencyMS *int
	Region    *Region
}

// Snapshot is the whole-state export/import surface used by the
// persistence collaborator (spec §6). Blacklist is intentionally
// excluded — restarts give second chances.
type Snapshot struct {
	Sources           []Source   `json:"sources"`
	SourceIDCounter   int64      `json:"source_id_counter"`
	Upstreams         []Upstream `json:"upstreams"`
}
