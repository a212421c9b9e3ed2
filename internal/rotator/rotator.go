// Package rotator is the rotation picker: a single shared monotonically
// increasing cursor over the Pool Store's live snapshot.
//
// Generalizes the teacher's Rotator (a single shared "current proxy"
// advanced by a background goroutine draining interval/request/
// conn-error/http-error triggers, with per-domain pinning) into the
// spec's simpler per-call cursor-mod-len(snapshot) picker. Domain pinning
// and the four automatic triggers are dropped: spec §4.5.1 explicitly
// discourages per-client state ("lest it enable fingerprinting"), and
// the Dispatcher alone decides when to call Next, once per new
// connection and once per retry.
package rotator

import (
	"sync/atomic"

	"github.com/vantage-labs/proxyhub/internal/logging"
	"github.com/vantage-labs/proxyhub/internal/pool"
)

var log = logging.Get("rotator")

// Mode filters the live snapshot a Picker draws from.
type Mode string

const (
	ModeAll      Mode = "all"
	ModeDomestic Mode = "domestic"
	ModeForeign  Mode = "foreign"
)

func (m Mode) region() pool.Region {
	switch m {
	case ModeDomestic:
		return pool.RegionDomestic
	case ModeForeign:
		return pool.RegionForeign
	default:
		return ""
	}
}

// Picker selects the next upstream on each call, cycling over a fresh
// snapshot of the Pool Store's live upstreams.
type Picker struct {
	store  *pool.Store
	cursor atomic.Uint64

	mode atomic.Value // Mode
}

// New builds a Picker over the given Pool Store, starting in ModeAll.
func New(store *pool.Store) *Picker {
	p := &Picker{store: store}
	p.mode.Store(ModeAll)
	return p
}

// SetMode changes the rotation filter at runtime (admin "set hub mode").
func (p *Picker) SetMode(mode Mode) {
	p.mode.Store(mode)
	log.WithField("mode", mode).Info("rotation mode changed")
}

// Mode returns the current rotation filter.
func (p *Picker) Mode() Mode {
	return p.mode.Load().(Mode)
}

// Next returns the next upstream under the current mode filter, or
// ok=false if no live upstream is available (spec §4.5.1).
func (p *Picker) Next() (pool.Upstream, bool) {
	mode := p.Mode()
	snapshot := p.store.Live(mode.region())
	if len(snapshot) == 0 {
		return pool.Upstream{}, false
	}
	idx := p.cursor.Add(1) - 1
	return snapshot[idx%uint64(len(snapshot))], true
}

// ManualSwitch advances the cursor by one without returning an upstream,
// skipping whichever upstream Next would otherwise have served (spec §6
// "manual switch").
func (p *Picker) ManualSwitch() {
	p.cursor.Add(1)
}
