// Package dispatcher is the hub: it accepts client connections and, for
// each one, runs the READ_PROLOGUE → SELECT → CONNECT_UPSTREAM →
// FORWARD_PROLOGUE → BRANCH → SNIFF → SPLICE state machine, retrying
// across upstream exits when the sniff predicates hit.
//
// Keeps the teacher's internal/server accept-loop/tunnel shape (listen,
// one goroutine per accepted connection, io.Copy pump pair with
// half-close) but replaces its policy entirely: no domain pinning, no
// Proxy-Authorization gate, no single pinned upstream for the session —
// instead a bounded per-connection retry loop against a fresh upstream
// on every attempt, sniffing the upstream's own response rather than
// trusting whichever proxy happened to be current.
package dispatcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/vantage-labs/proxyhub/internal/logging"
	"github.com/vantage-labs/proxyhub/internal/pool"
	"github.com/vantage-labs/proxyhub/internal/rotator"
)

var log = logging.Get("dispatcher")

var statusCodeRE = regexp.MustCompile(`HTTP/1\.[01] (\d{3})`)

const (
	prologueBufSize = 4096
	sniffBufSize    = 4096
)

var defaultSwitchStatusCodes = map[int]struct{}{403: {}, 429: {}, 502: {}, 503: {}, 504: {}}

var defaultSwitchKeywords = []string{"验证码", "访问被拒绝", "Forbidden", "CAPTCHA", "IP限制", "安全验证"}

// Config tunes the Dispatcher's per-operation deadlines and retry/sniff
// policy (spec §6 configuration).
type Config struct {
	ListenAddr string

	PrologueTimeout time.Duration
	ConnectTimeout  time.Duration
	SniffTimeout    time.Duration

	MaxRetries int

	SwitchStatusCodes map[int]struct{}
	SwitchKeywords    []string
}

func (c Config) withDefaults() Config {
	if c.PrologueTimeout <= 0 {
		c.PrologueTimeout = 3 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 3 * time.Second
	}
	if c.SniffTimeout <= 0 {
		c.SniffTimeout = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.SwitchStatusCodes == nil {
		c.SwitchStatusCodes = defaultSwitchStatusCodes
	}
	if c.SwitchKeywords == nil {
		c.SwitchKeywords = defaultSwitchKeywords
	}
	return c
}

// Dispatcher is the hub's client-facing listener.
type Dispatcher struct {
	cfg    atomic.Pointer[Config]
	store  *pool.Store
	picker *rotator.Picker
	ln     net.Listener
}

// New builds a Dispatcher. Call Start to begin accepting connections.
func New(store *pool.Store, picker *rotator.Picker, cfg Config) *Dispatcher {
	d := &Dispatcher{store: store, picker: picker}
	resolved := cfg.withDefaults()
	d.cfg.Store(&resolved)
	return d
}

// SetConfig hot-swaps the sniff predicates (switch_status_codes,
// switch_keywords). Listener address and timeouts are not live-reloaded.
func (d *Dispatcher) SetConfig(codes map[int]struct{}, keywords []string) {
	cur := *d.cfg.Load()
	cur.SwitchStatusCodes = codes
	cur.SwitchKeywords = keywords
	d.cfg.Store(&cur)
}

// Start begins listening and serving. Blocks until the listener is closed.
func (d *Dispatcher) Start() error {
	addr := d.cfg.Load().ListenAddr
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("dispatcher: listen %s: %w", addr, err)
	}
	d.ln = ln
	log.WithField("addr", addr).Info("dispatcher listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go d.handleConn(conn)
	}
}

// Stop closes the listener.
func (d *Dispatcher) Stop() error {
	if d.ln != nil {
		return d.ln.Close()
	}
	return nil
}

// handleConn runs the per-connection state machine.
func (d *Dispatcher) handleConn(client net.Conn) {
	defer client.Close()
	cfg := *d.cfg.Load()

	// READ_PROLOGUE
	client.SetReadDeadline(time.Now().Add(cfg.PrologueTimeout))
	prologue := make([]byte, prologueBufSize)
	n, err := client.Read(prologue)
	client.SetReadDeadline(time.Time{})
	if n == 0 || err != nil {
		return
	}
	prologue = prologue[:n]
	isConnect := bytes.HasPrefix(prologue, []byte("CONNECT"))

	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		// SELECT
		up, ok := d.picker.Next()
		if !ok {
			return
		}

		// CONNECT_UPSTREAM
		host, err := hostPort(up.URL)
		if err != nil {
			d.store.MarkFailure(up.URL)
			continue
		}
		dialCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
		upstreamConn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", host)
		cancel()
		if err != nil {
			d.store.MarkFailure(up.URL)
			log.WithFields(map[string]any{"upstream": up.URL, "err": err}).Debug("upstream connect failed")
			continue
		}

		if d.serveAttempt(client, upstreamConn, prologue, isConnect, up, cfg) {
			return
		}
		// attempt failed (sniff hit or upstream connect-adjacent failure
		// from within serveAttempt); loop to SELECT again
	}
}

// serveAttempt runs FORWARD_PROLOGUE → BRANCH → (SNIFF) → SPLICE for one
// upstream. Returns true if the connection was fully serviced (including
// being spliced to completion) and the caller should stop retrying.
func (d *Dispatcher) serveAttempt(client, upstreamConn net.Conn, prologue []byte, isConnect bool, up pool.Upstream, cfg Config) bool {
	defer upstreamConn.Close()

	// FORWARD_PROLOGUE
	if _, err := upstreamConn.Write(prologue); err != nil {
		d.store.MarkFailure(up.URL)
		return false
	}

	// BRANCH
	if isConnect {
		d.store.MarkSuccess(up.URL)
		splice(client, upstreamConn)
		return true
	}

	// SNIFF
	upstreamConn.SetReadDeadline(time.Now().Add(cfg.SniffTimeout))
	buf := make([]byte, sniffBufSize)
	n, err := upstreamConn.Read(buf)
	upstreamConn.SetReadDeadline(time.Time{})
	if err != nil && n == 0 {
		d.store.MarkFailure(up.URL)
		return false
	}
	r := buf[:n]

	if sniffHit(r, cfg) {
		d.store.MarkFailure(up.URL)
		return false
	}

	// Preserve the bytes already consumed, then SPLICE.
	if _, err := client.Write(r); err != nil {
		return true // client went away; nothing more to retry
	}
	d.store.MarkSuccess(up.URL)
	splice(client, upstreamConn)
	return true
}

// sniffHit evaluates the status-code and keyword predicates against R.
func sniffHit(r []byte, cfg Config) bool {
	if m := statusCodeRE.FindSubmatch(r); m != nil {
		var code int
		fmt.Sscanf(string(m[1]), "%d", &code)
		if _, bad := cfg.SwitchStatusCodes[code]; bad {
			return true
		}
	}
	for _, kw := range cfg.SwitchKeywords {
		if bytes.Contains(r, []byte(kw)) {
			return true
		}
	}
	return false
}

// splice runs the two unidirectional copy pumps until either side closes.
func splice(a, b net.Conn) {
	done := make(chan struct{}, 2)
	pump := func(dst, src net.Conn) {
		_, _ = io.Copy(dst, src)
		if tc, ok := dst.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		done <- struct{}{}
	}
	go pump(a, b)
	go pump(b, a)
	// The first pump to finish ends the splice; the callers' deferred
	// Close calls then stop the other pump.
	<-done
}

func hostPort(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("dispatcher: upstream url %q has no host", rawURL)
	}
	return u.Host, nil
}
