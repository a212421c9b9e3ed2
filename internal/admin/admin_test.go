package admin

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vantage-labs/proxyhub/internal/health"
	"github.com/vantage-labs/proxyhub/internal/ingest"
	"github.com/vantage-labs/proxyhub/internal/pool"
	"github.com/vantage-labs/proxyhub/internal/rotator"
	"github.com/vantage-labs/proxyhub/internal/source"
)

// startConnectProxy runs a minimal HTTP CONNECT tunnel in front of target,
// standing in for a real upstream proxy so detect_all has something to
// probe through without a network dependency.
func startConnectProxy(t *testing.T, target string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				br := bufio.NewReader(c)
				req, err := http.ReadRequest(br)
				if err != nil {
					return
				}
				if req.Method != http.MethodConnect {
					return
				}
				upstreamConn, err := net.Dial("tcp", target)
				if err != nil {
					return
				}
				defer upstreamConn.Close()
				c.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

				done := make(chan struct{}, 2)
				go func() { io.Copy(upstreamConn, br); done <- struct{}{} }()
				go func() { io.Copy(c, upstreamConn); done <- struct{}{} }()
				<-done
			}(conn)
		}
	}()
	return ln.Addr().String()
}

type noPresets struct{}

func (noPresets) Preset(name string) (source.Preset, error) {
	return source.Preset{Name: name, Sources: []source.PresetEntry{
		{URL: "https://example.com/list.txt", Tag: name},
	}}, nil
}

func newTestServer() (*Server, *pool.Store) {
	store := pool.New(3)
	registry := source.New(store, noPresets{})
	ingestor := ingest.New(store)
	checker := health.New(store)
	picker := rotator.New(store)
	s := New("127.0.0.1:0", store, registry, ingestor, checker, picker, "")
	return s, store
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = httptest.NewRequest(method, path, bytes.NewReader(b))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(w, r)
	return w
}

func TestHandleStats(t *testing.T) {
	s, store := newTestServer()
	store.AddUpstreams([]pool.UpstreamSeed{{URL: "http://a.example", Scheme: "http"}})

	w := do(t, s, http.MethodGet, "/admin/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, float64(1), body["total"])
}

func TestHandleAddAndListSources(t *testing.T) {
	s, _ := newTestServer()

	w := do(t, s, http.MethodPost, "/admin/sources", addSourceRequest{URL: "https://x.example/list.txt", Tag: "t"})
	require.Equal(t, http.StatusOK, w.Code)

	var added map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &added))
	require.Equal(t, true, added["inserted"])

	w2 := do(t, s, http.MethodGet, "/admin/sources", nil)
	var list []pool.Source
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &list))
	require.Len(t, list, 1)
}

func TestHandleLoadPresets(t *testing.T) {
	s, _ := newTestServer()
	w := do(t, s, http.MethodPost, "/admin/sources/presets", loadPresetRequest{Type: "basic"})
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, float64(1), body["added"])
}

func TestHandleImportUpstreams(t *testing.T) {
	s, store := newTestServer()
	w := do(t, s, http.MethodPost, "/admin/upstreams/import", importUpstreamsRequest{
		Protocol: "socks5",
		Text:     "junk 1.2.3.4:1080 more junk 5.6.7.8:1080",
	})
	require.Equal(t, http.StatusOK, w.Code)

	all := store.All()
	require.Len(t, all, 2)
	for _, up := range all {
		require.Equal(t, "socks5", up.Scheme)
	}
}

func TestHandleSetMode_RejectsInvalid(t *testing.T) {
	s, _ := newTestServer()
	w := do(t, s, http.MethodPut, "/admin/mode", setModeRequest{Mode: "nonsense"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleListUpstreams_SortsAliveFirst(t *testing.T) {
	s, store := newTestServer()
	store.AddUpstreams([]pool.UpstreamSeed{
		{URL: "http://dead.example", Scheme: "http"},
		{URL: "http://alive.example", Scheme: "http"},
	})
	dead := false
	store.UpdateUpstream("http://dead.example", pool.UpstreamFields{Alive: &dead})

	w := do(t, s, http.MethodGet, "/admin/upstreams", nil)
	var views []upstreamView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &views))
	require.Len(t, views, 2)
	require.True(t, views[0].Alive)
	require.False(t, views[1].Alive)
}

func TestHandleClearDead(t *testing.T) {
	s, store := newTestServer()
	store.AddUpstreams([]pool.UpstreamSeed{{URL: "http://dead.example", Scheme: "http"}})
	dead := false
	store.UpdateUpstream("http://dead.example", pool.UpstreamFields{Alive: &dead})

	w := do(t, s, http.MethodDelete, "/admin/upstreams/dead", nil)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, float64(1), body["removed"])
}

// TestHandleDetectAll_OutlivesRequest guards against detect_all running its
// scan on the request's own context: a real http.Server cancels that
// context the instant ServeHTTP returns, which happens immediately since
// the scan is started in a goroutine. If DetectAll ever inherited that
// context again, every probe would fail with context.Canceled and the
// upstream would be (wrongly) marked dead instead of recovering.
func TestHandleDetectAll_OutlivesRequest(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	proxyAddr := startConnectProxy(t, target.Listener.Addr().String())

	store := pool.New(3)
	store.AddUpstreams([]pool.UpstreamSeed{{URL: "http://" + proxyAddr, Scheme: "http"}})
	dead := false
	require.NoError(t, store.UpdateUpstream("http://"+proxyAddr, pool.UpstreamFields{Alive: &dead}))
	registry := source.New(store, noPresets{})
	ingestor := ingest.New(store)
	checker := health.New(store)
	picker := rotator.New(store)
	s := New("127.0.0.1:0", store, registry, ingestor, checker, picker, "")

	srv := httptest.NewServer(s.httpServer.Handler)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/admin/detect", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		all := store.All()
		return len(all) == 1 && all[0].Alive
	}, 2*time.Second, 20*time.Millisecond)
}
