package health

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vantage-labs/proxyhub/internal/pool"
)

// startConnectProxy runs a minimal HTTP CONNECT tunnel in front of target,
// standing in for a real upstream proxy so probeThrough can be exercised
// without a network dependency.
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
				if req.Host != target {
					return // only target is reachable through this proxy
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

func TestDetectAll_MarksAliveAndRegion(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	proxyAddr := startConnectProxy(t, target.Listener.Addr().String())

	store := pool.New(3)
	store.AddUpstreams([]pool.UpstreamSeed{{URL: "http://" + proxyAddr, Scheme: "http"}})

	checker := New(store)
	checker.DetectAll(context.Background(), Config{
		DomesticProbeURL: target.URL,
		ForeignProbeURL:  "http://127.0.0.1:1", // unreachable: stays domestic, not upgraded
		DomesticTimeout:  2 * time.Second,
		ForeignTimeout:   200 * time.Millisecond,
	})

	all := store.All()
	require.Len(t, all, 1)
	require.True(t, all[0].Alive)
	require.Equal(t, pool.RegionDomestic, all[0].Region)
}

func TestDetectAll_MarksDeadOnUnreachable(t *testing.T) {
	store := pool.New(3)
	store.AddUpstreams([]pool.UpstreamSeed{{URL: "http://127.0.0.1:1", Scheme: "http"}})

	checker := New(store)
	checker.DetectAll(context.Background(), Config{
		DomesticTimeout: 500 * time.Millisecond,
		ForeignTimeout:  500 * time.Millisecond,
	})

	all := store.All()
	require.Len(t, all, 1)
	require.False(t, all[0].Alive)
	require.Equal(t, pool.DeadLatencyMS, all[0].LatencyMS)
	require.Equal(t, pool.RegionUnknown, all[0].Region)
}
