// Package upstream dials a destination through a candidate upstream proxy
// (HTTP CONNECT or SOCKS5). The Health Checker uses it to reach its probe
// targets through each candidate it's classifying, rather than to tunnel a
// client's own traffic — the Dispatcher forwards a client's prologue bytes
// onto a raw connection instead (see internal/dispatcher).
package upstream

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"golang.org/x/net/proxy"
)

// DialCandidate opens a TCP connection to destination through candidate,
// the upstream proxy being probed. destination must be in "host:port"
// format. The returned conn is a raw TCP pipe ready for bidirectional use.
func DialCandidate(ctx context.Context, candidate *url.URL, destination string) (net.Conn, error) {
	switch candidate.Scheme {
	case "http", "https":
		return dialHTTP(ctx, candidate, destination)
	case "socks5":
		return dialSOCKS5(ctx, candidate, destination)
	default:
		return nil, fmt.Errorf("unsupported upstream scheme: %s", candidate.Scheme)
	}
}

// dialHTTP sends an HTTP CONNECT request to the candidate proxy and returns
// the connection after the tunnel is established.
func dialHTTP(ctx context.Context, candidate *url.URL, destination string) (net.Conn, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", candidate.Host)
	if err != nil {
		return nil, fmt.Errorf("dial candidate proxy %s: %w", candidate.Host, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodConnect, "//"+destination, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("build CONNECT request: %w", err)
	}
	req.Host = destination

	if candidate.User != nil {
		user := candidate.User.Username()
		pass, _ := candidate.User.Password()
		creds := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
		req.Header.Set("Proxy-Authorization", "Basic "+creds)
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write CONNECT: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("candidate proxy CONNECT failed: %s", resp.Status)
	}

	// A clean CONNECT tunnel never leaves bytes buffered past the response
	// line, but replay them if it happens rather than dropping them.
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// dialSOCKS5 dials through a SOCKS5 candidate proxy.
func dialSOCKS5(ctx context.Context, candidate *url.URL, destination string) (net.Conn, error) {
	var auth *proxy.Auth
	if candidate.User != nil {
		user := candidate.User.Username()
		pass, _ := candidate.User.Password()
		auth = &proxy.Auth{User: user, Password: pass}
	}

	dialer, err := proxy.SOCKS5("tcp", candidate.Host, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("create socks5 dialer: %w", err)
	}

	// golang.org/x/net/proxy dialers have implemented this context-aware
	// interface since Go 1.15; fall back to the blocking Dial otherwise.
	type contextDialer interface {
		DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	}
	if cd, ok := dialer.(contextDialer); ok {
		conn, err := cd.DialContext(ctx, "tcp", destination)
		if err != nil {
			return nil, fmt.Errorf("socks5 dial %s: %w", destination, err)
		}
		return conn, nil
	}

	conn, err := dialer.Dial("tcp", destination)
	if err != nil {
		return nil, fmt.Errorf("socks5 dial %s: %w", destination, err)
	}
	return conn, nil
}

// bufferedConn wraps a net.Conn and prepends already-buffered bytes to the
// read stream. Used when bufio.Reader consumed extra bytes from a CONNECT
// response.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}
