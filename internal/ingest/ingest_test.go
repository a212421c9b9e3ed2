package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vantage-labs/proxyhub/internal/pool"
)

func TestFetch_ExtractsAndDedupsAddresses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("1.2.3.4:8080\nnoise\n1.2.3.4:8080\n5.6.7.8:3128 extra text 9.10.11.12:1080"))
	}))
	defer srv.Close()

	store := pool.New(3)
	id, _ := store.AddSource(srv.URL, "test")

	ig := New(store)
	added, err := ig.Fetch(context.Background(), []int64{id}, Config{})
	require.NoError(t, err)
	require.Equal(t, 3, added)

	all := store.All()
	require.Len(t, all, 3)
}

func TestFetch_NonOKStatusYieldsNoUpstreams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("1.2.3.4:8080"))
	}))
	defer srv.Close()

	store := pool.New(3)
	id, _ := store.AddSource(srv.URL, "test")

	ig := New(store)
	added, err := ig.Fetch(context.Background(), []int64{id}, Config{})
	require.NoError(t, err)
	require.Equal(t, 0, added)
}

func TestFetch_FailingSourceIsSwallowed(t *testing.T) {
	store := pool.New(3)
	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("1.2.3.4:8080"))
	}))
	defer okSrv.Close()

	badID, _ := store.AddSource("http://127.0.0.1:1", "unreachable")
	okID, _ := store.AddSource(okSrv.URL, "ok")

	ig := New(store)
	added, err := ig.Fetch(context.Background(), []int64{badID, okID}, Config{})
	require.NoError(t, err)
	require.Equal(t, 1, added)
}

func TestFetch_SchemeInferredFromSourceURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("1.2.3.4:1080"))
	}))
	defer srv.Close()

	store := pool.New(3)
	id, _ := store.AddSource(srv.URL+"/socks5-list", "socks")

	ig := New(store)
	_, err := ig.Fetch(context.Background(), []int64{id}, Config{})
	require.NoError(t, err)

	all := store.All()
	require.Len(t, all, 1)
	require.Equal(t, "socks5", all[0].Scheme)
	require.Equal(t, "socks5://1.2.3.4:1080", all[0].URL)
}
