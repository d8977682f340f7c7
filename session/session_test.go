package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guseggert/devtrace/cdp"
	"github.com/guseggert/devtrace/cdp/cdptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTargets() []cdptest.Target {
	return []cdptest.Target{
		{ID: "A", Type: "page", Title: "Shop", URL: "https://Example.com/Checkout"},
		{ID: "B", Type: "iframe", Title: "Ads", URL: "https://ads.example.net/frame"},
		{ID: "C", Type: "page", Title: "Docs", URL: "https://docs.example.com/"},
		{ID: "D", Type: "service_worker", URL: "https://example.com/sw.js"},
	}
}

func TestFilterTargets(t *testing.T) {
	targets := []Target{
		{ID: "A", Type: "page", URL: "https://Example.com/Checkout"},
		{ID: "B", Type: "iframe", URL: "https://ads.example.net/frame"},
		{ID: "C", Type: "page", URL: "https://docs.example.com/"},
	}
	cases := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{name: "no filter", want: []string{"A", "B", "C"}},
		{name: "by type", filter: Filter{Type: "page"}, want: []string{"A", "C"}},
		{name: "URL is case insensitive", filter: Filter{URLPattern: "checkout"}, want: []string{"A"}},
		{name: "type and URL", filter: Filter{Type: "page", URLPattern: "example"}, want: []string{"A", "C"}},
		{name: "no match", filter: Filter{Type: "worker"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var ids []string
			for _, tgt := range FilterTargets(targets, c.filter) {
				ids = append(ids, tgt.ID)
			}
			assert.Equal(t, c.want, ids)
		})
	}
}

func TestListTargetsIsNeverCached(t *testing.T) {
	srv := cdptest.NewServer(t, cdptest.WithTargets(testTargets()...))
	s := New(srv.Endpoint())

	targets, err := s.ListTargets(context.Background())
	require.NoError(t, err)
	require.Len(t, targets, 4)
	assert.Equal(t, "A", targets[0].ID)
	assert.Equal(t, "Shop", targets[0].Title)
	assert.Equal(t, srv.PageURL("A"), targets[0].WebSocketDebuggerURL)

	srv.SetTargets(cdptest.Target{ID: "Z", URL: "about:blank"})
	targets, err = s.ListTargets(context.Background())
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "Z", targets[0].ID)
}

func TestBareHostPortEndpoint(t *testing.T) {
	srv := cdptest.NewServer(t)
	s := New(srv.HostPort())
	assert.Equal(t, srv.Endpoint(), s.Endpoint())

	v, err := s.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.3", v.ProtocolVersion)
	assert.Contains(t, v.Browser, "Chrome")
}

func TestListTargetsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	s := New(endpoint, WithRetryMax(0), WithRequestTimeout(time.Second))
	_, err := s.ListTargets(context.Background())

	var connErr *cdp.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Contains(t, cdp.Hint(err), "--remote-debugging-port")
}

func TestListTargetsInvalidResponse(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		errMsg  string
	}{
		{
			name: "not JSON",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("<html>hello</html>"))
			},
			errMsg: "decoding response",
		},
		{
			name: "not found",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", http.StatusNotFound)
			},
			errMsg: "unexpected HTTP status code 404",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			srv := httptest.NewServer(c.handler)
			defer srv.Close()

			_, err := New(srv.URL, WithRetryMax(0)).ListTargets(context.Background())
			var connErr *cdp.ConnectionError
			require.ErrorAs(t, err, &connErr)
			assert.ErrorContains(t, err, c.errMsg)
		})
	}
}

func TestListTargetsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`[{"id":"X","type":"page","url":"about:blank","webSocketDebuggerUrl":"ws://x/devtools/page/X"}]`))
	}))
	defer srv.Close()

	targets, err := New(srv.URL, WithRetryMax(3)).ListTargets(context.Background())
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestConnectToTarget(t *testing.T) {
	srv := cdptest.NewServer(t, cdptest.WithTargets(testTargets()...))
	s := New(srv.Endpoint())
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	t.Run("by id", func(t *testing.T) {
		conn, err := s.ConnectToTarget(ctx, Selector{ID: "C"})
		require.NoError(t, err)
		assert.Equal(t, srv.PageURL("C"), conn.URL())
		_, err = conn.Execute(ctx, "Page.enable", nil, time.Second)
		require.NoError(t, err)
	})

	t.Run("by URL pattern picks the first match", func(t *testing.T) {
		conn, err := s.ConnectToTarget(ctx, Selector{URLPattern: "EXAMPLE.COM"})
		require.NoError(t, err)
		assert.Equal(t, srv.PageURL("A"), conn.URL())
	})

	t.Run("not found", func(t *testing.T) {
		_, err := s.ConnectToTarget(ctx, Selector{ID: "missing"})
		var notFound *TargetNotFoundError
		require.ErrorAs(t, err, &notFound)
		assert.Equal(t, 4, notFound.Available)
		assert.NotEmpty(t, cdp.Hint(err))
	})

	t.Run("invalid selectors", func(t *testing.T) {
		_, err := s.ConnectToTarget(ctx, Selector{})
		require.ErrorIs(t, err, ErrInvalidSelector)
		_, err = s.ConnectToTarget(ctx, Selector{ID: "A", URLPattern: "example"})
		require.ErrorIs(t, err, ErrInvalidSelector)
	})
}

func TestCloseClosesConnections(t *testing.T) {
	srv := cdptest.NewServer(t)
	s := New(srv.Endpoint())

	conn, err := s.ConnectToTarget(context.Background(), Selector{ID: "page-1"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection not closed")
	}
	require.ErrorIs(t, conn.Err(), cdp.ErrClosed)
}

func TestRewriteHost(t *testing.T) {
	s := New("http://127.0.0.1:49222")
	u, err := s.rewriteHost("ws://localhost:9222/devtools/page/ABC")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:49222/devtools/page/ABC", u)

	s = New("https://debug.example.com")
	u, err = s.rewriteHost("ws://localhost:9222/devtools/page/ABC")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "wss://debug.example.com/"))
}
