package context_test

import (
	gocontext "context"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raspkit/go-agent/internal/plog"
	protection_context "github.com/raspkit/go-agent/internal/protection/context"
	"github.com/raspkit/go-agent/internal/protection/types"
)

type agentStub struct {
	allowedIP   string
	allowedPath string
	budget      time.Duration
	perfEnabled bool
}

func (a *agentStub) Logger() *plog.Logger { return plog.NewLogger(plog.Disabled, nil, nil) }

func (a *agentStub) IsIPAllowed(ip net.IP) bool {
	return a.allowedIP != "" && ip.Equal(net.ParseIP(a.allowedIP))
}

func (a *agentStub) IsPathAllowed(path string) bool {
	return a.allowedPath != "" && path == a.allowedPath
}

func (a *agentStub) PerformanceBudget() time.Duration { return a.budget }

func (a *agentStub) PerformanceMonitoring() bool { return a.perfEnabled }

type requestStub struct {
	path     string
	clientIP string
}

func (r *requestStub) Method() string { return "GET" }

func (r *requestStub) URL() *url.URL { return &url.URL{Path: r.path} }

func (r *requestStub) RequestURI() string { return r.path }

func (r *requestStub) Host() string { return "example.com" }

func (r *requestStub) RemoteAddr() string { return r.clientIP }

func (r *requestStub) UserAgent() string { return "" }

func (r *requestStub) Referer() string { return "" }

func (r *requestStub) Headers() http.Header { return nil }

func (r *requestStub) Header(string) *string { return nil }

func (r *requestStub) ClientIP() net.IP { return net.ParseIP(r.clientIP) }

func (r *requestStub) QueryForm() url.Values { return nil }

func (r *requestStub) Params() types.RequestParamMap { return nil }

func (r *requestStub) Body() []byte { return nil }

func TestWhitelistComputation(t *testing.T) {
	for _, tc := range []struct {
		name     string
		agent    agentStub
		expected bool
	}{
		{
			name:     "no passlists",
			agent:    agentStub{},
			expected: false,
		},
		{
			name:     "passlisted path",
			agent:    agentStub{allowedPath: "/healthz"},
			expected: true,
		},
		{
			name:     "passlisted client ip",
			agent:    agentStub{allowedIP: "1.2.3.4"},
			expected: true,
		},
		{
			name:     "non-matching passlists",
			agent:    agentStub{allowedPath: "/other", allowedIP: "10.0.0.1"},
			expected: false,
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			c := protection_context.NewRequestContext(&tc.agent)
			c.SetRequest(&requestStub{path: "/healthz", clientIP: "1.2.3.4"})
			require.Equal(t, tc.expected, c.WhitelistMatch())
		})
	}

	t.Run("nil request", func(t *testing.T) {
		c := protection_context.NewRequestContext(&agentStub{allowedPath: "/healthz"})
		c.SetRequest(nil)
		require.False(t, c.WhitelistMatch())
	})
}

func TestRequestStore(t *testing.T) {
	c := protection_context.NewRequestContext(&agentStub{})
	store := c.RequestStore()
	require.NotNil(t, store)
	store["key"] = "value"
	// Lazily created once, then shared.
	require.Equal(t, "value", c.RequestStore()["key"])
}

func TestCurrentArgs(t *testing.T) {
	c := protection_context.NewRequestContext(&agentStub{})
	raw := []interface{}{"a", "b"}
	require.Equal(t, raw, c.CurrentArgs(raw))

	c.SetArgsFilter(func(raw []interface{}) []interface{} {
		return raw[1:]
	})
	require.Equal(t, []interface{}{"b"}, c.CurrentArgs(raw))
}

func TestDeadlineExceeded(t *testing.T) {
	t.Run("no budget configured", func(t *testing.T) {
		c := protection_context.NewRequestContext(&agentStub{perfEnabled: true})
		require.False(t, c.DeadlineExceeded(0))
		require.False(t, c.DeadlineExceeded(time.Hour))
	})

	t.Run("budget without performance monitoring", func(t *testing.T) {
		c := protection_context.NewRequestContext(&agentStub{budget: time.Nanosecond})
		require.False(t, c.DeadlineExceeded(time.Hour))
	})

	t.Run("needed time against the budget", func(t *testing.T) {
		c := protection_context.NewRequestContext(&agentStub{budget: time.Hour, perfEnabled: true})
		require.False(t, c.DeadlineExceeded(0))
		require.True(t, c.DeadlineExceeded(time.Hour))
	})

	t.Run("elapsed rule time against the budget", func(t *testing.T) {
		c := protection_context.NewRequestContext(&agentStub{budget: time.Nanosecond, perfEnabled: true})
		sw := c.RuleTime().Start()
		time.Sleep(time.Millisecond)
		sw.Stop()
		require.True(t, c.DeadlineExceeded(0))
	})
}

func TestTrace(t *testing.T) {
	c := protection_context.NewRequestContext(&agentStub{})

	scope := c.Trace("rk.waf.pre")
	time.Sleep(time.Millisecond)
	d := scope.End()
	require.True(t, d >= time.Millisecond)
	require.True(t, c.ElapsedRuleTime() >= time.Millisecond)

	observations := c.Record().Observations()
	require.Len(t, observations, 1)
	require.Equal(t, protection_context.PerformanceMetricName, observations[0].Metric)
	require.Equal(t, "rk.waf.pre", observations[0].Key)
	require.True(t, observations[0].Value >= int64(time.Millisecond/time.Microsecond))
}

func TestSingleRequestStorage(t *testing.T) {
	var storage protection_context.SingleRequestStorage

	// A cleared storage returns a nil interface value.
	require.Nil(t, storage.Current())

	c := protection_context.NewRequestContext(&agentStub{})
	storage.Set(c)
	require.Same(t, c, storage.Current())

	storage.Clear()
	require.Nil(t, storage.Current())
	require.True(t, storage.Current() == nil)
}

func TestFromContext(t *testing.T) {
	c := protection_context.NewRequestContext(&agentStub{})

	t.Run("typed context key", func(t *testing.T) {
		ctx := gocontext.WithValue(gocontext.Background(), protection_context.ContextKey, c)
		require.Same(t, c, protection_context.FromContext(ctx))
	})

	t.Run("string context key", func(t *testing.T) {
		//nolint:staticcheck
		ctx := gocontext.WithValue(gocontext.Background(), protection_context.ContextKey.String, c)
		require.Same(t, c, protection_context.FromContext(ctx))
	})

	t.Run("absent", func(t *testing.T) {
		require.Nil(t, protection_context.FromContext(gocontext.Background()))
	})
}
