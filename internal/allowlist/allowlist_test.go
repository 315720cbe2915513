package allowlist_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raspkit/go-agent/internal/allowlist"
)

func TestCIDRStore(t *testing.T) {
	t.Run("empty list", func(t *testing.T) {
		store, err := allowlist.NewCIDRStore(nil)
		require.NoError(t, err)
		require.Nil(t, store)

		// A nil store finds nothing and does not panic.
		exists, matched, err := store.Find(net.ParseIP("1.2.3.4"))
		require.NoError(t, err)
		require.False(t, exists)
		require.Empty(t, matched)
	})

	t.Run("invalid entry", func(t *testing.T) {
		store, err := allowlist.NewCIDRStore([]string{"not a cidr"})
		require.Error(t, err)
		require.Nil(t, store)
	})

	t.Run("lookups", func(t *testing.T) {
		store, err := allowlist.NewCIDRStore([]string{
			"1.2.3.4",
			"10.0.0.0/8",
			"10.1.0.0/16",
			"2001:db8::/32",
			"::1",
		})
		require.NoError(t, err)
		require.NotNil(t, store)

		for _, tc := range []struct {
			ip      string
			matched string
		}{
			{ip: "1.2.3.4", matched: "1.2.3.4"},
			{ip: "1.2.3.5"},
			{ip: "10.2.3.4", matched: "10.0.0.0/8"},
			// The deepest matching prefix wins.
			{ip: "10.1.3.4", matched: "10.1.0.0/16"},
			{ip: "11.0.0.1"},
			{ip: "2001:db8:1::1", matched: "2001:db8::/32"},
			{ip: "2001:db9::1"},
			{ip: "::1", matched: "::1"},
		} {
			tc := tc
			t.Run(tc.ip, func(t *testing.T) {
				exists, matched, err := store.Find(net.ParseIP(tc.ip))
				require.NoError(t, err)
				require.Equal(t, tc.matched != "", exists)
				require.Equal(t, tc.matched, matched)
			})
		}
	})

	t.Run("single address family", func(t *testing.T) {
		store, err := allowlist.NewCIDRStore([]string{"10.0.0.0/8"})
		require.NoError(t, err)

		// No IPv6 entries: IPv6 lookups find nothing.
		exists, _, err := store.Find(net.ParseIP("2001:db8::1"))
		require.NoError(t, err)
		require.False(t, exists)

		// IPv4-mapped IPv6 addresses are looked up as IPv4.
		exists, matched, err := store.Find(net.ParseIP("::ffff:10.1.2.3"))
		require.NoError(t, err)
		require.True(t, exists)
		require.Equal(t, "10.0.0.0/8", matched)
	})
}

func TestPathStore(t *testing.T) {
	t.Run("empty list", func(t *testing.T) {
		store := allowlist.NewPathStore(nil)
		require.Nil(t, store)
		require.False(t, store.Find("/"))
	})

	t.Run("exact matches only", func(t *testing.T) {
		store := allowlist.NewPathStore([]string{"/healthz", "/admin/metrics"})
		require.NotNil(t, store)

		require.True(t, store.Find("/healthz"))
		require.True(t, store.Find("/admin/metrics"))
		// Prefixes and extensions of an entry do not match.
		require.False(t, store.Find("/health"))
		require.False(t, store.Find("/healthz/"))
		require.False(t, store.Find("/admin"))
		require.False(t, store.Find(""))
	})
}
