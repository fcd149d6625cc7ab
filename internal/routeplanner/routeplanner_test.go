package routeplanner

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desertthunder/waveline/internal/shared"
)

func newPlanner(t *testing.T, cfg shared.RateLimitConfig) *Planner {
	t.Helper()
	p, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, p)
	return p
}

func TestNew(t *testing.T) {
	t.Run("disabled without blocks", func(t *testing.T) {
		p, err := New(shared.RateLimitConfig{})
		assert.NoError(t, err)
		assert.Nil(t, p)
	})

	tests := []struct {
		name string
		cfg  shared.RateLimitConfig
	}{
		{"bad cidr", shared.RateLimitConfig{IPBlocks: []string{"10.0.0.1"}, Strategy: "RotateOnBan"}},
		{"unknown strategy", shared.RateLimitConfig{IPBlocks: []string{"10.0.0.0/30"}, Strategy: "Sticky"}},
		{"nano on ipv4", shared.RateLimitConfig{IPBlocks: []string{"10.0.0.0/8"}, Strategy: "NanoSwitch"}},
		{"nano on small v6", shared.RateLimitConfig{IPBlocks: []string{"2001:db8::/96"}, Strategy: "NanoSwitch"}},
		{"rotating nano on /64", shared.RateLimitConfig{IPBlocks: []string{"2001:db8::/64"}, Strategy: "RotatingNanoSwitch"}},
		{"bad excluded ip", shared.RateLimitConfig{IPBlocks: []string{"10.0.0.0/30"}, Strategy: "LoadBalance", ExcludedIPs: []string{"nope"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.ErrorIs(t, err, shared.ErrInvalidConfig)
		})
	}
}

func TestRotateOnBan(t *testing.T) {
	p := newPlanner(t, shared.RateLimitConfig{
		IPBlocks:    []string{"10.0.0.0/30"},
		ExcludedIPs: []string{"10.0.0.1"},
		Strategy:    "RotateOnBan",
	})

	first, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.0", first.String())

	again, err := p.Next()
	require.NoError(t, err)
	assert.True(t, first.Equal(again), "address sticks until banned")

	p.MarkFailing(first)
	second, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", second.String(), "excluded address is skipped")

	p.MarkFailing(second)
	third, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.3", third.String())

	p.MarkFailing(third)
	_, err = p.Next()
	assert.ErrorIs(t, err, shared.ErrNoAddress)

	p.FreeAddress(first)
	freed, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.0", freed.String())

	status := p.Status()
	assert.Equal(t, "RotatingIpRoutePlanner", status.Class)
	assert.Equal(t, "4", status.Details.IPBlock.Size)
	assert.Len(t, status.Details.FailingAddresses, 2)
	assert.Equal(t, "10.0.0.0", status.Details.CurrentAddress)
}

func TestLoadBalance(t *testing.T) {
	p := newPlanner(t, shared.RateLimitConfig{
		IPBlocks: []string{"192.168.1.0/31", "192.168.2.0/31"},
		Strategy: "LoadBalance",
	})

	seen := map[string]bool{}
	for range 200 {
		ip, err := p.Next()
		require.NoError(t, err)
		seen[ip.String()] = true
	}
	assert.Len(t, seen, 4, "every address across blocks is eventually used")

	p.MarkFailing(net.ParseIP("192.168.1.0"))
	for range 50 {
		ip, err := p.Next()
		require.NoError(t, err)
		assert.NotEqual(t, "192.168.1.0", ip.String())
	}

	p.FreeAll()
	assert.Empty(t, p.Status().Details.FailingAddresses)
	assert.Equal(t, "BalancingIpRoutePlanner", p.Status().Class)
}

func TestNanoSwitch(t *testing.T) {
	p := newPlanner(t, shared.RateLimitConfig{IPBlocks: []string{"2001:db8:1:2::/64"}, Strategy: "NanoSwitch"})

	fixed := time.Unix(0, 0x0102030405060708)
	p.now = func() time.Time { return fixed }

	ip, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "2001:db8:1:2:102:304:506:708", ip.String())

	p.MarkFailing(ip)
	_, err = p.Next()
	assert.ErrorIs(t, err, shared.ErrNoAddress, "same nanotime yields the same failing address")

	assert.Equal(t, "NanoIpRoutePlanner", p.Status().Class)
}

func TestRotatingNanoSwitch(t *testing.T) {
	p := newPlanner(t, shared.RateLimitConfig{IPBlocks: []string{"2001:db8::/48"}, Strategy: "RotatingNanoSwitch"})
	p.now = func() time.Time { return time.Unix(0, 1) }

	ip, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::1", ip.String())

	p.MarkFailing(ip)
	rotated, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "2001:db8:0:1::1", rotated.String(), "ban moves to the next /64")

	status := p.Status()
	assert.Equal(t, "RotatingNanoIpRoutePlanner", status.Class)
	assert.Equal(t, "1", status.Details.BlockIndex)
}

func TestPrune(t *testing.T) {
	p := newPlanner(t, shared.RateLimitConfig{IPBlocks: []string{"10.0.0.0/29"}, Strategy: "RotateOnBan"})

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return start }
	p.MarkFailing(net.ParseIP("10.0.0.1"))

	p.now = func() time.Time { return start.Add(6 * 24 * time.Hour) }
	p.MarkFailing(net.ParseIP("10.0.0.2"))

	p.now = func() time.Time { return start.Add(FailingExpiry + time.Hour) }
	assert.Equal(t, 1, p.Prune())
	require.Len(t, p.Status().Details.FailingAddresses, 1)
	assert.Equal(t, "/10.0.0.2", p.Status().Details.FailingAddresses[0].Address)
}

func TestRetryLimit(t *testing.T) {
	for in, want := range map[int]int{-1: 3, 0: 100, 7: 7} {
		p := newPlanner(t, shared.RateLimitConfig{IPBlocks: []string{"10.0.0.0/30"}, Strategy: "LoadBalance", RetryLimit: in})
		assert.Equal(t, want, p.RetryLimit())
	}
}

func TestStatusJSON(t *testing.T) {
	p := newPlanner(t, shared.RateLimitConfig{IPBlocks: []string{"10.0.0.0/30"}, Strategy: "LoadBalance"})

	b, err := json.Marshal(p.Status())
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	details := raw["details"].(map[string]any)
	assert.Contains(t, details, "ipBlock")
	assert.Contains(t, details, "failingAddresses")
	assert.NotContains(t, details, "rotateIndex")
}

func TestDialContextRecordsAddress(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		if conn, err := ln.Accept(); err == nil {
			conn.Close()
		}
	}()

	p := newPlanner(t, shared.RateLimitConfig{IPBlocks: []string{"127.0.0.1/32"}, Strategy: "RotateOnBan"})

	ctx := WithAddrHolder(context.Background())
	conn, err := p.DialContext(ctx, "tcp", ln.Addr().String())
	require.NoError(t, err)
	conn.Close()

	assert.Equal(t, "127.0.0.1", LocalAddr(ctx).String())
}
