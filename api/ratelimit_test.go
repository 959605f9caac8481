package api

import (
	"net/http"
	"net/netip"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func newFakeLimiter(policy backoffPolicy) (*backoffLimiter, *clockwork.FakeClock) {
	fc := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return newBackoffLimiter(policy, fc), fc
}

func TestBackoffLimiter_AllowsBeforeThreshold(t *testing.T) {
	rl, _ := newFakeLimiter(accountBackoff)

	for i := 0; i < accountBackoff.threshold-1; i++ {
		rl.record("acct-1")
		blocked, _ := rl.check("acct-1")
		assert.False(t, blocked, "should not block before the threshold")
	}
}

func TestBackoffLimiter_BlocksAtThreshold(t *testing.T) {
	rl, _ := newFakeLimiter(accountBackoff)

	for i := 0; i < accountBackoff.threshold; i++ {
		rl.record("acct-1")
	}

	blocked, retryAfter := rl.check("acct-1")
	require.True(t, blocked)
	assert.Equal(t, accountBackoff.base, retryAfter)
}

func TestBackoffLimiter_ExponentialBackoff(t *testing.T) {
	rl, _ := newFakeLimiter(accountBackoff)

	for i := 0; i < accountBackoff.threshold; i++ {
		rl.record("acct-1")
	}
	_, first := rl.check("acct-1")

	rl.record("acct-1")
	_, second := rl.check("acct-1")
	assert.Equal(t, 2*first, second)
}

func TestBackoffLimiter_LockoutLapses(t *testing.T) {
	rl, fc := newFakeLimiter(accountBackoff)

	for i := 0; i < accountBackoff.threshold; i++ {
		rl.record("acct-1")
	}
	fc.Advance(accountBackoff.base - time.Second)
	blocked, retryAfter := rl.check("acct-1")
	require.True(t, blocked)
	assert.Equal(t, time.Second, retryAfter)

	fc.Advance(time.Second)
	blocked, _ = rl.check("acct-1")
	assert.False(t, blocked)
}

func TestBackoffLimiter_ResetClearsCounter(t *testing.T) {
	rl, _ := newFakeLimiter(accountBackoff)

	for i := 0; i < accountBackoff.threshold; i++ {
		rl.record("acct-1")
	}
	blocked, _ := rl.check("acct-1")
	require.True(t, blocked)

	rl.reset("acct-1")

	blocked, _ = rl.check("acct-1")
	assert.False(t, blocked, "should not block after successful login")
}

func TestBackoffLimiter_IsolatesKeys(t *testing.T) {
	rl, _ := newFakeLimiter(ipBackoff)

	for i := 0; i < ipBackoff.threshold; i++ {
		rl.record("192.168.1.1")
	}
	blocked, _ := rl.check("192.168.1.1")
	require.True(t, blocked)

	blocked, _ = rl.check("192.168.1.2")
	assert.False(t, blocked, "one IP's lockout should not affect another")
}

func TestBackoffLimiter_SweepRemovesExpired(t *testing.T) {
	rl, fc := newFakeLimiter(accountBackoff)

	rl.record("old")
	fc.Advance(accountBackoff.expiry / 2)
	rl.record("fresh")
	fc.Advance(accountBackoff.expiry/2 + time.Second)

	assert.Equal(t, 1, rl.sweep())

	rl.mu.Lock()
	_, oldExists := rl.attempts["old"]
	_, freshExists := rl.attempts["fresh"]
	rl.mu.Unlock()
	assert.False(t, oldExists)
	assert.True(t, freshExists)
}

func TestBackoffLimiter_ExpiredRecordForgottenOnCheck(t *testing.T) {
	rl, fc := newFakeLimiter(registrationBackoff)

	for i := 0; i < registrationBackoff.threshold+10; i++ {
		rl.record("10.0.0.1")
	}
	fc.Advance(registrationBackoff.expiry + time.Second)

	blocked, _ := rl.check("10.0.0.1")
	assert.False(t, blocked)
	rl.mu.Lock()
	assert.Empty(t, rl.attempts)
	rl.mu.Unlock()
}

func TestBackoffPolicy_LockoutCap(t *testing.T) {
	tests := []struct {
		name   string
		policy backoffPolicy
		count  int
		want   time.Duration
	}{
		{"account at threshold", accountBackoff, 5, time.Minute},
		{"account doubled", accountBackoff, 7, 4 * time.Minute},
		{"account capped", accountBackoff, 25, 15 * time.Minute},
		{"ip capped", ipBackoff, 40, 30 * time.Minute},
		{"registration doubled", registrationBackoff, 6, 10 * time.Minute},
		{"registration capped", registrationBackoff, 30, time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.lockout(tt.count))
		})
	}
}

func TestReserve_GlobalBucket(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := rate.NewLimiter(rate.Every(time.Second), 2)

	blocked, _ := reserve(l, now)
	assert.False(t, blocked)
	blocked, _ = reserve(l, now)
	assert.False(t, blocked)

	blocked, retryAfter := reserve(l, now)
	require.True(t, blocked)
	assert.Equal(t, time.Second, retryAfter)

	// A refused reservation does not consume a token.
	blocked, _ = reserve(l, now.Add(time.Second))
	assert.False(t, blocked)
}

func TestReserve_NilLimiter(t *testing.T) {
	blocked, _ := reserve(nil, time.Now())
	assert.False(t, blocked)
}

func TestRetryAfterString(t *testing.T) {
	assert.Equal(t, "1", retryAfterString(0))
	assert.Equal(t, "1", retryAfterString(300*time.Millisecond))
	assert.Equal(t, "90", retryAfterString(90*time.Second))
}

// ---------------------------------------------------------------------------
// extractClientIP tests
// ---------------------------------------------------------------------------

func TestExtractClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{
			name:       "remote ipv4",
			remoteAddr: "192.168.1.1:12345",
			want:       "192.168.1.1",
		},
		{
			name:       "remote ipv6",
			remoteAddr: "[::1]:8080",
			want:       "::1",
		},
		{
			name:       "xff first valid wins",
			remoteAddr: "10.0.0.1:80",
			headers: map[string]string{
				"X-Forwarded-For": "198.51.100.25, 203.0.113.9",
			},
			want: "198.51.100.25",
		},
		{
			name:       "xff skips invalid entries",
			remoteAddr: "10.0.0.1:80",
			headers: map[string]string{
				"X-Forwarded-For": "unknown, not-an-ip, 203.0.113.7",
			},
			want: "203.0.113.7",
		},
		{
			name:       "forwarded fallback",
			remoteAddr: "10.0.0.1:80",
			headers: map[string]string{
				"Forwarded": `for=198.51.100.1;proto=https;by=203.0.113.43`,
			},
			want: "198.51.100.1",
		},
		{
			name:       "x-real-ip fallback",
			remoteAddr: "10.0.0.1:80",
			headers: map[string]string{
				"X-Real-IP": "203.0.113.11",
			},
			want: "203.0.113.11",
		},
		{
			name:       "empty when nothing parseable",
			remoteAddr: "not-a-hostport",
			want:       "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Request{RemoteAddr: tt.remoteAddr}
			r.Header = make(http.Header)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			got := extractClientIP(r)
			assert.Equal(t, tt.want, got)
		})
	}
}

// ---------------------------------------------------------------------------
// extractClientIPWithProxies (trusted proxy) tests
// ---------------------------------------------------------------------------

func TestExtractClientIPWithTrustedProxies(t *testing.T) {
	trustedCIDR := netip.MustParsePrefix("10.0.0.0/8")

	tests := []struct {
		name           string
		remoteAddr     string
		headers        map[string]string
		trustedProxies []netip.Prefix
		want           string
	}{
		{
			name:           "trusted proxy honors XFF",
			remoteAddr:     "10.0.0.1:80",
			headers:        map[string]string{"X-Forwarded-For": "198.51.100.25"},
			trustedProxies: []netip.Prefix{trustedCIDR},
			want:           "198.51.100.25",
		},
		{
			name:           "untrusted peer ignores XFF",
			remoteAddr:     "192.168.1.1:80",
			headers:        map[string]string{"X-Forwarded-For": "198.51.100.25"},
			trustedProxies: []netip.Prefix{trustedCIDR},
			want:           "192.168.1.1",
		},
		{
			name:           "untrusted peer ignores Forwarded",
			remoteAddr:     "192.168.1.1:80",
			headers:        map[string]string{"Forwarded": "for=198.51.100.25"},
			trustedProxies: []netip.Prefix{trustedCIDR},
			want:           "192.168.1.1",
		},
		{
			name:           "untrusted peer ignores X-Real-IP",
			remoteAddr:     "192.168.1.1:80",
			headers:        map[string]string{"X-Real-IP": "198.51.100.25"},
			trustedProxies: []netip.Prefix{trustedCIDR},
			want:           "192.168.1.1",
		},
		{
			name:           "no trusted proxies configured - legacy trust all",
			remoteAddr:     "192.168.1.1:80",
			headers:        map[string]string{"X-Forwarded-For": "198.51.100.25"},
			trustedProxies: nil,
			want:           "198.51.100.25",
		},
		{
			name:           "empty trusted proxies - legacy trust all",
			remoteAddr:     "192.168.1.1:80",
			headers:        map[string]string{"X-Forwarded-For": "198.51.100.25"},
			trustedProxies: []netip.Prefix{},
			want:           "198.51.100.25",
		},
		{
			name:           "trusted proxy with no headers falls back to remote",
			remoteAddr:     "10.0.0.1:80",
			trustedProxies: []netip.Prefix{trustedCIDR},
			want:           "10.0.0.1",
		},
		{
			name:           "multiple CIDRs - second matches",
			remoteAddr:     "172.16.0.1:80",
			headers:        map[string]string{"X-Forwarded-For": "198.51.100.25"},
			trustedProxies: []netip.Prefix{trustedCIDR, netip.MustParsePrefix("172.16.0.0/12")},
			want:           "198.51.100.25",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Request{RemoteAddr: tt.remoteAddr}
			r.Header = make(http.Header)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			got := extractClientIPWithProxies(r, tt.trustedProxies)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWithTrustedProxies(t *testing.T) {
	t.Run("valid CIDRs", func(t *testing.T) {
		opt, err := WithTrustedProxies([]string{"10.0.0.0/8", "172.16.0.0/12"})
		require.NoError(t, err)
		require.NotNil(t, opt)
	})

	t.Run("bare IP treated as /32", func(t *testing.T) {
		opt, err := WithTrustedProxies([]string{"10.0.0.1"})
		require.NoError(t, err)
		require.NotNil(t, opt)
	})

	t.Run("bare IPv6 treated as /128", func(t *testing.T) {
		opt, err := WithTrustedProxies([]string{"::1"})
		require.NoError(t, err)
		require.NotNil(t, opt)
	})

	t.Run("invalid CIDR returns error", func(t *testing.T) {
		_, err := WithTrustedProxies([]string{"not-a-cidr"})
		require.Error(t, err)
	})

	t.Run("mixed valid and invalid returns error", func(t *testing.T) {
		_, err := WithTrustedProxies([]string{"10.0.0.0/8", "garbage"})
		require.Error(t, err)
	})
}

// ---------------------------------------------------------------------------
// Extended trusted proxy edge cases
// ---------------------------------------------------------------------------

func TestExtractClientIPWithTrustedProxies_IPv6(t *testing.T) {
	trustedIPv6 := netip.MustParsePrefix("fd00::/8")

	tests := []struct {
		name           string
		remoteAddr     string
		headers        map[string]string
		trustedProxies []netip.Prefix
		want           string
	}{
		{
			name:           "trusted IPv6 proxy honors XFF",
			remoteAddr:     "[fd00::1]:80",
			headers:        map[string]string{"X-Forwarded-For": "2001:db8::42"},
			trustedProxies: []netip.Prefix{trustedIPv6},
			want:           "2001:db8::42",
		},
		{
			name:           "untrusted IPv6 peer ignores XFF",
			remoteAddr:     "[2001:db8::99]:80",
			headers:        map[string]string{"X-Forwarded-For": "198.51.100.25"},
			trustedProxies: []netip.Prefix{trustedIPv6},
			want:           "2001:db8::99",
		},
		{
			name:           "trusted IPv6 proxy with Forwarded quoted IPv6",
			remoteAddr:     "[fd00::1]:80",
			headers:        map[string]string{"Forwarded": `for="[2001:db8::42]:1234"`},
			trustedProxies: []netip.Prefix{trustedIPv6},
			want:           "2001:db8::42",
		},
		{
			name:           "loopback IPv6 trusted",
			remoteAddr:     "[::1]:80",
			headers:        map[string]string{"X-Forwarded-For": "198.51.100.25"},
			trustedProxies: []netip.Prefix{netip.MustParsePrefix("::1/128")},
			want:           "198.51.100.25",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Request{RemoteAddr: tt.remoteAddr}
			r.Header = make(http.Header)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			got := extractClientIPWithProxies(r, tt.trustedProxies)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractClientIPWithTrustedProxies_MultiHopXFF(t *testing.T) {
	// When there are multiple hops, X-Forwarded-For contains:
	//   <original-client>, <proxy-1>, <proxy-2>
	// extractClientIPWithProxies returns the first valid IP (the original client).
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	r := &http.Request{
		RemoteAddr: "10.0.0.5:80",
		Header: http.Header{
			"X-Forwarded-For": []string{"203.0.113.50, 10.0.0.3, 10.0.0.4"},
		},
	}
	got := extractClientIPWithProxies(r, trusted)
	assert.Equal(t, "203.0.113.50", got, "should extract the original client IP from multi-hop chain")
}

func TestExtractClientIPWithTrustedProxies_AllHeaderTypes(t *testing.T) {
	// When trusted, test priority: XFF > Forwarded > X-Real-IP.
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	t.Run("XFF takes priority over Forwarded and X-Real-IP", func(t *testing.T) {
		r := &http.Request{
			RemoteAddr: "10.0.0.1:80",
			Header: http.Header{
				"X-Forwarded-For": []string{"198.51.100.10"},
				"Forwarded":       []string{"for=198.51.100.20"},
				"X-Real-Ip":       []string{"198.51.100.30"},
			},
		}
		got := extractClientIPWithProxies(r, trusted)
		assert.Equal(t, "198.51.100.10", got)
	})

	t.Run("Forwarded takes priority over X-Real-IP when no XFF", func(t *testing.T) {
		r := &http.Request{
			RemoteAddr: "10.0.0.1:80",
			Header: http.Header{
				"Forwarded": []string{"for=198.51.100.20"},
				"X-Real-Ip": []string{"198.51.100.30"},
			},
		}
		got := extractClientIPWithProxies(r, trusted)
		assert.Equal(t, "198.51.100.20", got)
	})

	t.Run("X-Real-IP used when no XFF or Forwarded", func(t *testing.T) {
		r := &http.Request{
			RemoteAddr: "10.0.0.1:80",
			Header: http.Header{
				"X-Real-Ip": []string{"198.51.100.30"},
			},
		}
		got := extractClientIPWithProxies(r, trusted)
		assert.Equal(t, "198.51.100.30", got)
	})
}

// TestAPIExtractClientIP_MethodWithTrustedProxies tests the API-method-level
// extractClientIP that reads the trustedProxies from the API struct.
func TestAPIExtractClientIP_MethodWithTrustedProxies(t *testing.T) {
	a := &API{
		trustedProxies: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")},
	}

	t.Run("trusted peer uses XFF", func(t *testing.T) {
		r := &http.Request{
			RemoteAddr: "10.0.0.1:80",
			Header: http.Header{
				"X-Forwarded-For": []string{"198.51.100.25"},
			},
		}
		got := a.extractClientIP(r)
		assert.Equal(t, "198.51.100.25", got)
	})

	t.Run("untrusted peer ignores XFF", func(t *testing.T) {
		r := &http.Request{
			RemoteAddr: "192.168.1.1:80",
			Header: http.Header{
				"X-Forwarded-For": []string{"198.51.100.25"},
			},
		}
		got := a.extractClientIP(r)
		assert.Equal(t, "192.168.1.1", got)
	})
}

func TestAPIExtractClientIP_MethodWithoutTrustedProxies(t *testing.T) {
	a := &API{}

	r := &http.Request{
		RemoteAddr: "192.168.1.1:80",
		Header: http.Header{
			"X-Forwarded-For": []string{"198.51.100.25"},
		},
	}
	got := a.extractClientIP(r)
	assert.Equal(t, "192.168.1.1", got, "headers are ignored without proxy config")
}

func TestExtractClientIPWithTrustedProxies_SpoofAttempt(t *testing.T) {
	// An attacker directly connecting (not through a proxy) tries to spoof
	// their IP via X-Forwarded-For. With trusted proxies configured, the
	// header should be ignored.
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	r := &http.Request{
		RemoteAddr: "203.0.113.99:12345",
		Header: http.Header{
			"X-Forwarded-For": []string{"10.0.0.1"}, // trying to look internal
			"Forwarded":       []string{"for=10.0.0.2"},
			"X-Real-Ip":       []string{"10.0.0.3"},
		},
	}
	got := extractClientIPWithProxies(r, trusted)
	assert.Equal(t, "203.0.113.99", got, "should use TCP peer, not spoofed headers")
}

func TestExtractClientIPWithTrustedProxies_NarrowCIDR(t *testing.T) {
	// Only a single IP is trusted (the exact load balancer).
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.1/32")}

	t.Run("exact match trusted", func(t *testing.T) {
		r := &http.Request{
			RemoteAddr: "10.0.0.1:80",
			Header: http.Header{
				"X-Forwarded-For": []string{"198.51.100.25"},
			},
		}
		got := extractClientIPWithProxies(r, trusted)
		assert.Equal(t, "198.51.100.25", got)
	})

	t.Run("adjacent IP not trusted", func(t *testing.T) {
		r := &http.Request{
			RemoteAddr: "10.0.0.2:80",
			Header: http.Header{
				"X-Forwarded-For": []string{"198.51.100.25"},
			},
		}
		got := extractClientIPWithProxies(r, trusted)
		assert.Equal(t, "10.0.0.2", got, "10.0.0.2 is not in 10.0.0.1/32")
	})
}
