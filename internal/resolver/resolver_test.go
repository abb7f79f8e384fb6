package resolver

import (
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

var demo = []string{"8.8.8.8", "1.1.1.1", "202.38.64.1", "139.162.19.141"}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"8.8.8.8", "8.8.8.8"},
		{"8.8.8.8:51234", "8.8.8.8"},
		{"::ffff:127.0.0.1", "127.0.0.1"},
		{"[::ffff:203.0.113.5]:2222", "203.0.113.5"},
		{"[2001:4860:4860::8888]:443", "2001:4860:4860::8888"},
		{"fe80::1%eth0", "fe80::1"},
		{" 1.1.1.1 ", "1.1.1.1"},
		{"not-an-ip", "not-an-ip"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestIsNonRoutable(t *testing.T) {
	tests := []struct {
		name string
		ip   string
		want bool
	}{
		{"loopback", "127.0.0.1", true},
		{"loopback other", "127.100.50.25", true},
		{"mapped loopback", "::ffff:127.0.0.1", true},
		{"ipv6 loopback", "::1", true},
		{"10/8", "10.1.2.3", true},
		{"172.16/12", "172.20.0.1", true},
		{"192.168/16", "192.168.1.100", true},
		{"link-local", "169.254.10.10", true},
		{"ipv6 ula", "fd00::1234", true},
		{"ipv6 link-local", "fe80::1", true},
		{"unspecified", "0.0.0.0", true},
		{"public", "8.8.8.8", false},
		{"documentation range", "203.0.113.5", false},
		{"outside 172.16/12", "172.32.0.1", false},
		{"public ipv6", "2001:4860:4860::8888", false},
		{"garbage", "not-an-ip", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsNonRoutable(tt.ip))
		})
	}
}

func TestResolveTestModeSubstitutesFromDemoSet(t *testing.T) {
	r := New(true, demo, WithRand(rand.New(rand.NewPCG(1, 2))))
	seen := map[string]bool{}
	for i := 0; i < 400; i++ {
		got := r.Resolve("127.0.0.1:40000")
		assert.Contains(t, demo, got)
		seen[got] = true
	}
	// uniform draw over 400 tries reaches every member
	assert.Len(t, seen, len(demo))

	for _, raw := range []string{"::1", "192.168.0.7", "::ffff:127.0.0.1"} {
		assert.Contains(t, demo, r.Resolve(raw))
	}
}

func TestResolveRoutableIsIdentity(t *testing.T) {
	for _, testMode := range []bool{true, false} {
		r := New(testMode, demo)
		assert.Equal(t, "8.8.8.8", r.Resolve("8.8.8.8"))
		assert.Equal(t, "203.0.113.5", r.Resolve("203.0.113.5:1234"))
		assert.Equal(t, "2001:4860:4860::8888", r.Resolve("2001:4860:4860::8888"))
	}
}

func TestResolveProductionKeepsPrivateAddress(t *testing.T) {
	r := New(false, demo)
	assert.False(t, r.TestMode())
	assert.Equal(t, "127.0.0.1", r.Resolve("127.0.0.1:40000"))
	assert.Equal(t, "10.0.0.5", r.Resolve("10.0.0.5"))
}

func TestResolveEmptyDemoSetKeepsAddress(t *testing.T) {
	r := New(true, nil)
	assert.Equal(t, "127.0.0.1", r.Resolve("127.0.0.1"))
}

func TestResolveConcurrent(t *testing.T) {
	r := New(true, demo)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				assert.Contains(t, demo, r.Resolve("127.0.0.1"))
			}
		}()
	}
	wg.Wait()
}
