package rpcserver

import (
	"testing"
	"time"
)

func TestNewTokenLengthAndUniqueness(t *testing.T) {
	a := newToken()
	b := newToken()
	if len(a) != TokenLen || len(b) != TokenLen {
		t.Fatalf("token lengths %d, %d; want %d", len(a), len(b), TokenLen)
	}
	if a == b {
		t.Fatal("two tokens should not collide")
	}
}

func TestClaimStateLifecycle(t *testing.T) {
	c := &claimState{timeout: time.Hour}

	token, ok := c.tryClaim("session-a", func() {})
	if !ok || token == "" {
		t.Fatal("first claim must succeed")
	}
	if !c.claimed() {
		t.Fatal("state must report claimed")
	}
	if !c.tokenValid(token) {
		t.Fatal("issued token must validate")
	}
	if c.tokenValid("sixteenbytestokn") {
		t.Fatal("foreign token must not validate")
	}

	if _, ok := c.tryClaim("session-b", func() {}); ok {
		t.Fatal("double claim must fail")
	}

	if got := c.release(); got != "session-a" {
		t.Fatalf("release returned session %q", got)
	}
	if c.claimed() || c.tokenValid(token) {
		t.Fatal("released state must reject the old token")
	}
}

func TestClaimExpiry(t *testing.T) {
	c := &claimState{timeout: 20 * time.Millisecond}

	expired := make(chan struct{})
	_, ok := c.tryClaim("s", func() { close(expired) })
	if !ok {
		t.Fatal("claim failed")
	}

	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Fatal("expiry callback never fired")
	}
}

func TestClaimRefreshDefersExpiry(t *testing.T) {
	c := &claimState{timeout: 60 * time.Millisecond}

	expired := make(chan struct{})
	onExpire := func() { close(expired) }
	token, ok := c.tryClaim("s", onExpire)
	if !ok {
		t.Fatal("claim failed")
	}

	// refresh a few times across the timeout boundary
	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		if !c.refreshValid(token, onExpire) {
			t.Fatal("refresh on active claim failed")
		}
	}
	select {
	case <-expired:
		t.Fatal("claim expired despite refreshes")
	default:
	}

	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Fatal("claim never expired after refreshes stopped")
	}
}

func TestRefreshRejectsForeignOrLapsedToken(t *testing.T) {
	c := &claimState{timeout: time.Hour}

	if c.refreshValid("sixteenbytestokn", func() {}) {
		t.Fatal("refresh without a claim must answer false")
	}

	token, ok := c.tryClaim("s", func() {})
	if !ok {
		t.Fatal("claim failed")
	}
	if c.refreshValid("sixteenbytestokn", func() {}) {
		t.Fatal("foreign token must not refresh the claim")
	}

	c.release()
	if c.refreshValid(token, func() {}) {
		t.Fatal("released claim must not refresh")
	}
}

func TestSuspendStopsExpiry(t *testing.T) {
	c := &claimState{timeout: 20 * time.Millisecond}

	expired := make(chan struct{})
	onExpire := func() { close(expired) }
	if _, ok := c.tryClaim("s", onExpire); !ok {
		t.Fatal("claim failed")
	}
	c.suspend()

	select {
	case <-expired:
		t.Fatal("claim expired while suspended")
	case <-time.After(80 * time.Millisecond):
	}

	c.resume(onExpire)
	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Fatal("claim never expired after resume")
	}
}
