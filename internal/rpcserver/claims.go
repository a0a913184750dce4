package rpcserver

import (
	"crypto/rand"
	"sync"
	"time"
)

// DefaultClaimTimeout is how long a claim survives without a reclaim.
const DefaultClaimTimeout = 3 * time.Second

// TokenLen is the length of claim token strings.
const TokenLen = 16

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func newToken() string {
	buf := make([]byte, TokenLen)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	for i, b := range buf {
		buf[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(buf)
}

// claimState tracks the active claim. The expiry timer is armed on claim and
// re-armed on every reclaim; firing releases the claim.
type claimState struct {
	mu        sync.Mutex
	token     string
	sessionID string
	timer     *time.Timer
	timeout   time.Duration
}

func (c *claimState) claimed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token != ""
}

func (c *claimState) tokenValid(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token != "" && len(token) == TokenLen && token == c.token
}

// tryClaim issues a token iff the device is unclaimed.
func (c *claimState) tryClaim(sessionID string, onExpire func()) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return "", false
	}
	c.token = newToken()
	c.sessionID = sessionID
	c.armLocked(onExpire)
	return c.token, true
}

// refreshValid re-arms the expiry timer when token matches the active
// claim. A lapsed or foreign token answers false so callers can probe claim
// state without tripping an error.
func (c *claimState) refreshValid(token string, onExpire func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" || token != c.token {
		return false
	}
	c.armLocked(onExpire)
	return true
}

// suspend stops the expiry timer for long-running claimed calls.
func (c *claimState) suspend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
}

// resume re-arms the timer after a suspend.
func (c *claimState) resume(onExpire func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		c.armLocked(onExpire)
	}
}

// release clears the claim unconditionally and returns the session it ended.
func (c *claimState) release() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	session := c.sessionID
	c.token = ""
	c.sessionID = ""
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	return session
}

func (c *claimState) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *claimState) armLocked(onExpire func()) {
	if c.timer != nil {
		c.timer.Stop()
	}
	timeout := c.timeout
	if timeout <= 0 {
		timeout = DefaultClaimTimeout
	}
	c.timer = time.AfterFunc(timeout, onExpire)
}
