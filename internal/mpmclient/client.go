// Package mpmclient is the Go client for the mpmd RPC server. It keeps one
// connection, serializes calls on it, and carries the claim token
// transparently once Claim has succeeded.
package mpmclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/rjboer/mpmd/internal/periphmgr"
	"github.com/rjboer/mpmd/internal/rpcserver"
)

// Option adjusts client construction.
type Option func(*Client)

// WithCallTimeout bounds each round trip.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithDialTimeout bounds the total time spent retrying the initial dial.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// Client talks to one mpmd instance.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	enc     *json.Encoder
	scanner *bufio.Scanner
	nextID  uint64
	token   string

	addr        string
	timeout     time.Duration
	dialTimeout time.Duration
}

// Dial connects to the server, retrying with exponential backoff until the
// context is canceled or the dial timeout elapses. Devices reboot during
// component updates, so transient refusals are normal.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	c := &Client{
		addr:        addr,
		timeout:     5 * time.Second,
		dialTimeout: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = c.dialTimeout

	var conn net.Conn
	op := func() error {
		d := net.Dialer{Timeout: c.timeout}
		var err error
		conn, err = d.DialContext(ctx, "tcp", addr)
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("connect to mpmd at %s: %w", addr, err)
	}

	c.conn = conn
	c.enc = json.NewEncoder(conn)
	c.scanner = bufio.NewScanner(conn)
	c.scanner.Buffer(make([]byte, 64*1024), 64<<20)
	return c, nil
}

// Close drops the connection. The claim, if any, expires server-side.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Token returns the active claim token, empty if unclaimed.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Call performs one RPC round trip. result may be nil to discard the reply.
func (c *Client) Call(ctx context.Context, method string, result any, params ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callLocked(ctx, method, result, params...)
}

func (c *Client) callLocked(ctx context.Context, method string, result any, params ...any) error {
	if c.conn == nil {
		return fmt.Errorf("client is closed")
	}

	c.nextID++
	req := rpcserver.Request{
		ID:     c.nextID,
		Method: method,
		Token:  c.token,
	}
	if len(params) > 0 {
		payload, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		req.Params = payload
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetDeadline(deadline)

	if err := c.enc.Encode(req); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return fmt.Errorf("read %s reply: %w", method, err)
		}
		return fmt.Errorf("connection closed during %s", method)
	}

	var resp rpcserver.Response
	if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
		return fmt.Errorf("decode %s reply: %w", method, err)
	}
	if resp.ID != req.ID {
		return fmt.Errorf("%s: reply id %d does not match request id %d", method, resp.ID, req.ID)
	}
	if resp.Error != "" {
		return fmt.Errorf("%s: %s", method, resp.Error)
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// Ping round-trips data through the server.
func (c *Client) Ping(ctx context.Context, data string) (string, error) {
	var out string
	err := c.Call(ctx, "ping", &out, data)
	return out, err
}

// Claim acquires the device and stores the issued token for later calls.
func (c *Client) Claim(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var token string
	if err := c.callLocked(ctx, "claim", &token, sessionID); err != nil {
		return err
	}
	c.token = token
	return nil
}

// Reclaim refreshes the claim before it expires. It answers false, without
// an error, when the claim has already lapsed.
func (c *Client) Reclaim(ctx context.Context) (bool, error) {
	var ok bool
	err := c.Call(ctx, "reclaim", &ok)
	return ok, err
}

// Unclaim releases the device and forgets the token.
func (c *Client) Unclaim(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.callLocked(ctx, "unclaim", nil); err != nil {
		return err
	}
	c.token = ""
	return nil
}

// KeepClaim reclaims at the given interval until the context is canceled.
// Run it in its own goroutine for long sessions.
func (c *Client) KeepClaim(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ok, err := c.Reclaim(ctx); err != nil || !ok {
				return
			}
		}
	}
}

// Init initializes the claimed device.
func (c *Client) Init(ctx context.Context, args map[string]string) (bool, error) {
	var ok bool
	err := c.Call(ctx, "init", &ok, args)
	return ok, err
}

// DeviceInfo fetches the identity map. Callable without a claim.
func (c *Client) DeviceInfo(ctx context.Context) (map[string]string, error) {
	out := map[string]string{}
	err := c.Call(ctx, "get_device_info", &out)
	return out, err
}

// LastError fetches the server's last RPC failure string.
func (c *Client) LastError(ctx context.Context) (string, error) {
	var out string
	err := c.Call(ctx, "get_last_error", &out)
	return out, err
}

// ListMethods enumerates the server's method table.
func (c *Client) ListMethods(ctx context.Context) ([]rpcserver.MethodInfo, error) {
	var out []rpcserver.MethodInfo
	err := c.Call(ctx, "list_methods", &out)
	return out, err
}

// UpdateComponent uploads component files for staging.
func (c *Client) UpdateComponent(ctx context.Context, metadata []periphmgr.ComponentMetadata, data [][]byte) error {
	return c.Call(ctx, "update_component", nil, metadata, data)
}

// MboardTemperature reads the motherboard thermal zone.
func (c *Client) MboardTemperature(ctx context.Context) (string, error) {
	var out string
	err := c.Call(ctx, "get_mboard_temperature", &out)
	return out, err
}

// DBTune tunes a daughterboard LO and returns the coerced frequency.
func (c *Client) DBTune(ctx context.Context, slot int, direction string, freqHz float64) (float64, error) {
	var out float64
	err := c.Call(ctx, fmt.Sprintf("db_%d_tune", slot), &out, direction, freqHz)
	return out, err
}

// DBSetGain sets a daughterboard channel gain and returns the coerced value.
func (c *Client) DBSetGain(ctx context.Context, slot int, channel string, gainDB float64) (float64, error) {
	var out float64
	err := c.Call(ctx, fmt.Sprintf("db_%d_set_gain", slot), &out, channel, gainDB)
	return out, err
}

// DBTemperature reads a daughterboard's die temperature.
func (c *Client) DBTemperature(ctx context.Context, slot int) (float64, error) {
	var out float64
	err := c.Call(ctx, fmt.Sprintf("db_%d_get_temperature", slot), &out)
	return out, err
}
