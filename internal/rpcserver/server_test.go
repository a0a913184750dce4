package rpcserver_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rjboer/mpmd/internal/mpmclient"
	"github.com/rjboer/mpmd/internal/periphmgr"
	"github.com/rjboer/mpmd/internal/rpcserver"
	"github.com/rjboer/mpmd/internal/telemetry"
	"github.com/rjboer/mpmd/internal/testutil"
)

func startTestServer(t *testing.T, claimTimeout time.Duration) (*periphmgr.Manager, *telemetry.Hub, string) {
	t.Helper()
	mgr := testutil.NewManager(t, 1)
	hub := telemetry.NewHub(100)
	_, addr := testutil.StartServer(t, rpcserver.Config{
		Manager:      mgr,
		Reporter:     hub,
		ClaimTimeout: claimTimeout,
	})
	return mgr, hub, addr
}

func dial(t *testing.T, addr string) *mpmclient.Client {
	t.Helper()
	c, err := mpmclient.Dial(context.Background(), addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNewRequiresManager(t *testing.T) {
	_, err := rpcserver.New(rpcserver.Config{})
	require.ErrorContains(t, err, "peripheral manager")
}

func TestPing(t *testing.T) {
	_, _, addr := startTestServer(t, time.Hour)
	c := dial(t, addr)

	out, err := c.Ping(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, "hello", out)
}

func TestDeviceInfoUnclaimed(t *testing.T) {
	_, _, addr := startTestServer(t, time.Hour)
	c := dial(t, addr)

	info, err := c.DeviceInfo(context.Background())
	require.NoError(t, err)
	require.Equal(t, "n310", info["product"])
	require.Equal(t, "false", info["claimed"])
	require.Equal(t, "local", info["connection"])
}

func TestClaimInitUnclaim(t *testing.T) {
	mgr, hub, addr := startTestServer(t, time.Hour)
	c := dial(t, addr)
	ctx := context.Background()

	require.NoError(t, c.Claim(ctx, "uhd-session"))
	require.Len(t, c.Token(), rpcserver.TokenLen)

	ok, err := c.Init(ctx, map[string]string{"mode": "default"})
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, mgr.Inited())

	info, err := c.DeviceInfo(ctx)
	require.NoError(t, err)
	require.Equal(t, "true", info["claimed"])

	require.NoError(t, c.Unclaim(ctx))
	require.False(t, mgr.Inited())
	require.Empty(t, c.Token())

	kinds := []telemetry.EventKind{}
	for _, ev := range hub.History() {
		kinds = append(kinds, ev.Kind)
	}
	require.Contains(t, kinds, telemetry.EventClaim)
	require.Contains(t, kinds, telemetry.EventInit)
	require.Contains(t, kinds, telemetry.EventUnclaim)
}

func TestDoubleClaimRejected(t *testing.T) {
	_, _, addr := startTestServer(t, time.Hour)
	c1 := dial(t, addr)
	c2 := dial(t, addr)
	ctx := context.Background()

	require.NoError(t, c1.Claim(ctx, "first"))
	err := c2.Claim(ctx, "second")
	require.ErrorContains(t, err, "double-claim")

	lastErr, err := c2.LastError(ctx)
	require.NoError(t, err)
	require.Contains(t, lastErr, "claim")
}

func TestClaimedMethodRequiresToken(t *testing.T) {
	_, _, addr := startTestServer(t, time.Hour)
	c := dial(t, addr)

	_, err := c.Init(context.Background(), nil)
	require.ErrorContains(t, err, "invalid token")
}

func TestClaimExpiresWithoutReclaim(t *testing.T) {
	mgr, _, addr := startTestServer(t, 50*time.Millisecond)
	c := dial(t, addr)
	ctx := context.Background()

	require.NoError(t, c.Claim(ctx, "short"))
	_, err := c.Init(ctx, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		info, err := c.DeviceInfo(ctx)
		return err == nil && info["claimed"] == "false"
	}, 2*time.Second, 20*time.Millisecond)
	require.False(t, mgr.Inited())
}

func TestReclaimWithoutClaimReturnsFalse(t *testing.T) {
	_, _, addr := startTestServer(t, time.Hour)
	c := dial(t, addr)
	ctx := context.Background()

	// a lapsed or never-made claim answers false, not an error, so
	// clients can probe claim state non-fatally
	ok, err := c.Reclaim(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Claim(ctx, "prober"))
	ok, err = c.Reclaim(ctx)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestReclaimKeepsClaimAlive(t *testing.T) {
	_, _, addr := startTestServer(t, 80*time.Millisecond)
	c := dial(t, addr)
	ctx := context.Background()

	require.NoError(t, c.Claim(ctx, "persistent"))

	keepCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	go c.KeepClaim(keepCtx, 30*time.Millisecond)

	time.Sleep(250 * time.Millisecond)
	info, err := c.DeviceInfo(ctx)
	require.NoError(t, err)
	require.Equal(t, "true", info["claimed"], "claim should survive while reclaiming")
}

func TestDBoardMethods(t *testing.T) {
	_, _, addr := startTestServer(t, time.Hour)
	c := dial(t, addr)
	ctx := context.Background()

	require.NoError(t, c.Claim(ctx, "db-test"))

	freq, err := c.DBTune(ctx, 0, "rx", 2.4e9)
	require.NoError(t, err)
	require.InDelta(t, 2.4e9, freq, 1)

	gain, err := c.DBSetGain(ctx, 0, "RX1", 12.3)
	require.NoError(t, err)
	require.Equal(t, 12.5, gain)

	temp, err := c.DBTemperature(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 22.0, temp)

	_, err = c.DBTune(ctx, 0, "sideways", 2.4e9)
	require.ErrorContains(t, err, "unknown direction")

	_, err = c.DBTune(ctx, 3, "rx", 2.4e9)
	require.ErrorContains(t, err, "unknown method")
}

func TestListMethods(t *testing.T) {
	_, _, addr := startTestServer(t, time.Hour)
	c := dial(t, addr)

	methods, err := c.ListMethods(context.Background())
	require.NoError(t, err)

	byName := map[string]rpcserver.MethodInfo{}
	for _, m := range methods {
		byName[m.Name] = m
	}
	require.False(t, byName["ping"].RequiresClaim)
	require.False(t, byName["get_device_info"].RequiresClaim)
	require.True(t, byName["init"].RequiresClaim)
	require.True(t, byName["db_0_tune"].RequiresClaim)
	require.NotContains(t, byName, "db_1_tune")
}

func TestUpdateComponentLengthMismatchSetsLastError(t *testing.T) {
	_, _, addr := startTestServer(t, time.Hour)
	c := dial(t, addr)
	ctx := context.Background()

	require.NoError(t, c.Claim(ctx, "updater"))
	err := c.UpdateComponent(ctx,
		[]periphmgr.ComponentMetadata{{ID: "mcu", Filename: "x"}}, nil)
	require.Error(t, err) // metadata/data length mismatch

	lastErr, lerr := c.LastError(ctx)
	require.NoError(t, lerr)
	require.Contains(t, lastErr, "mismatch")
}

func TestUpdateComponentResetWithoutGenerator(t *testing.T) {
	_, _, addr := startTestServer(t, time.Hour)
	c := dial(t, addr)
	ctx := context.Background()

	require.NoError(t, c.Claim(ctx, "updater"))
	// "dts" is updateable and flagged for reset; without a generator the
	// reset must fail loudly rather than silently keep the old manager.
	err := c.UpdateComponent(ctx,
		[]periphmgr.ComponentMetadata{{ID: "dts", Filename: "n310.dts"}},
		[][]byte{[]byte("device-tree")})
	require.ErrorContains(t, err, "no generator")
}

func TestComponentResetRebuildsDBoardMethods(t *testing.T) {
	mgr := testutil.NewManager(t, 1)
	// the staged device tree brings up a second daughterboard slot
	gen := func() (*periphmgr.Manager, error) {
		return periphmgr.New(testutil.ManagerConfig(t, 2), nil)
	}
	_, addr := testutil.StartServer(t, rpcserver.Config{
		Manager:          mgr,
		ManagerGenerator: gen,
		ClaimTimeout:     time.Hour,
	})
	c := dial(t, addr)
	ctx := context.Background()

	require.NoError(t, c.Claim(ctx, "updater"))

	_, err := c.DBTune(ctx, 1, "rx", 2.4e9)
	require.ErrorContains(t, err, "unknown method")

	require.NoError(t, c.UpdateComponent(ctx,
		[]periphmgr.ComponentMetadata{{ID: "dts", Filename: "n310.dts"}},
		[][]byte{[]byte("device-tree")}))

	methods, err := c.ListMethods(ctx)
	require.NoError(t, err)
	names := make([]string, 0, len(methods))
	for _, m := range methods {
		names = append(names, m.Name)
	}
	require.Contains(t, names, "db_1_tune")

	freq, err := c.DBTune(ctx, 1, "rx", 2.4e9)
	require.NoError(t, err)
	require.InDelta(t, 2.4e9, freq, 1)
}

func TestMboardTemperature(t *testing.T) {
	_, _, addr := startTestServer(t, time.Hour)
	c := dial(t, addr)
	ctx := context.Background()
	require.NoError(t, c.Claim(ctx, "sensors"))

	// thermal zone file is absent in the scratch sysfs root
	_, err := c.MboardTemperature(ctx)
	require.Error(t, err)
}
