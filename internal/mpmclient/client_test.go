package mpmclient_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rjboer/mpmd/internal/mpmclient"
	"github.com/rjboer/mpmd/internal/rpcserver"
	"github.com/rjboer/mpmd/internal/testutil"
)

func TestDialRetriesUntilServerUp(t *testing.T) {
	// Reserve a port, close it, and only start the real server after a
	// delay. The dial backoff must ride out the refused connections.
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	mgr := testutil.NewManager(t, 1)
	srv, err := rpcserver.New(rpcserver.Config{Addr: addr, Manager: mgr, ClaimTimeout: time.Hour})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		time.Sleep(200 * time.Millisecond)
		if err := srv.Listen(); err != nil {
			t.Errorf("late listen: %v", err)
			return
		}
		_ = srv.Serve(ctx)
	}()

	c, err := mpmclient.Dial(context.Background(), addr,
		mpmclient.WithDialTimeout(5*time.Second))
	require.NoError(t, err)
	defer c.Close()

	out, err := c.Ping(context.Background(), "after-boot")
	require.NoError(t, err)
	require.Equal(t, "after-boot", out)
}

func TestDialGivesUp(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	_, err = mpmclient.Dial(context.Background(), addr,
		mpmclient.WithDialTimeout(200*time.Millisecond))
	require.Error(t, err)
}

func TestCallAfterClose(t *testing.T) {
	mgr := testutil.NewManager(t, 1)
	_, addr := testutil.StartServer(t, rpcserver.Config{Manager: mgr, ClaimTimeout: time.Hour})

	c, err := mpmclient.Dial(context.Background(), addr)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = c.Ping(context.Background(), "x")
	require.ErrorContains(t, err, "closed")
}
