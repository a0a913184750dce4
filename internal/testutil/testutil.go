// Package testutil provides fixtures for tests that need a working
// peripheral manager without hardware: a fake Mykonos on a fake SPI bus and
// a server running on a loopback listener.
package testutil

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/rjboer/mpmd/internal/dboard"
	"github.com/rjboer/mpmd/internal/periphmgr"
	"github.com/rjboer/mpmd/internal/rpcserver"
	"github.com/rjboer/mpmd/internal/spibus"
)

// FakeMykonos models the register interface far enough for Identify and Init
// to succeed: product ID reads return the Mykonos ID and init cals report
// done immediately.
type FakeMykonos struct{ mu sync.Mutex }

func (d *FakeMykonos) Transfer(tx, rx []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if tx[0]&0x80 != 0 {
		return nil
	}
	addr := uint16(tx[0]&0x7F)<<8 | uint16(tx[1])
	switch addr {
	case 0x0003:
		rx[2] = 0x08
	case 0x0151:
		rx[2] = 0x01
	case 0x0400:
		rx[2] = 150 // 22 degC
	}
	return nil
}

func (d *FakeMykonos) Close() error { return nil }

// ManagerConfig returns a periphmgr config with the given number of
// daughterboard slots, all backed by fake hardware and scratch directories.
func ManagerConfig(t *testing.T, slots int) periphmgr.Config {
	t.Helper()
	paths := make([]string, slots)
	for i := range paths {
		paths[i] = fmt.Sprintf("/dev/spidev0.%d", i+1)
	}
	return periphmgr.Config{
		Product:      "n310",
		Serial:       "31FFA42",
		FPGAVersion:  "XG.7.4",
		SpidevPaths:  paths,
		ComponentDir: t.TempDir(),
		SysfsRoot:    t.TempDir(),
		DBoardOptions: []dboard.Option{
			dboard.WithBusOpener(func(path string, cfg spibus.Config) (*spibus.Bus, error) {
				return spibus.NewWithDevice(path, &FakeMykonos{}), nil
			}),
		},
	}
}

// NewManager builds a manager over fake hardware.
func NewManager(t *testing.T, slots int) *periphmgr.Manager {
	t.Helper()
	m, err := periphmgr.New(ManagerConfig(t, slots), quietLogger())
	if err != nil {
		t.Fatalf("construct test manager: %v", err)
	}
	t.Cleanup(func() { m.TearDown() })
	return m
}

// StartServer runs an RPC server on a loopback listener and returns its
// address. The server stops when the test ends.
func StartServer(t *testing.T, cfg rpcserver.Config) (srv *rpcserver.Server, addr string) {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	srv, err := rpcserver.New(cfg)
	if err != nil {
		t.Fatalf("construct server: %v", err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ctx); err != nil {
			t.Errorf("serve: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return srv, srv.Addr().String()
}

func quietLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}
