package dboard

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/mpmd/internal/spibus"
)

type nopDevice struct{}

func (nopDevice) Transfer(tx, rx []byte) error { return nil }
func (nopDevice) Close() error                 { return nil }

func fakeOpener(t *testing.T) (BusOpener, *[]string) {
	t.Helper()
	opened := &[]string{}
	return func(path string, cfg spibus.Config) (*spibus.Bus, error) {
		*opened = append(*opened, path)
		return spibus.NewWithDevice(path, nopDevice{}), nil
	}, opened
}

func TestNewWiresSharedLock(t *testing.T) {
	open, opened := fakeOpener(t)
	m, err := New("/dev/spidev0.1", WithBusOpener(open))
	require.NoError(t, err)
	defer m.Close()

	require.Equal(t, []string{"/dev/spidev0.1"}, *opened)
	require.NotNil(t, m.Mykonos())

	// The lock handle and the chip controller must share the exact same
	// mutex instance guarding the physical bus.
	require.Same(t, m.SPIMutex(), m.SPILock().Mutex())
	require.Same(t, m.SPIMutex(), m.Mykonos().SPIMutex())
}

func TestNewBadDevicePathFails(t *testing.T) {
	open := func(path string, cfg spibus.Config) (*spibus.Bus, error) {
		return nil, errors.Errorf("open %s: no such device", path)
	}
	m, err := New("/dev/spidev9.9", WithBusOpener(open))
	require.Error(t, err)
	require.Nil(t, m)
}

func TestNewRealOpenerMissingDevice(t *testing.T) {
	// Default opener against a path that cannot exist: construction must
	// propagate the error rather than yield a broken manager.
	m, err := New("/dev/does-not-exist-spidev9.9")
	require.Error(t, err)
	require.Nil(t, m)
}

func TestLockableSerializes(t *testing.T) {
	open, _ := fakeOpener(t)
	m, err := New("/dev/spidev0.1", WithBusOpener(open))
	require.NoError(t, err)
	defer m.Close()

	l := m.SPILock()
	l.Lock()
	var entered sync.WaitGroup
	got := false
	entered.Add(1)
	go func() {
		defer entered.Done()
		l.Lock()
		got = true
		l.Unlock()
	}()
	require.False(t, got)
	l.Unlock()
	entered.Wait()
	require.True(t, got)
}
