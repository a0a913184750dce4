// Package dboard manages the Magnesium daughterboard: one AD937x transceiver
// behind a shared SPI bus.
package dboard

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/rjboer/mpmd/internal/ad937x"
	"github.com/rjboer/mpmd/internal/spibus"
)

// BusOpener binds a SPI bus to a device path. Overridden in tests.
type BusOpener func(path string, cfg spibus.Config) (*spibus.Bus, error)

type options struct {
	open     BusOpener
	spiCfg   spibus.Config
	gainPins ad937x.GainPinConfig
}

// Option adjusts manager construction.
type Option func(*options)

// WithBusOpener substitutes the spidev opener.
func WithBusOpener(open BusOpener) Option {
	return func(o *options) { o.open = open }
}

// WithSPIConfig overrides the SPI mode parameters.
func WithSPIConfig(cfg spibus.Config) Option {
	return func(o *options) { o.spiCfg = cfg }
}

// WithGainPins sets the initial gain pin configuration instead of the
// default (all disabled).
func WithGainPins(cfg ad937x.GainPinConfig) Option {
	return func(o *options) { o.gainPins = cfg }
}

// Manager owns the daughterboard's chip controller and the lock handle for
// its SPI bus. Construction is wiring only; no SPI transaction occurs until
// an operation on the controller.
type Manager struct {
	spiMu   *sync.Mutex
	spiLock *Lockable
	mykonos *ad937x.Ctrl
}

// New builds a manager for the transceiver reachable at mykonosSpidev.
// Opening the transport, wrapping the bus mutex in a lock handle, and wiring
// the chip controller all happen here; any failure propagates and leaves no
// partial state behind.
func New(mykonosSpidev string, opts ...Option) (*Manager, error) {
	o := options{
		open:     spibus.Open,
		spiCfg:   spibus.DefaultConfig(),
		gainPins: ad937x.DefaultGainPinConfig(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	bus, err := o.open(mykonosSpidev, o.spiCfg)
	if err != nil {
		return nil, errors.Wrapf(err, "open Mykonos SPI transport %s", mykonosSpidev)
	}

	spiMu := bus.Mutex()
	ctrl, err := ad937x.New(spiMu, bus, o.gainPins)
	if err != nil {
		return nil, multierr.Append(
			errors.Wrap(err, "construct Mykonos controller"),
			bus.Close(),
		)
	}

	return &Manager{
		spiMu:   spiMu,
		spiLock: NewLockable(spiMu),
		mykonos: ctrl,
	}, nil
}

// Mykonos returns the chip controller.
func (m *Manager) Mykonos() *ad937x.Ctrl { return m.mykonos }

// SPILock returns the lock handle over the shared bus mutex.
func (m *Manager) SPILock() *Lockable { return m.spiLock }

// SPIMutex returns the shared bus mutex itself.
func (m *Manager) SPIMutex() *sync.Mutex { return m.spiMu }

// Close tears the board session down and releases the transport.
func (m *Manager) Close() error {
	return errors.Wrap(m.mykonos.Close(), "close Mykonos controller")
}
