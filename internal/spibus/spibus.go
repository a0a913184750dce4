// Package spibus provides access to a Linux spidev character device and the
// shared lock that serializes every controller on the same physical bus.
package spibus

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Device is the raw full-duplex transfer primitive beneath a Bus. The
// production implementation wraps a spidev file descriptor; tests inject
// their own.
type Device interface {
	// Transfer clocks len(tx) bytes out while reading the same number of
	// bytes into rx. len(rx) must equal len(tx).
	Transfer(tx, rx []byte) error
	Close() error
}

// Config carries the SPI mode parameters programmed at open time.
type Config struct {
	Mode    uint8
	Bits    uint8
	SpeedHz uint32
}

// DefaultConfig returns the mode used by the AD937x family: mode 0, 8-bit
// words, 1 MHz clock.
func DefaultConfig() Config {
	return Config{Mode: 0, Bits: 8, SpeedHz: 1_000_000}
}

// Bus is a shareable SPI bus. Every transfer happens through a Handle, and
// opening a handle takes the bus mutex until the handle is closed, so at most
// one critical section per physical bus is active at a time.
type Bus struct {
	path string
	mu   *sync.Mutex

	devMu sync.Mutex // guards dev against a concurrent Close
	dev   Device
}

// Open binds a bus to the spidev device node at path and programs the mode
// registers. No SPI transaction is performed.
func Open(path string, cfg Config) (*Bus, error) {
	dev, err := openSpidev(path, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "open SPI device %s", path)
	}
	return NewWithDevice(path, dev), nil
}

// NewWithDevice wraps an already-open device. Used by tests and by transports
// that are not spidev-backed.
func NewWithDevice(path string, dev Device) *Bus {
	return &Bus{
		path: path,
		mu:   &sync.Mutex{},
		dev:  dev,
	}
}

// Path returns the device node the bus was opened with.
func (b *Bus) Path() string { return b.path }

// Mutex exposes the bus mutex so additional controllers on the same physical
// bus can serialize against it. The mutex is owned by the bus; callers hold a
// reference, not a copy.
func (b *Bus) Mutex() *sync.Mutex { return b.mu }

// OpenHandle locks the bus and returns a handle for transfers. The handle
// MUST be closed to release the bus.
func (b *Bus) OpenHandle() (*Handle, error) {
	b.devMu.Lock()
	closed := b.dev == nil
	b.devMu.Unlock()
	if closed {
		return nil, errors.New("bus is closed")
	}
	b.mu.Lock()
	return &Handle{bus: b}, nil
}

// Close releases the underlying device. Any handle still open keeps the
// mutex; its transfers fail from here on instead of reaching the released
// device. An in-flight transfer completes before the device goes away.
func (b *Bus) Close() error {
	b.devMu.Lock()
	defer b.devMu.Unlock()
	if b.dev == nil {
		return nil
	}
	err := b.dev.Close()
	b.dev = nil
	return errors.Wrap(err, "close SPI device")
}

// Handle is an exclusive window onto the bus.
type Handle struct {
	bus    *Bus
	closed bool
}

// Xfer performs a single full-duplex transfer, chip-select assert to
// deassert. The returned slice has the same length as tx.
func (h *Handle) Xfer(ctx context.Context, tx []byte) ([]byte, error) {
	if h.closed {
		return nil, errors.New("handle is closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.bus.devMu.Lock()
	defer h.bus.devMu.Unlock()
	if h.bus.dev == nil {
		return nil, errors.New("bus is closed")
	}
	rx := make([]byte, len(tx))
	if err := h.bus.dev.Transfer(tx, rx); err != nil {
		return nil, errors.Wrapf(err, "SPI transfer on %s", h.bus.path)
	}
	return rx, nil
}

// Close releases the bus lock. Closing twice is a no-op.
func (h *Handle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	h.bus.mu.Unlock()
	return nil
}
