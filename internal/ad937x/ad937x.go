// Package ad937x drives an AD937x (Mykonos) RF transceiver over a shared SPI
// bus. The controller owns its transport exclusively and serializes every
// chip operation through the bus lock it shares with the other controllers
// on the board.
package ad937x

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/rjboer/mpmd/internal/spibus"
)

// Direction selects one of the two synthesizers.
type Direction int

const (
	RX Direction = iota
	TX
)

func (d Direction) String() string {
	if d == TX {
		return "TX"
	}
	return "RX"
}

// Channel identifies one signal chain.
type Channel string

const (
	ChanRX1 Channel = "RX1"
	ChanRX2 Channel = "RX2"
	ChanTX1 Channel = "TX1"
	ChanTX2 Channel = "TX2"
)

var gainIndexRegs = map[Channel]uint16{
	ChanRX1: regRxGainIndex1,
	ChanRX2: regRxGainIndex2,
	ChanTX1: regTxAtten1,
	ChanTX2: regTxAtten2,
}

// Ctrl is the chip controller. It holds the SPI transport exclusively and a
// non-owning reference to the mutex guarding the physical bus; the mutex is
// taken for the full duration of each chip operation via the bus handle.
type Ctrl struct {
	mu    sync.Mutex // guards the soft state below
	spiMu *sync.Mutex
	bus   *spibus.Bus
	pins  GainPinConfig

	inited bool
	freq   map[Direction]float64
	gain   map[Channel]float64

	calPollInterval time.Duration
	calPollTimeout  time.Duration
}

// New wires a controller to its transport. spiMu must be the same mutex the
// bus serializes on; no SPI traffic happens until Identify or Init.
func New(spiMu *sync.Mutex, bus *spibus.Bus, pins GainPinConfig) (*Ctrl, error) {
	if bus == nil {
		return nil, errors.New("nil SPI bus")
	}
	if spiMu == nil || spiMu != bus.Mutex() {
		return nil, errors.New("SPI mutex is not the bus mutex")
	}
	if err := pins.validate(); err != nil {
		return nil, errors.Wrap(err, "gain pin config")
	}
	return &Ctrl{
		spiMu: spiMu,
		bus:   bus,
		pins:  pins,
		freq: map[Direction]float64{
			RX: 0,
			TX: 0,
		},
		gain: map[Channel]float64{
			ChanRX1: 0, ChanRX2: 0, ChanTX1: 0, ChanTX2: 0,
		},
		calPollInterval: 10 * time.Millisecond,
		calPollTimeout:  5 * time.Second,
	}, nil
}

// SPIMutex returns the bus mutex this controller serializes on.
func (c *Ctrl) SPIMutex() *sync.Mutex { return c.spiMu }

// writeReg frames a register write: W bit, 15-bit address, 8-bit data.
func writeReg(ctx context.Context, h *spibus.Handle, addr uint16, val byte) error {
	tx := []byte{
		0x80 | byte(addr>>8)&0x7F,
		byte(addr),
		val,
	}
	_, err := h.Xfer(ctx, tx)
	return err
}

// readReg frames a register read; the data byte clocks back during the third
// word.
func readReg(ctx context.Context, h *spibus.Handle, addr uint16) (byte, error) {
	tx := []byte{
		byte(addr>>8) & 0x7F,
		byte(addr),
		0x00,
	}
	rx, err := h.Xfer(ctx, tx)
	if err != nil {
		return 0, err
	}
	return rx[2], nil
}

// Identify probes the product ID register and fails if another part (or
// nothing) answers on the bus.
func (c *Ctrl) Identify(ctx context.Context) error {
	h, err := c.bus.OpenHandle()
	if err != nil {
		return err
	}
	defer h.Close()

	id, err := readReg(ctx, h, regProductID)
	if err != nil {
		return errors.Wrap(err, "read product ID")
	}
	if id != productIDMykonos {
		return errors.Errorf("unexpected product ID 0x%02x (want 0x%02x)", id, productIDMykonos)
	}
	return nil
}

// Init resets the chip, verifies its identity, brings up the clocks, runs the
// initial calibrations, and applies the gain pin configuration. Must be
// called before tuning or gain changes take effect on hardware.
func (c *Ctrl) Init(ctx context.Context) error {
	h, err := c.bus.OpenHandle()
	if err != nil {
		return err
	}
	defer h.Close()

	if err := writeReg(ctx, h, regSoftReset, softResetWord); err != nil {
		return errors.Wrap(err, "soft reset")
	}
	id, err := readReg(ctx, h, regProductID)
	if err != nil {
		return errors.Wrap(err, "read product ID")
	}
	if id != productIDMykonos {
		return errors.Errorf("unexpected product ID 0x%02x after reset", id)
	}
	if err := writeReg(ctx, h, regClockEnable, clockEnableWord); err != nil {
		return errors.Wrap(err, "enable clocks")
	}
	if err := c.runInitCals(ctx, h); err != nil {
		return err
	}
	if err := c.applyGainPins(ctx, h, c.pins); err != nil {
		return err
	}

	c.mu.Lock()
	c.inited = true
	c.mu.Unlock()
	return nil
}

// runInitCals kicks the on-chip calibration engine and polls until done. The
// ARM signals completion or error in the status register.
func (c *Ctrl) runInitCals(ctx context.Context, h *spibus.Handle) error {
	if err := writeReg(ctx, h, regInitCalCtl, initCalRun); err != nil {
		return errors.Wrap(err, "start init cals")
	}

	deadline := time.Now().Add(c.calPollTimeout)
	for {
		status, err := readReg(ctx, h, regInitCalStatus)
		if err != nil {
			return errors.Wrap(err, "poll init cal status")
		}
		if status&initCalErr != 0 {
			return errors.Errorf("init cals failed, status 0x%02x", status)
		}
		if status&initCalDone != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Errorf("init cals timed out after %s", c.calPollTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.calPollInterval):
		}
	}
}

// Inited reports whether Init has completed successfully.
func (c *Ctrl) Inited() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inited
}

// Tune programs the LO for the given direction and returns the actual
// frequency after synthesizer quantization.
func (c *Ctrl) Tune(ctx context.Context, dir Direction, freqHz float64) (float64, error) {
	if freqHz < minLOFreqHz || freqHz > maxLOFreqHz {
		return 0, errors.Errorf("%s LO frequency %.0f Hz out of range [%.0f, %.0f]",
			dir, freqHz, minLOFreqHz, maxLOFreqHz)
	}

	// The synthesizer step is 1 Hz from the manager's point of view; the
	// fractional-N detail lives in the ARM firmware. Round to the nearest
	// integer Hz and write the 32-bit word.
	word := uint32(math.Round(freqHz / loStepHz))
	base := uint16(regRxLOFreq0)
	if dir == TX {
		base = regTxLOFreq0
	}

	h, err := c.bus.OpenHandle()
	if err != nil {
		return 0, err
	}
	defer h.Close()

	for i := 0; i < 4; i++ {
		if err := writeReg(ctx, h, base+uint16(i), byte(word>>(8*i))); err != nil {
			return 0, errors.Wrapf(err, "write %s LO word", dir)
		}
	}

	coerced := float64(word) * loStepHz
	c.mu.Lock()
	c.freq[dir] = coerced
	c.mu.Unlock()
	return coerced, nil
}

// loStepHz is the LO word resolution exposed to callers.
const loStepHz = 1.0

// Freq returns the last frequency programmed for the direction.
func (c *Ctrl) Freq(dir Direction) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.freq[dir]
}

// GainRange returns min, max, and step for the channel.
func GainRange(ch Channel) (minDB, maxDB, stepDB float64) {
	switch ch {
	case ChanTX1, ChanTX2:
		return txGainMinDB, txGainMaxDB, txGainStepDB
	default:
		return rxGainMinDB, rxGainMaxDB, rxGainStepDB
	}
}

// SetGain programs the channel gain, clamping to the channel's range and
// quantizing to its step. Returns the coerced value.
func (c *Ctrl) SetGain(ctx context.Context, ch Channel, gainDB float64) (float64, error) {
	reg, ok := gainIndexRegs[ch]
	if !ok {
		return 0, errors.Errorf("unknown channel %q", ch)
	}
	minDB, maxDB, stepDB := GainRange(ch)
	coerced := math.Min(math.Max(gainDB, minDB), maxDB)
	steps := math.Round((coerced - minDB) / stepDB)
	coerced = minDB + steps*stepDB

	// TX gain is written as attenuation, counted down from max.
	word := byte(steps)
	if ch == ChanTX1 || ch == ChanTX2 {
		word = byte(math.Round((maxDB - coerced) / stepDB))
	}

	h, err := c.bus.OpenHandle()
	if err != nil {
		return 0, err
	}
	defer h.Close()

	if err := writeReg(ctx, h, reg, word); err != nil {
		return 0, errors.Wrapf(err, "write %s gain", ch)
	}

	c.mu.Lock()
	c.gain[ch] = coerced
	c.mu.Unlock()
	return coerced, nil
}

// Gain returns the last gain programmed for the channel.
func (c *Ctrl) Gain(ch Channel) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gain[ch]
}

// SetGainPins reprograms the manual gain control pins.
func (c *Ctrl) SetGainPins(ctx context.Context, cfg GainPinConfig) error {
	if err := cfg.validate(); err != nil {
		return errors.Wrap(err, "gain pin config")
	}
	h, err := c.bus.OpenHandle()
	if err != nil {
		return err
	}
	defer h.Close()
	if err := c.applyGainPins(ctx, h, cfg); err != nil {
		return err
	}
	c.mu.Lock()
	c.pins = cfg
	c.mu.Unlock()
	return nil
}

func (c *Ctrl) applyGainPins(ctx context.Context, h *spibus.Handle, cfg GainPinConfig) error {
	if err := writeReg(ctx, h, regGainPinCtl, cfg.enableWord()); err != nil {
		return errors.Wrap(err, "write gain pin control")
	}
	return nil
}

// GainPins returns the active gain pin configuration.
func (c *Ctrl) GainPins() GainPinConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pins
}

// Temperature reads the die temperature sensor. The code is offset-binary
// with 1 degC resolution centered at -128.
func (c *Ctrl) Temperature(ctx context.Context) (float64, error) {
	h, err := c.bus.OpenHandle()
	if err != nil {
		return 0, err
	}
	defer h.Close()

	code, err := readReg(ctx, h, regTempCode)
	if err != nil {
		return 0, errors.Wrap(err, "read temperature")
	}
	return float64(code) - 128, nil
}

// PeekReg reads an arbitrary register. Debug surface, exposed over RPC.
func (c *Ctrl) PeekReg(ctx context.Context, addr uint16) (byte, error) {
	h, err := c.bus.OpenHandle()
	if err != nil {
		return 0, err
	}
	defer h.Close()
	return readReg(ctx, h, addr)
}

// PokeReg writes an arbitrary register. Debug surface, exposed over RPC.
func (c *Ctrl) PokeReg(ctx context.Context, addr uint16, val byte) error {
	h, err := c.bus.OpenHandle()
	if err != nil {
		return err
	}
	defer h.Close()
	return writeReg(ctx, h, addr, val)
}

// Close releases the SPI transport.
func (c *Ctrl) Close() error {
	return c.bus.Close()
}
