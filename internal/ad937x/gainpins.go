package ad937x

import "github.com/pkg/errors"

// GainPin describes one channel's manual gain control pin pair. When enabled,
// pulses on IncPin and DecPin step the channel gain by StepDB without a SPI
// transaction.
type GainPin struct {
	Enabled bool
	IncPin  uint8
	DecPin  uint8
	StepDB  float64
}

// GainPinConfig carries the gain pin setup for all four channels. The zero
// value disables gain pins everywhere, which is the state a freshly
// constructed controller starts in.
type GainPinConfig struct {
	RX1 GainPin
	RX2 GainPin
	TX1 GainPin
	TX2 GainPin
}

// DefaultGainPinConfig returns the all-disabled configuration.
func DefaultGainPinConfig() GainPinConfig {
	return GainPinConfig{}
}

func (c GainPinConfig) validate() error {
	for _, p := range []struct {
		name string
		pin  GainPin
	}{
		{"RX1", c.RX1},
		{"RX2", c.RX2},
		{"TX1", c.TX1},
		{"TX2", c.TX2},
	} {
		if !p.pin.Enabled {
			continue
		}
		if p.pin.IncPin == p.pin.DecPin {
			return errors.Errorf("%s: inc and dec pins must differ", p.name)
		}
		if p.pin.IncPin > 18 || p.pin.DecPin > 18 {
			return errors.Errorf("%s: GPIO pins above 18 do not exist on this part", p.name)
		}
		if p.pin.StepDB <= 0 {
			return errors.Errorf("%s: gain step must be positive", p.name)
		}
	}
	return nil
}

// enableWord packs the per-channel enable bits for regGainPinCtl.
func (c GainPinConfig) enableWord() byte {
	var w byte
	if c.RX1.Enabled {
		w |= 1 << 0
	}
	if c.RX2.Enabled {
		w |= 1 << 1
	}
	if c.TX1.Enabled {
		w |= 1 << 2
	}
	if c.TX2.Enabled {
		w |= 1 << 3
	}
	return w
}
