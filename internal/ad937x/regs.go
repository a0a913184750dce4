package ad937x

// Register addresses and field values used by the controller. This is the
// working subset the manager needs, not the vendor register map: addresses
// are stable across the AD9371/AD9375 parts we drive.
const (
	regSPIConfigA  = 0x0000
	regProductID   = 0x0003
	regScratchPad  = 0x0009
	regSoftReset   = 0x0002
	regClockEnable = 0x0080

	regInitCalCtl    = 0x0150
	regInitCalStatus = 0x0151

	// LO frequency words, little-endian, 4 bytes per direction.
	regRxLOFreq0 = 0x0200
	regTxLOFreq0 = 0x0210

	regRxGainIndex1 = 0x0300
	regRxGainIndex2 = 0x0301
	regTxAtten1     = 0x0310
	regTxAtten2     = 0x0311

	regGainPinCtl = 0x0320

	regTempCode = 0x0400
)

const (
	productIDMykonos = 0x08

	softResetWord   = 0x81
	clockEnableWord = 0x01

	// regInitCalCtl / regInitCalStatus fields
	initCalRun  = 0x01
	initCalDone = 0x01
	initCalErr  = 0x80
)

// LO tuning range shared by RX and TX synthesizers.
const (
	minLOFreqHz = 300e6
	maxLOFreqHz = 6e9
)

// Gain limits. RX gain is an index with 0.5 dB steps; TX "gain" is
// attenuation counted down from maximum, presented as gain like the rest of
// the control surface.
const (
	rxGainMinDB  = 0.0
	rxGainMaxDB  = 30.0
	rxGainStepDB = 0.5

	txGainMinDB  = 0.0
	txGainMaxDB  = 41.75
	txGainStepDB = 0.25
)
