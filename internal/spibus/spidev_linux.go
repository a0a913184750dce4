//go:build linux

package spibus

import (
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ioctl numbers from linux/spi/spidev.h.
const (
	spiIOCWrMode        = 0x40016B01
	spiIOCWrBitsPerWord = 0x40016B03
	spiIOCWrMaxSpeedHz  = 0x40046B04

	spiIOCMessage0    = 0x40006B00
	spiIOCIncrementor = 0x200000
)

func spiIOCMessageN(n uintptr) uintptr {
	return spiIOCMessage0 + n*spiIOCIncrementor
}

// spiIOCTransfer mirrors struct spi_ioc_transfer.
type spiIOCTransfer struct {
	txBuf uint64
	rxBuf uint64

	length      uint32
	speedHz     uint32
	delayUsecs  uint16
	bitsPerWord uint8
	csChange    uint8
	pad         uint32
}

type spidev struct {
	file *os.File
	cfg  Config
}

func openSpidev(path string, cfg Config) (Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	d := &spidev{file: f, cfg: cfg}

	mode := cfg.Mode
	bits := cfg.Bits
	speed := cfg.SpeedHz
	if err := d.ioctl(spiIOCWrMode, unsafe.Pointer(&mode)); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "set SPI mode")
	}
	if err := d.ioctl(spiIOCWrBitsPerWord, unsafe.Pointer(&bits)); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "set SPI bits per word")
	}
	if err := d.ioctl(spiIOCWrMaxSpeedHz, unsafe.Pointer(&speed)); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "set SPI max speed")
	}
	return d, nil
}

func (d *spidev) ioctl(op uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		d.file.Fd(),
		op,
		uintptr(arg),
	)
	if errno != 0 {
		return errno
	}
	return nil
}

func (d *spidev) Transfer(tx, rx []byte) error {
	if len(tx) != len(rx) {
		return errors.Errorf("transfer length mismatch: tx %d, rx %d", len(tx), len(rx))
	}
	if len(tx) == 0 {
		return nil
	}
	tr := spiIOCTransfer{
		txBuf:       uint64(uintptr(unsafe.Pointer(&tx[0]))),
		rxBuf:       uint64(uintptr(unsafe.Pointer(&rx[0]))),
		length:      uint32(len(tx)),
		speedHz:     d.cfg.SpeedHz,
		bitsPerWord: d.cfg.Bits,
	}
	return d.ioctl(spiIOCMessageN(1), unsafe.Pointer(&tr))
}

func (d *spidev) Close() error {
	return d.file.Close()
}
