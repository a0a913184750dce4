//go:build !linux

package spibus

import "github.com/pkg/errors"

func openSpidev(path string, cfg Config) (Device, error) {
	return nil, errors.New("spidev is only available on linux")
}
