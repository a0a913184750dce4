// Package config loads mpmd settings from an HCL file with an environment
// variable fallback.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/hcl"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type DeviceConf struct {
	Product      string   `koanf:"product"`
	Serial       string   `koanf:"serial"`
	FPGAVersion  string   `koanf:"fpga_version"`
	SpidevPaths  []string `koanf:"spidev_paths"`
	ComponentDir string   `koanf:"component_dir"`
	SysfsRoot    string   `koanf:"sysfs_root"`
}

// SSHConf points sysfs access at a remote board for off-target runs. An
// empty host means local sysfs.
type SSHConf struct {
	Host      string `koanf:"host"`
	User      string `koanf:"user"`
	Password  string `koanf:"password"`
	KeyPath   string `koanf:"key_path"`
	Port      int    `koanf:"port"`
	SysfsRoot string `koanf:"sysfs_root"`
}

type RPCConf struct {
	Addr           string  `koanf:"addr"`
	ClaimTimeoutMs int     `koanf:"claim_timeout_ms"`
	WriteTimeoutMs int     `koanf:"write_timeout_ms"`
	SPISpeedHz     float64 `koanf:"spi_speed_hz"`
}

type TelemetryConf struct {
	Enable bool   `koanf:"enable"`
	Addr   string `koanf:"addr"`
}

type DiscoveryConf struct {
	Enable   bool   `koanf:"enable"`
	Instance string `koanf:"instance"`
}

type Config struct {
	Device    DeviceConf
	SSH       SSHConf
	RPC       RPCConf
	Telemetry TelemetryConf
	Discovery DiscoveryConf
}

// DefaultPaths are searched in order when no explicit config path is given.
var DefaultPaths = []string{"/etc/mpmd/config.hcl", "./config.hcl"}

// FindPath returns the first existing config file from DefaultPaths, or ""
// when none exists.
func FindPath() string {
	for _, path := range DefaultPaths {
		if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
			return path
		}
	}
	return ""
}

// Load reads the config file at path. An empty path skips the file and uses
// environment variables (MPMD_ prefix) plus built-in defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), hcl.Parser(true)); err != nil {
			return nil, fmt.Errorf("could not read config file %s: %w", path, err)
		}
	}

	k.Load(env.Provider("", env.Opt{
		Prefix: "MPMD_",
		TransformFunc: func(key, v string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, "MPMD_"))
			key = strings.Replace(key, "_", ".", 1)
			return key, v
		},
	}), nil)

	cfg := &Config{
		Device: DeviceConf{
			Product:      k.String("device.product"),
			Serial:       k.String("device.serial"),
			FPGAVersion:  k.String("device.fpga_version"),
			SpidevPaths:  k.Strings("device.spidev_paths"),
			ComponentDir: k.String("device.component_dir"),
			SysfsRoot:    k.String("device.sysfs_root"),
		},
		SSH: SSHConf{
			Host:      k.String("ssh.host"),
			User:      k.String("ssh.user"),
			Password:  k.String("ssh.password"),
			KeyPath:   k.String("ssh.key_path"),
			Port:      k.Int("ssh.port"),
			SysfsRoot: k.String("ssh.sysfs_root"),
		},
		RPC: RPCConf{
			Addr:           k.String("rpc.addr"),
			ClaimTimeoutMs: k.Int("rpc.claim_timeout_ms"),
			WriteTimeoutMs: k.Int("rpc.write_timeout_ms"),
			SPISpeedHz:     k.Float64("rpc.spi_speed_hz"),
		},
		Telemetry: TelemetryConf{
			Enable: k.Bool("telemetry.enable"),
			Addr:   k.String("telemetry.addr"),
		},
		Discovery: DiscoveryConf{
			Enable:   k.Bool("discovery.enable"),
			Instance: k.String("discovery.instance"),
		},
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Device.Product == "" {
		cfg.Device.Product = "n310"
	}
	if len(cfg.Device.SpidevPaths) == 0 {
		cfg.Device.SpidevPaths = []string{"/dev/spidev0.1"}
	}
	if cfg.Device.ComponentDir == "" {
		cfg.Device.ComponentDir = "/var/lib/mpmd/components"
	}
	if cfg.RPC.Addr == "" {
		cfg.RPC.Addr = ":49601"
	}
	if cfg.Telemetry.Addr == "" {
		cfg.Telemetry.Addr = ":49602"
	}
	if cfg.Discovery.Instance == "" {
		cfg.Discovery.Instance = "mpmd on " + cfg.Device.Product
	}
}
