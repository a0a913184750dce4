package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleHCL = `
device {
  product = "n310"
  serial = "31FFA42"
  fpga_version = "7.2"
  spidev_paths = ["/dev/spidev0.1", "/dev/spidev0.2"]
  component_dir = "/tmp/components"
}

ssh {
  host = "ni-n310-31FFA42.local"
  user = "root"
  password = "mpm"
  port = 22
}

rpc {
  addr = ":49601"
  claim_timeout_ms = 3000
}

telemetry {
  enable = true
  addr = ":8080"
}

discovery {
  enable = true
}
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.hcl")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleHCL))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Device.Serial != "31FFA42" {
		t.Errorf("serial = %q", cfg.Device.Serial)
	}
	if len(cfg.Device.SpidevPaths) != 2 || cfg.Device.SpidevPaths[1] != "/dev/spidev0.2" {
		t.Errorf("spidev_paths = %v", cfg.Device.SpidevPaths)
	}
	if cfg.RPC.ClaimTimeoutMs != 3000 {
		t.Errorf("claim_timeout_ms = %d", cfg.RPC.ClaimTimeoutMs)
	}
	if cfg.SSH.Host != "ni-n310-31FFA42.local" || cfg.SSH.Password != "mpm" {
		t.Errorf("ssh = %+v", cfg.SSH)
	}
	if !cfg.Telemetry.Enable || cfg.Telemetry.Addr != ":8080" {
		t.Errorf("telemetry = %+v", cfg.Telemetry)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load("/nonexistent/config.hcl"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Device.Product != "n310" {
		t.Errorf("product = %q", cfg.Device.Product)
	}
	if cfg.RPC.Addr != ":49601" {
		t.Errorf("rpc addr = %q", cfg.RPC.Addr)
	}
	if cfg.Discovery.Instance != "mpmd on n310" {
		t.Errorf("instance = %q", cfg.Discovery.Instance)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("MPMD_DEVICE_SERIAL", "FACE0FF")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Device.Serial != "FACE0FF" {
		t.Errorf("serial = %q, want env override", cfg.Device.Serial)
	}
}
