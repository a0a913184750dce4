// Package periphmgr implements the motherboard-level peripheral manager: it
// owns the daughterboards, the device identity, and the update/teardown
// lifecycle the RPC server drives.
package periphmgr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/rjboer/mpmd/internal/dboard"
)

// Version reported in device info.
const Version = "4.1.0"

// Config describes the board this manager runs on.
type Config struct {
	Product      string
	Serial       string
	FPGAVersion  string
	SpidevPaths  []string // one Mykonos spidev node per daughterboard slot
	ComponentDir string   // staging directory for component updates
	SysfsRoot    string
	SSH          *SSHConfig // optional: sysfs access over SSH for off-target runs

	// DBoardOptions is passed through to every daughterboard constructor.
	// Tests use it to substitute the SPI bus opener.
	DBoardOptions []dboard.Option
}

// ComponentMetadata describes one updateable component file.
type ComponentMetadata struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
}

// UpdateableComponent declares how the manager handles an update for a
// component ID.
type UpdateableComponent struct {
	// Reset indicates the manager must be torn down and rebuilt after the
	// component is written (FPGA images, device trees).
	Reset bool
}

// Manager is the peripheral manager. All exported methods are safe for
// concurrent use; the RPC server calls them from per-connection goroutines.
type Manager struct {
	mu sync.Mutex

	cfg      Config
	dboards  []*dboard.Manager
	inited   bool
	claimed  bool
	conmType string
	sysfs    SysfsAccessor
	log      *log.Logger

	updateable map[string]UpdateableComponent
}

// New constructs the manager and brings up one daughterboard per configured
// spidev path. Construction is wiring only; chip initialization waits for
// Init.
func New(cfg Config, logger *log.Logger) (*Manager, error) {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Product == "" {
		cfg.Product = "n310"
	}
	if cfg.ComponentDir == "" {
		cfg.ComponentDir = "/tmp/mpmd-components"
	}

	var sysfs SysfsAccessor
	var err error
	if cfg.SSH != nil {
		sysfs, err = NewSSHSysfs(*cfg.SSH)
		if err != nil {
			return nil, errors.Wrap(err, "configure SSH sysfs access")
		}
	} else {
		sysfs = NewLocalSysfs(cfg.SysfsRoot)
	}

	m := &Manager{
		cfg:   cfg,
		sysfs: sysfs,
		log:   logger,
		updateable: map[string]UpdateableComponent{
			"fpga": {Reset: true},
			"dts":  {Reset: true},
		},
	}

	for slot, path := range cfg.SpidevPaths {
		db, err := dboard.New(path, cfg.DBoardOptions...)
		if err != nil {
			return nil, multierr.Append(
				errors.Wrapf(err, "construct daughterboard in slot %d", slot),
				m.TearDown(),
			)
		}
		m.dboards = append(m.dboards, db)
		logger.Info("daughterboard ready", "slot", slot, "spidev", path)
	}

	return m, nil
}

// DBoards returns the daughterboards in slot order.
func (m *Manager) DBoards() []*dboard.Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*dboard.Manager, len(m.dboards))
	copy(out, m.dboards)
	return out
}

// Init runs the full device initialization: every Mykonos is identified,
// reset, and calibrated. args carries session parameters from the claimer;
// unknown keys are ignored.
func (m *Manager) Init(ctx context.Context, args map[string]string) (bool, error) {
	m.mu.Lock()
	dbs := make([]*dboard.Manager, len(m.dboards))
	copy(dbs, m.dboards)
	m.mu.Unlock()

	for slot, db := range dbs {
		if err := db.Mykonos().Init(ctx); err != nil {
			return false, errors.Wrapf(err, "init daughterboard %d", slot)
		}
		m.log.Info("daughterboard initialized", "slot", slot)
	}

	m.mu.Lock()
	m.inited = true
	m.mu.Unlock()
	return true, nil
}

// Deinit ends the session without releasing hardware; the next claimer
// re-runs Init.
func (m *Manager) Deinit() {
	m.mu.Lock()
	m.inited = false
	m.mu.Unlock()
}

// Inited reports whether a session has initialized the device.
func (m *Manager) Inited() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inited
}

// SetClaimed records the claim status for device info.
func (m *Manager) SetClaimed(claimed bool) {
	m.mu.Lock()
	m.claimed = claimed
	m.mu.Unlock()
}

// SetConnectionType records whether the claimer is local or remote. Empty
// string clears it.
func (m *Manager) SetConnectionType(t string) {
	m.mu.Lock()
	m.conmType = t
	m.mu.Unlock()
}

// DeviceInfo returns the identity map served to unclaimed clients.
func (m *Manager) DeviceInfo() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := map[string]string{
		"product":      m.cfg.Product,
		"serial":       m.cfg.Serial,
		"fpga_version": m.cfg.FPGAVersion,
		"mpm_version":  Version,
		"claimed":      fmt.Sprintf("%t", m.claimed),
	}
	if m.conmType != "" {
		info["connection"] = m.conmType
	}
	return info
}

// UpdateComponent stages the given component files. Returns true if any
// written component requires a manager reset.
func (m *Manager) UpdateComponent(metadata []ComponentMetadata, data [][]byte) (bool, error) {
	if len(metadata) != len(data) {
		return false, errors.Errorf("metadata/data length mismatch: %d vs %d", len(metadata), len(data))
	}
	if err := os.MkdirAll(m.cfg.ComponentDir, 0o755); err != nil {
		return false, errors.Wrap(err, "create component staging dir")
	}

	resetNow := false
	for i, meta := range metadata {
		comp, ok := m.updateable[meta.ID]
		if !ok {
			m.log.Debug("component not updateable, skipping", "id", meta.ID)
			continue
		}
		name := filepath.Base(meta.Filename)
		if name == "." || name == string(filepath.Separator) {
			return false, errors.Errorf("component %s: invalid filename %q", meta.ID, meta.Filename)
		}
		dst := filepath.Join(m.cfg.ComponentDir, name)
		if err := os.WriteFile(dst, data[i], 0o644); err != nil {
			return false, errors.Wrapf(err, "write component %s", meta.ID)
		}
		m.log.Info("component staged", "id", meta.ID, "path", dst, "bytes", len(data[i]))
		if comp.Reset {
			resetNow = true
		}
	}
	return resetNow, nil
}

// UpdateableComponents lists component IDs accepted by UpdateComponent.
func (m *Manager) UpdateableComponents() map[string]UpdateableComponent {
	out := make(map[string]UpdateableComponent, len(m.updateable))
	for k, v := range m.updateable {
		out[k] = v
	}
	return out
}

// MboardTemperature reads the motherboard thermal zone through sysfs.
// Returned in millidegrees C, as the kernel reports it.
func (m *Manager) MboardTemperature(ctx context.Context) (string, error) {
	return m.sysfs.ReadAttribute(ctx, "class/thermal/thermal_zone0/temp")
}

// TearDown releases every daughterboard. The manager is unusable afterwards.
func (m *Manager) TearDown() error {
	m.mu.Lock()
	dbs := m.dboards
	m.dboards = nil
	m.inited = false
	m.mu.Unlock()

	var err error
	for _, db := range dbs {
		err = multierr.Append(err, db.Close())
	}
	return err
}
