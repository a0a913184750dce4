package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"

	"github.com/rjboer/mpmd/internal/ad937x"
	"github.com/rjboer/mpmd/internal/config"
	"github.com/rjboer/mpmd/internal/dboard"
	"github.com/rjboer/mpmd/internal/discovery"
	"github.com/rjboer/mpmd/internal/mpmclient"
	"github.com/rjboer/mpmd/internal/periphmgr"
	"github.com/rjboer/mpmd/internal/rpcserver"
	"github.com/rjboer/mpmd/internal/spibus"
	"github.com/rjboer/mpmd/internal/telemetry"
)

var cli struct {
	Verbose bool   `help:"Prints debug output"`
	Config  string `help:"Path to the HCL config file" type:"path"`

	Serve struct {
	} `cmd:"" help:"Run the peripheral manager daemon"`
	Probe struct {
	} `cmd:"" help:"Identify the RF chips on the configured SPI buses"`
	Discover struct {
		Timeout int `default:"3" help:"Browse duration in seconds"`
	} `cmd:"" help:"List mpmd devices on the local network"`
}

func main() {
	flags := kong.Parse(&cli)
	if cli.Verbose {
		log.SetLevel(log.DebugLevel)
	}

	path := cli.Config
	if path == "" {
		path = config.FindPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal("config", "err", err)
	}

	switch flags.Command() {
	case "serve":
		runServe(cfg)
	case "probe":
		runProbe(cfg)
	case "discover":
		runDiscover(cli.Discover.Timeout)
	}
}

func managerConfig(cfg *config.Config) periphmgr.Config {
	var opts []dboard.Option
	if cfg.RPC.SPISpeedHz > 0 {
		spiCfg := spibus.DefaultConfig()
		spiCfg.SpeedHz = uint32(cfg.RPC.SPISpeedHz)
		opts = append(opts, dboard.WithSPIConfig(spiCfg))
	}
	mgrCfg := periphmgr.Config{
		Product:       cfg.Device.Product,
		Serial:        cfg.Device.Serial,
		FPGAVersion:   cfg.Device.FPGAVersion,
		SpidevPaths:   cfg.Device.SpidevPaths,
		ComponentDir:  cfg.Device.ComponentDir,
		SysfsRoot:     cfg.Device.SysfsRoot,
		DBoardOptions: opts,
	}
	if cfg.SSH.Host != "" {
		mgrCfg.SSH = &periphmgr.SSHConfig{
			Host:      cfg.SSH.Host,
			User:      cfg.SSH.User,
			Password:  cfg.SSH.Password,
			KeyPath:   cfg.SSH.KeyPath,
			Port:      cfg.SSH.Port,
			SysfsRoot: cfg.SSH.SysfsRoot,
		}
	}
	return mgrCfg
}

func runServe(cfg *config.Config) {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "mpmd",
	})
	if cli.Verbose {
		logger.SetLevel(log.DebugLevel)
	}

	mgrCfg := managerConfig(cfg)
	mgr, err := periphmgr.New(mgrCfg, logger)
	if err != nil {
		logger.Fatal("peripheral manager", "err", err)
	}
	defer mgr.TearDown()

	hub := telemetry.NewHub(0)
	srv, err := rpcserver.New(rpcserver.Config{
		Addr:    cfg.RPC.Addr,
		Manager: mgr,
		ManagerGenerator: func() (*periphmgr.Manager, error) {
			return periphmgr.New(mgrCfg, logger)
		},
		Reporter:     telemetry.MultiReporter{hub, telemetry.NewLogReporter(logger)},
		Logger:       logger,
		ClaimTimeout: time.Duration(cfg.RPC.ClaimTimeoutMs) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.RPC.WriteTimeoutMs) * time.Millisecond,
	})
	if err != nil {
		logger.Fatal("rpc server", "err", err)
	}
	if err := srv.Listen(); err != nil {
		logger.Fatal("rpc listen", "err", err)
	}
	logger.Info("rpc server up", "addr", srv.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enable {
		web := telemetry.NewWebServer(cfg.Telemetry.Addr, hub, mgr.DeviceInfo, logger)
		go web.Start(ctx)
		logger.Info("status server up", "addr", cfg.Telemetry.Addr)
	}

	if cfg.Discovery.Enable {
		port := srv.Addr().(*net.TCPAddr).Port
		adv, err := discovery.Advertise(cfg.Discovery.Instance, port, mgr.DeviceInfo())
		if err != nil {
			logger.Warn("mdns advertise", "err", err)
		} else {
			defer adv.Shutdown()
			logger.Info("advertising", "instance", cfg.Discovery.Instance, "port", port)
		}
	}

	if err := srv.Serve(ctx); err != nil {
		logger.Fatal("rpc server", "err", err)
	}
	logger.Info("shutting down")
}

func runProbe(cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, path := range cfg.Device.SpidevPaths {
		spiCfg := spibus.DefaultConfig()
		if cfg.RPC.SPISpeedHz > 0 {
			spiCfg.SpeedHz = uint32(cfg.RPC.SPISpeedHz)
		}
		bus, err := spibus.Open(path, spiCfg)
		if err != nil {
			log.Error("open bus", "path", path, "err", err)
			continue
		}
		chip, err := ad937x.New(bus.Mutex(), bus, ad937x.DefaultGainPinConfig())
		if err != nil {
			log.Error("chip setup", "path", path, "err", err)
			bus.Close()
			continue
		}
		if err := chip.Identify(ctx); err != nil {
			log.Error("identify", "path", path, "err", err)
		} else {
			fmt.Printf("%s: AD937x present\n", path)
		}
		bus.Close()
	}
}

func runDiscover(timeoutSeconds int) {
	hosts, err := discovery.Discover(timeoutSeconds)
	if err != nil {
		log.Fatal("discover", "err", err)
	}
	if len(hosts) == 0 {
		fmt.Println("no devices found")
		return
	}
	for _, h := range hosts {
		info := discovery.ParseTXT(h.TXT)
		fmt.Printf("%s  %s:%d  product=%s serial=%s\n",
			h.Instance, pickAddr(h), h.Port, info["product"], info["serial"])

		addr := net.JoinHostPort(pickAddr(h), fmt.Sprint(h.Port))
		probeDevice(addr)
	}
}

// pickAddr prefers an IPv4 address when one was advertised.
func pickAddr(h discovery.Host) string {
	for _, ip := range h.Addresses {
		if ip.To4() != nil {
			return ip.String()
		}
	}
	if len(h.Addresses) > 0 {
		return h.Addresses[0].String()
	}
	return strings.TrimSuffix(h.Hostname, ".")
}

// probeDevice asks a discovered host for its device info over RPC.
func probeDevice(addr string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c, err := mpmclient.Dial(ctx, addr, mpmclient.WithDialTimeout(2*time.Second))
	if err != nil {
		log.Debug("rpc probe failed", "addr", addr, "err", err)
		return
	}
	defer c.Close()

	info, err := c.DeviceInfo(ctx)
	if err != nil {
		log.Debug("device info", "addr", addr, "err", err)
		return
	}
	fmt.Printf("  mpm_version=%s fpga_version=%s claimed=%s\n",
		info["mpm_version"], info["fpga_version"], info["claimed"])
}
