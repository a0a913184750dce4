// Package rpcserver exposes the peripheral manager over a TCP line protocol
// with claim-based access control: mutating methods require a token issued
// by claim, and an expiry timer releases the device when the claimer stops
// reclaiming.
package rpcserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/rjboer/mpmd/internal/ad937x"
	"github.com/rjboer/mpmd/internal/periphmgr"
	"github.com/rjboer/mpmd/internal/telemetry"
)

// Config carries server construction parameters. Manager is required.
type Config struct {
	Addr    string
	Manager *periphmgr.Manager

	// ManagerGenerator rebuilds the manager after a component update that
	// requires a reset. Without one, such updates fail.
	ManagerGenerator func() (*periphmgr.Manager, error)

	Reporter     telemetry.Reporter
	Logger       *log.Logger
	ClaimTimeout time.Duration
	WriteTimeout time.Duration
}

type connInfo struct {
	remoteHost string
}

func (ci connInfo) connectionType() string {
	if ci.remoteHost == "127.0.0.1" || ci.remoteHost == "::1" {
		return "local"
	}
	return "remote"
}

type handler func(ctx context.Context, ci connInfo, req Request) (any, error)

type method struct {
	h       handler
	claimed bool
	doc     string
}

// Server is the RPC endpoint. One goroutine per connection; all state is
// internally synchronized.
type Server struct {
	addr         string
	log          *log.Logger
	reporter     telemetry.Reporter
	writeTimeout time.Duration

	mgrMu  sync.Mutex
	mgr    *periphmgr.Manager
	mgrGen func() (*periphmgr.Manager, error)

	claim claimState

	lastErrMu sync.Mutex
	lastErr   string

	methodsMu sync.RWMutex
	methods   map[string]method

	lis net.Listener
	wg  sync.WaitGroup
}

// New wires a server to a manager. Listen and Serve start it.
func New(cfg Config) (*Server, error) {
	if cfg.Manager == nil {
		return nil, fmt.Errorf("rpcserver needs a peripheral manager")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Reporter == nil {
		cfg.Reporter = telemetry.NewLogReporter(cfg.Logger)
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	s := &Server{
		addr:         cfg.Addr,
		log:          cfg.Logger,
		reporter:     cfg.Reporter,
		writeTimeout: cfg.WriteTimeout,
		mgr:          cfg.Manager,
		mgrGen:       cfg.ManagerGenerator,
	}
	s.claim.timeout = cfg.ClaimTimeout
	s.registerMethods()
	return s, nil
}

func (s *Server) manager() *periphmgr.Manager {
	s.mgrMu.Lock()
	defer s.mgrMu.Unlock()
	return s.mgr
}

// Listen binds the TCP listener. Addr is resolvable afterwards, which tests
// rely on when listening on port 0.
func (s *Server) Listen() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.lis = lis
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

// Serve accepts connections until the context is canceled. Listen must have
// been called.
func (s *Server) Serve(ctx context.Context) error {
	if s.lis == nil {
		return fmt.Errorf("Serve called before Listen")
	}
	go func() {
		<-ctx.Done()
		s.lis.Close()
	}()

	for {
		conn, err := s.lis.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

// ListenAndServe combines Listen and Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}
	ci := connInfo{remoteHost: host}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		var resp Response
		if err := json.Unmarshal(line, &req); err != nil {
			resp = Response{Error: fmt.Sprintf("malformed request: %v", err)}
		} else {
			resp = s.dispatch(ctx, ci, req)
		}

		_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		if err := enc.Encode(resp); err != nil {
			s.log.Debug("write response failed", "host", host, "err", err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, ci connInfo, req Request) Response {
	s.methodsMu.RLock()
	m, ok := s.methods[req.Method]
	s.methodsMu.RUnlock()
	if !ok {
		return Response{ID: req.ID, Error: fmt.Sprintf("unknown method %q", req.Method)}
	}

	if m.claimed && !s.claim.tokenValid(req.Token) {
		s.log.Warn("thwarted attempt to access method with invalid token",
			"method", req.Method, "host", ci.remoteHost)
		s.setLastError(fmt.Sprintf("%s called without valid claim", req.Method))
		return Response{ID: req.ID, Error: "invalid token"}
	}

	result, err := m.h(ctx, ci, req)
	if err != nil {
		s.log.Error("uncaught error in method", "method", req.Method, "err", err)
		s.setLastError(err.Error())
		s.reporter.Report(telemetry.EventError,
			fmt.Sprintf("%s failed: %v", req.Method, err), s.claim.session())
		return Response{ID: req.ID, Error: err.Error()}
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return Response{ID: req.ID, Error: fmt.Sprintf("marshal result: %v", err)}
	}
	return Response{ID: req.ID, Result: payload}
}

func (s *Server) setLastError(msg string) {
	s.lastErrMu.Lock()
	s.lastErr = msg
	s.lastErrMu.Unlock()
}

func (s *Server) lastError() string {
	s.lastErrMu.Lock()
	defer s.lastErrMu.Unlock()
	return s.lastErr
}

func (s *Server) onClaimExpired() {
	s.log.Warn("claim expired, releasing device", "session", s.claim.session())
	s.unclaimInternal()
}

// unclaimInternal releases the claim unconditionally and deinitializes the
// device. Deinit failures end the session anyway.
func (s *Server) unclaimInternal() {
	session := s.claim.release()
	mgr := s.manager()
	if mgr != nil {
		mgr.SetClaimed(false)
		mgr.SetConnectionType("")
		mgr.Deinit()
	}
	s.reporter.Report(telemetry.EventUnclaim, "released claim", session)
	s.log.Debug("released claim", "session", session)
}

// resetManager tears the peripheral manager down and rebuilds it via the
// generator. Used after component updates flagged for reset. The db_<slot>_
// method surface is rebuilt to match the new manager's daughterboard count.
func (s *Server) resetManager() error {
	s.mgrMu.Lock()
	defer s.mgrMu.Unlock()
	if s.mgrGen == nil {
		return fmt.Errorf("cannot reset peripheral manager: no generator configured")
	}
	if s.mgr != nil {
		if err := s.mgr.TearDown(); err != nil {
			s.log.Warn("tear down before reset", "err", err)
		}
	}
	mgr, err := s.mgrGen()
	if err != nil {
		s.mgr = nil
		return fmt.Errorf("regenerate peripheral manager: %w", err)
	}
	s.mgr = mgr
	s.refreshDBoardMethods(len(mgr.DBoards()))
	return nil
}

func sortedMethodInfos(methods map[string]method) []MethodInfo {
	out := make([]MethodInfo, 0, len(methods))
	for name, m := range methods {
		out = append(out, MethodInfo{Name: name, Doc: m.doc, RequiresClaim: m.claimed})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Server) methodInfos() []MethodInfo {
	s.methodsMu.RLock()
	defer s.methodsMu.RUnlock()
	return sortedMethodInfos(s.methods)
}

func (s *Server) registerMethods() {
	s.methodsMu.Lock()
	defer s.methodsMu.Unlock()
	s.methods = map[string]method{}

	s.methods["ping"] = method{doc: "echo the argument back", h: func(_ context.Context, ci connInfo, req Request) (any, error) {
		var data any
		if err := decodeParams(req.Params, &data); err != nil {
			return nil, err
		}
		s.log.Debug("pinged", "host", ci.remoteHost)
		return data, nil
	}}

	s.methods["get_device_info"] = method{doc: "device identity map", h: func(_ context.Context, ci connInfo, _ Request) (any, error) {
		info := s.manager().DeviceInfo()
		info["connection"] = ci.connectionType()
		return info, nil
	}}

	s.methods["get_last_error"] = method{doc: "last RPC failure string", h: func(_ context.Context, _ connInfo, _ Request) (any, error) {
		return s.lastError(), nil
	}}

	s.methods["list_methods"] = method{doc: "available methods", h: func(_ context.Context, _ connInfo, _ Request) (any, error) {
		return s.methodInfos(), nil
	}}

	s.methods["claim"] = method{doc: "claim the device, returns a token", h: s.handleClaim}

	// reclaim stays callable without a valid claim so clients can probe
	// claim state: a lapsed claim answers false instead of an error.
	s.methods["reclaim"] = method{doc: "refresh the claim expiry, false when the claim is gone", h: func(_ context.Context, _ connInfo, req Request) (any, error) {
		return s.claim.refreshValid(req.Token, s.onClaimExpired), nil
	}}

	s.methods["unclaim"] = method{claimed: true, doc: "release the claim", h: func(_ context.Context, _ connInfo, _ Request) (any, error) {
		s.unclaimInternal()
		return true, nil
	}}

	s.methods["init"] = method{claimed: true, doc: "initialize the device", h: s.handleInit}

	s.methods["update_component"] = method{claimed: true, doc: "stage component files", h: s.handleUpdateComponent}

	s.methods["get_mboard_temperature"] = method{claimed: true, doc: "motherboard thermal zone reading", h: func(ctx context.Context, _ connInfo, _ Request) (any, error) {
		return s.manager().MboardTemperature(ctx)
	}}

	for slot := range s.mgr.DBoards() {
		s.registerDBoardMethodsLocked(slot)
	}
}

func (s *Server) handleClaim(_ context.Context, ci connInfo, req Request) (any, error) {
	var sessionID string
	if err := decodeParams(req.Params, &sessionID); err != nil {
		return nil, err
	}

	session := fmt.Sprintf("%s (%s)", sessionID, ci.remoteHost)
	token, ok := s.claim.tryClaim(session, s.onClaimExpired)
	if !ok {
		s.log.Warn("someone tried to claim this device again", "host", ci.remoteHost)
		s.setLastError("someone tried to claim this device again")
		return nil, fmt.Errorf("double-claim")
	}

	mgr := s.manager()
	mgr.SetClaimed(true)
	mgr.SetConnectionType(ci.connectionType())

	s.reporter.Report(telemetry.EventClaim, "claimed device", session)
	s.log.Debug("issued claim token", "session", session)
	return token, nil
}

func (s *Server) handleInit(ctx context.Context, _ connInfo, req Request) (any, error) {
	args := map[string]string{}
	if err := decodeParams(req.Params, &args); err != nil {
		return nil, err
	}

	// inits can take some time; keep the claim alive for the duration
	s.claim.suspend()
	defer s.claim.resume(s.onClaimExpired)

	result, err := s.manager().Init(ctx, args)
	if err != nil {
		return nil, err
	}
	s.reporter.Report(telemetry.EventInit, "device initialized", s.claim.session())
	return result, nil
}

func (s *Server) handleUpdateComponent(_ context.Context, _ connInfo, req Request) (any, error) {
	var metadata []periphmgr.ComponentMetadata
	var data [][]byte
	if err := decodeParams(req.Params, &metadata, &data); err != nil {
		return nil, err
	}

	s.claim.suspend()
	defer s.claim.resume(s.onClaimExpired)

	resetNow, err := s.manager().UpdateComponent(metadata, data)
	if err != nil {
		return nil, err
	}
	s.reporter.Report(telemetry.EventUpdate,
		fmt.Sprintf("staged %d component(s)", len(metadata)), s.claim.session())

	if resetNow {
		s.log.Debug("resetting peripheral manager after component update")
		if err := s.resetManager(); err != nil {
			return nil, err
		}
	}
	return true, nil
}

// refreshDBoardMethods replaces every db_<slot>_ method with the surface of
// the current daughterboard set.
func (s *Server) refreshDBoardMethods(slots int) {
	s.methodsMu.Lock()
	defer s.methodsMu.Unlock()
	for name := range s.methods {
		if strings.HasPrefix(name, "db_") {
			delete(s.methods, name)
		}
	}
	for slot := 0; slot < slots; slot++ {
		s.registerDBoardMethodsLocked(slot)
	}
}

// registerDBoardMethodsLocked exposes one daughterboard's control surface
// under a db_<slot>_ prefix. The manager is resolved per call so a reset
// manager's boards are picked up. Callers hold methodsMu.
func (s *Server) registerDBoardMethodsLocked(slot int) {
	db := func() (*dboardProxy, error) {
		boards := s.manager().DBoards()
		if slot >= len(boards) {
			return nil, fmt.Errorf("no daughterboard in slot %d", slot)
		}
		return &dboardProxy{mykonos: boards[slot].Mykonos()}, nil
	}
	prefix := fmt.Sprintf("db_%d_", slot)

	reg := func(name, doc string, h func(p *dboardProxy, ctx context.Context, params json.RawMessage) (any, error)) {
		s.methods[prefix+name] = method{claimed: true, doc: doc, h: func(ctx context.Context, _ connInfo, req Request) (any, error) {
			p, err := db()
			if err != nil {
				return nil, err
			}
			return h(p, ctx, req.Params)
		}}
	}

	reg("tune", "tune an LO, returns the coerced frequency", (*dboardProxy).tune)
	reg("get_freq", "last programmed LO frequency", (*dboardProxy).getFreq)
	reg("set_gain", "set channel gain, returns the coerced value", (*dboardProxy).setGain)
	reg("get_gain", "last programmed channel gain", (*dboardProxy).getGain)
	reg("set_gain_pins", "program manual gain control pins", (*dboardProxy).setGainPins)
	reg("get_temperature", "die temperature in degC", (*dboardProxy).temperature)
	reg("peek", "read a chip register", (*dboardProxy).peek)
	reg("poke", "write a chip register", (*dboardProxy).poke)
}

// dboardProxy adapts the typed controller API to RPC params.
type dboardProxy struct {
	mykonos *ad937x.Ctrl
}

func parseDirection(name string) (ad937x.Direction, error) {
	switch name {
	case "rx", "RX":
		return ad937x.RX, nil
	case "tx", "TX":
		return ad937x.TX, nil
	default:
		return 0, fmt.Errorf("unknown direction %q", name)
	}
}

func (p *dboardProxy) tune(ctx context.Context, params json.RawMessage) (any, error) {
	var dirName string
	var freq float64
	if err := decodeParams(params, &dirName, &freq); err != nil {
		return nil, err
	}
	dir, err := parseDirection(dirName)
	if err != nil {
		return nil, err
	}
	return p.mykonos.Tune(ctx, dir, freq)
}

func (p *dboardProxy) getFreq(_ context.Context, params json.RawMessage) (any, error) {
	var dirName string
	if err := decodeParams(params, &dirName); err != nil {
		return nil, err
	}
	dir, err := parseDirection(dirName)
	if err != nil {
		return nil, err
	}
	return p.mykonos.Freq(dir), nil
}

func (p *dboardProxy) setGain(ctx context.Context, params json.RawMessage) (any, error) {
	var ch string
	var gain float64
	if err := decodeParams(params, &ch, &gain); err != nil {
		return nil, err
	}
	return p.mykonos.SetGain(ctx, ad937x.Channel(ch), gain)
}

func (p *dboardProxy) getGain(_ context.Context, params json.RawMessage) (any, error) {
	var ch string
	if err := decodeParams(params, &ch); err != nil {
		return nil, err
	}
	return p.mykonos.Gain(ad937x.Channel(ch)), nil
}

func (p *dboardProxy) setGainPins(ctx context.Context, params json.RawMessage) (any, error) {
	var cfg ad937x.GainPinConfig
	if err := decodeParams(params, &cfg); err != nil {
		return nil, err
	}
	if err := p.mykonos.SetGainPins(ctx, cfg); err != nil {
		return nil, err
	}
	return true, nil
}

func (p *dboardProxy) temperature(ctx context.Context, _ json.RawMessage) (any, error) {
	return p.mykonos.Temperature(ctx)
}

func (p *dboardProxy) peek(ctx context.Context, params json.RawMessage) (any, error) {
	var addr uint16
	if err := decodeParams(params, &addr); err != nil {
		return nil, err
	}
	return p.mykonos.PeekReg(ctx, addr)
}

func (p *dboardProxy) poke(ctx context.Context, params json.RawMessage) (any, error) {
	var addr uint16
	var val byte
	if err := decodeParams(params, &addr, &val); err != nil {
		return nil, err
	}
	if err := p.mykonos.PokeReg(ctx, addr, val); err != nil {
		return nil, err
	}
	return true, nil
}
