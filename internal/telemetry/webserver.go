package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
)

// DeviceInfoFunc supplies the identity map served at /api/deviceinfo.
type DeviceInfoFunc func() map[string]string

// WebServer exposes event history, live updates, and device identity over
// HTTP for dashboards and field debugging.
type WebServer struct {
	srv *http.Server
	hub *Hub
	log *log.Logger
}

// NewWebServer builds an HTTP server serving the hub's endpoints.
func NewWebServer(addr string, hub *Hub, info DeviceInfoFunc, logger *log.Logger) *WebServer {
	if logger == nil {
		logger = log.Default()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/events", hub.handleHistory)
	mux.HandleFunc("/api/live", hub.handleLive)
	mux.HandleFunc("/api/deviceinfo", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(info())
	})

	return &WebServer{
		hub: hub,
		log: logger,
		srv: &http.Server{Addr: addr, Handler: mux},
	}
}

// Start begins listening and shuts down when the context is canceled.
func (w *WebServer) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := w.srv.Shutdown(shutdownCtx); err != nil {
			w.log.Warn("status server shutdown", "err", err)
		}
	}()

	if err := w.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		w.log.Error("status server", "err", err)
	}
}
