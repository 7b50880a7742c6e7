// Package webstub is the "stub HTTP endpoint" spec.md section 1 lists as an
// external collaborator the core merely hosts: a single reflector handler,
// not a real web API. Grounded on archon's debug.Package (viper-configured
// web.http_port, http.HandleFunc + http.ListenAndServe), generalized from a
// pprof goroutine dump into a JSON status reflector.
package webstub

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fkserver/core/internal/buildinfo"
)

// Info mirrors internal/discovery.Info; the HTTP stub and the UDP responder
// report the same snapshot over two different transports.
type Info interface {
	Description() string
	IconURL() string
	Capacity() int
	OnlineCount() int
}

// Stub owns the HTTP listener backing the reflector endpoint.
type Stub struct {
	server *http.Server
}

// Listen starts the stub HTTP server on addr. It always returns immediately;
// call Serve to block, or run it in its own goroutine as main.go does.
func Listen(addr string, info Info) *Stub {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"version":     buildinfo.Version,
			"description": info.Description(),
			"iconUrl":     info.IconURL(),
			"capacity":    info.Capacity(),
			"online":      info.OnlineCount(),
		})
	})

	return &Stub{server: &http.Server{Addr: addr, Handler: mux}}
}

// Serve blocks until the listener is closed via Close, mirroring archon's
// debug.StartPprofServer invocation style.
func (s *Stub) Serve() error {
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("webstub: serve failed: %w", err)
	}
	return nil
}

// Close shuts the HTTP server down.
func (s *Stub) Close() error {
	return s.server.Close()
}
