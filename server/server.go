// Package server exposes a VM's verification results to out-of-process
// compiler drivers over connect, with CBOR message bodies.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/dexvm/vm"
)

var log = commonlog.GetLogger("dexvm.server")

// DexvmServer is the verification server wrapping a VM.
type DexvmServer struct {
	worker  *VMWorker
	service *VerificationService
	mux     *http.ServeMux
	http    *http.Server
}

// ServerOption configures a DexvmServer.
type ServerOption func(*serverConfig)

type serverConfig struct {
	workers int
}

// WithWorkers sets how many dex files are verified concurrently.
func WithWorkers(n int) ServerOption {
	return func(c *serverConfig) { c.workers = n }
}

// New creates a DexvmServer wrapping the given VM.
func New(v *vm.VM, opts ...ServerOption) *DexvmServer {
	cfg := &serverConfig{workers: 1}
	for _, opt := range opts {
		opt(cfg)
	}

	worker := NewVMWorker(v, cfg.workers)
	s := &DexvmServer{
		worker:  worker,
		service: NewVerificationService(worker),
		mux:     http.NewServeMux(),
	}
	for path, h := range s.service.Handlers() {
		s.mux.Handle(path, h)
	}
	return s
}

// Handler returns the HTTP handler serving every procedure.
func (s *DexvmServer) Handler() http.Handler { return s.mux }

// ListenAndServe starts the HTTP server on the given address.
// The address should be in the form "host:port" or ":port".
func (s *DexvmServer) ListenAndServe(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	log.Noticef("dexvm verification server listening on %s", addr)
	log.Infof("  Connect (CBOR): http://%s%s", addr, VerifyDexProcedure)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts down the server and its workers.
func (s *DexvmServer) Stop(ctx context.Context) error {
	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}
	s.worker.Stop()
	log.Noticef("dexvm verification server stopped")
	return err
}
