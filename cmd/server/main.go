package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kyc-service/internal/config"
	"kyc-service/internal/factory"
	"kyc-service/internal/handler"
	"kyc-service/internal/util"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Initialize factory (which loads config and initializes all clients)
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	if err := run(f); err != nil {
		util.Error("Server stopped with error", util.ErrorField(err))
		f.Close()
		os.Exit(1)
	}
}

// run serves until a shutdown signal arrives or a listener fails.
func run(f *factory.Factory) error {
	cfg := f.Config()
	servers := buildServers(f, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	errCh := make(chan error, len(servers))
	for _, s := range servers {
		go func(s *managedServer) {
			util.Info("Starting listener",
				util.String("name", s.name),
				util.String("address", s.srv.Addr),
				util.Bool("tls", s.tls))
			if err := s.serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("%s listener: %w", s.name, err)
			}
		}(s)
	}

	util.Info("Server started successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.String("session_store", cfg.Session.Store),
	)

	var runErr error
	select {
	case <-ctx.Done():
		util.Info("Received shutdown signal")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, s := range servers {
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			util.Error("Failed to shutdown server gracefully", util.String("name", s.name), util.ErrorField(err))
		} else {
			util.Info("Server shutdown completed", util.String("name", s.name))
		}
	}
	return runErr
}

type managedServer struct {
	name string
	srv  *http.Server
	tls  bool
}

func (s *managedServer) serve() error {
	if s.tls {
		// certificates come from TLSConfig.GetCertificate
		return s.srv.ListenAndServeTLS("", "")
	}
	return s.srv.ListenAndServe()
}

// buildServers returns the API listener and, in production with AutoCert,
// the :80 ACME challenge listener.
func buildServers(f *factory.Factory, cfg *config.Config) []*managedServer {
	api := &http.Server{
		Addr:              cfg.GetServerAddress(),
		Handler:           setupRouter(f),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	if !cfg.Server.EnableTLS {
		util.Warn("TLS is disabled - serving plain HTTP",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.Port),
		)
		return []*managedServer{{name: "http", srv: api}}
	}

	tlsManager := f.TLSManager()
	api.TLSConfig = tlsManager.GetTLSConfig()
	api.Addr = fmt.Sprintf(":%d", cfg.Server.TLSPort)

	if !(cfg.IsProduction() && cfg.Server.AutoCert) {
		return []*managedServer{{name: "https", srv: api, tls: true}}
	}

	autoCertManager := tlsManager.GetAutocertManager()
	if autoCertManager == nil {
		util.Fatal("AutoCert manager is not available in production")
	}
	api.Addr = ":443"
	acme := &http.Server{
		Addr:              ":80",
		Handler:           autoCertManager.HTTPHandler(nil),
		ReadHeaderTimeout: 10 * time.Second,
	}
	util.Info("AutoCert enabled", util.String("domain", cfg.Server.Domain))
	return []*managedServer{
		{name: "https", srv: api, tls: true},
		{name: "acme", srv: acme},
	}
}

// setupRouter wires every document flow onto one chi router
func setupRouter(f *factory.Factory) http.Handler {
	cfg := f.Config()
	documentServices := f.ServiceFactory().DocumentServices()
	documentHandler := handler.NewDocumentHandler(documentServices, cfg.Upload.MaxBytes, util.Get())
	return handler.NewRouter(cfg, documentHandler, f.Ready, util.Get())
}
