package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"waitlist-service/internal/config"
	"waitlist-service/internal/factory"
	"waitlist-service/internal/handler"
	"waitlist-service/internal/util"
)

func main() {
	cfg := config.LoadConfig()
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	defer util.Sync()

	if err := cfg.Validate(); err != nil {
		util.Fatal("Invalid configuration", util.ErrorField(err))
	}

	// Initialize factory (connects the store, Redis, Kafka and the audit sink)
	f, err := factory.NewFactory(cfg)
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}

	router := setupRouter(f)

	// Determine server address based on TLS config
	var serverAddr string
	if cfg.Server.EnableTLS {
		serverAddr = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.TLSPort)
	} else {
		serverAddr = cfg.GetServerAddress()
	}

	// Create HTTP server with configured timeouts
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// The plain listener only redirects and answers ACME challenges once TLS is on.
	var redirectServer *http.Server
	if cfg.Server.EnableTLS {
		server.TLSConfig = f.TLSManager().TLSConfig()
		redirectServer = &http.Server{
			Addr:         cfg.GetServerAddress(),
			Handler:      f.TLSManager().HTTPHandler(redirectToHTTPS(cfg)),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}

		util.Info("Starting HTTPS server",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.TLSPort),
			util.Bool("auto_cert", cfg.Server.AutoCert),
		)
	} else {
		util.Warn("Starting HTTP server - TLS is disabled",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.Port),
		)
	}

	startServer(f, server, redirectServer, cfg)
}

// setupRouter creates the HTTP router with all handlers using Chi
func setupRouter(f *factory.Factory) http.Handler {
	cfg := f.Config()
	admission := f.ServiceFactory().AdmissionService()

	var control *handler.ControlHandler
	if cfg.ControlPlane.Token != "" {
		control = handler.NewControlHandler(admission, cfg.ControlPlane.Token, util.Get())
	} else {
		util.Info("CONTROL_PLANE_TOKEN not set - internal routes disabled")
	}

	return handler.NewRouter(cfg, handler.NewWaitlistHandler(admission, util.Get()), control, f.Ready, util.Get())
}

func redirectToHTTPS(cfg *config.Config) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := cfg.Server.Domain
		if cfg.Server.TLSPort != 443 {
			host = fmt.Sprintf("%s:%d", host, cfg.Server.TLSPort)
		}
		http.Redirect(w, r, "https://"+host+r.URL.RequestURI(), http.StatusMovedPermanently)
	})
}

func startServer(f *factory.Factory, server, redirectServer *http.Server, cfg *config.Config) {
	serverErr := make(chan error, 2)

	go func() {
		var err error
		if cfg.Server.EnableTLS {
			// Certificates come from TLSConfig.GetCertificate.
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	if redirectServer != nil {
		go func() {
			util.Info("Starting HTTP redirect server", util.String("address", redirectServer.Addr))
			if err := redirectServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				util.Error("HTTP redirect server failed", util.ErrorField(err))
			}
		}()
	}

	util.Info("Server started successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.String("address", server.Addr),
	)

	waitForShutdown(f, cfg, serverErr, server, redirectServer)
}

func waitForShutdown(f *factory.Factory, cfg *config.Config, serverErr <-chan error, servers ...*http.Server) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	select {
	case sig := <-signalChan:
		util.Info("Received shutdown signal", util.String("signal", sig.String()))
	case err := <-serverErr:
		util.Error("Server failed", util.ErrorField(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	for _, srv := range servers {
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
			} else {
				util.Info("Server shutdown completed", util.String("address", srv.Addr))
			}
		}
	}

	// In-flight signups have returned; drain the notification and audit queues.
	if err := f.Close(ctx); err != nil {
		util.Error("Factory shutdown incomplete", util.ErrorField(err))
	}
}
