package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"

	"identity-service/internal/config"
	"identity-service/internal/factory"
	"identity-service/internal/util"
)

const shutdownTimeout = 30 * time.Second

// certSource is satisfied by the factory's TLS manager.
type certSource interface {
	TLSConfig() *tls.Config
	AutocertManager() *autocert.Manager
}

type listener struct {
	role string
	srv  *http.Server
	tls  bool
}

func (l listener) serve() error {
	if l.tls {
		// certificates come from srv.TLSConfig
		return l.srv.ListenAndServeTLS("", "")
	}
	return l.srv.ListenAndServe()
}

func main() {
	if err := run(); err != nil {
		util.Fatal("Identity service stopped", util.ErrorField(err))
	}
	util.Sync()
}

func run() error {
	f, err := factory.NewFactory()
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	f.Start()
	cfg := f.Config()

	listeners, err := buildListeners(cfg, f.Router(), f.TLSManager())
	if err != nil {
		_ = f.Close(context.Background())
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		l := l
		g.Go(func() error {
			util.Info("Listening",
				util.String("role", l.role),
				util.String("address", l.srv.Addr),
				util.Bool("tls", l.tls),
				util.String("environment", cfg.Environment))
			if err := l.serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s listener on %s: %w", l.role, l.srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		util.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		for _, l := range listeners {
			if err := l.srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", l.role, err))
			}
		}
		if err := f.Close(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

// buildListeners lays out the servers for cfg: plain HTTP, HTTPS on the TLS
// port, or in production with AutoCert HTTPS on 443 plus the ACME challenge
// listener on 80.
func buildListeners(cfg *config.Config, h http.Handler, certs certSource) ([]listener, error) {
	api := &http.Server{
		Addr:              cfg.GetServerAddress(),
		Handler:           h,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	if !cfg.Server.EnableTLS {
		if cfg.IsProduction() {
			util.Warn("TLS is disabled in production")
		}
		return []listener{{role: "api", srv: api}}, nil
	}

	api.TLSConfig = certs.TLSConfig()
	api.Addr = fmt.Sprintf(":%d", cfg.Server.TLSPort)

	if !cfg.IsProduction() || !cfg.Server.AutoCert {
		return []listener{{role: "api", srv: api, tls: true}}, nil
	}

	acme := certs.AutocertManager()
	if acme == nil {
		return nil, errors.New("autocert requested but no ACME manager is configured")
	}
	api.Addr = ":443"
	challenge := &http.Server{
		Addr:              ":80",
		Handler:           acme.HTTPHandler(nil),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return []listener{
		{role: "api", srv: api, tls: true},
		{role: "acme", srv: challenge},
	}, nil
}
