// Command creditsd serves the credit ledger API, the processing pipeline and the
// billing webhook endpoints over HTTP.
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

	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
	zerologadapter "github.com/mihaimyh/gocredits/pkg/gocredits/logger/zerolog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "creditsd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	envFile := os.Getenv("CREDITSD_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	cfg, err := loadConfig(envFile)
	if err != nil {
		return err
	}

	zl, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}
	logger := zerologadapter.NewLogger(zl)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return serve(ctx, cfg, a.Handler(), a.Start, logger)
}

// serve runs the HTTP server until ctx is done, then drains it within ShutdownTimeout
func serve(ctx context.Context, cfg *Config, handler http.Handler, start func(), logger gocredits.Logger) error {
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening",
			gocredits.F("addr", cfg.ListenAddr),
			gocredits.F("storage", cfg.Storage),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	start()
	err := g.Wait()
	logger.Info("server stopped")
	return err
}
