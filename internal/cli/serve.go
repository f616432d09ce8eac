package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/clean-dependency-project/botctl/internal/clamav"
	"github.com/clean-dependency-project/botctl/internal/gateway"
	"github.com/clean-dependency-project/botctl/internal/platform"
	"github.com/clean-dependency-project/botctl/internal/storage"
)

const shutdownTimeout = 10 * time.Second

// serveCommand runs the reference gateway until interrupted.
func serveCommand(c *cli.Context, e *env) error {
	gw := e.cfg.Gateway
	addr := gw.ListenAddr
	if v := c.String("listen"); v != "" {
		addr = v
	}

	db, err := storage.InitDB(storage.Config{DatabasePath: gw.DatabasePath, LogLevel: "warn"})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			e.logger.Warn("failed to close database", "error", err)
		}
	}()

	plat := platform.CurrentPlatform()
	if gw.Platform != "" {
		if plat, err = platform.FindPlatform(gw.Platform); err != nil {
			return err
		}
	}

	registry, err := gateway.NewRegistry(gw.Instances)
	if err != nil {
		return err
	}
	hub := gateway.NewHub(e.logger, gateway.WithOrigins(gw.AllowedOrigins))
	var scanner clamav.Scanner
	if gw.ScanImage != "" {
		scanner = clamav.NewDockerScanner(gw.ScanImage, clamav.WithLogger(e.logger))
	}
	svc, err := gateway.NewService(gateway.ServiceConfig{
		Registry:   registry,
		Store:      db,
		Hub:        hub,
		Sources:    gateway.GitHubSources(gw.GitHubToken, gw.GitHubAPIURL),
		Git:        gateway.ExecGit{},
		Platform:   plat,
		BackupsDir: gw.BackupsDir,
		Scanner:    scanner,
		Logger:     e.logger,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr: addr,
		Handler: gateway.NewRouter(svc, gateway.RouterOptions{
			Token:          e.cfg.API.Token,
			AllowedOrigins: gw.AllowedOrigins,
			Logger:         e.logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		e.logger.Info("gateway listening", "addr", addr, "instances", registry.IDs())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("gateway stopped: %w", err)
	case <-ctx.Done():
	}

	e.logger.Info("shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
