// Staminads
// Copyright (C) 2025 Staminads, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/staminads/staminads-sub003"
	"github.com/staminads/staminads-sub003/lib/backfill"
	"github.com/staminads/staminads-sub003/lib/buffer"
	"github.com/staminads/staminads-sub003/lib/chstore"
	"github.com/staminads/staminads-sub003/lib/config"
	"github.com/staminads/staminads-sub003/lib/defaults"
	"github.com/staminads/staminads-sub003/lib/geo"
	"github.com/staminads/staminads-sub003/lib/httpapi"
	"github.com/staminads/staminads-sub003/lib/session"
	"github.com/staminads/staminads-sub003/lib/workspace"
)

// serveCommand runs the ingest service.
type serveCommand struct {
	cmd *kingpin.CmdClause

	configPath string
	debug      bool
}

func (c *serveCommand) register(app *kingpin.Application) {
	c.cmd = app.Command("serve", "Run the ingest and backfill service.")
	c.cmd.Flag("config", "Path to the YAML configuration file.").Short('c').StringVar(&c.configPath)
	c.cmd.Flag("debug", "Enable debug logging.").Short('d').BoolVar(&c.debug)
}

func (c *serveCommand) tryRun(command string, errOut *error) bool {
	if command != c.cmd.FullCommand() {
		return false
	}
	*errOut = c.run()
	return true
}

func (c *serveCommand) run() error {
	level := slog.LevelInfo
	if c.debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	logger := slog.With(staminads.ComponentKey, "stmctl")

	fc, err := config.ReadFile(c.configPath)
	if err != nil {
		return trace.Wrap(err)
	}
	if fc.ClickHouseDSN == "" {
		return trace.BadParameter("clickhouse_dsn is required (flag, file or CLICKHOUSE_DSN)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := chstore.NewClient(ctx, chstore.Config{
		DSN:      fc.ClickHouseDSN,
		Database: fc.Database,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	defer store.Close()
	if err := store.CreateSystemTables(ctx); err != nil {
		return trace.Wrap(err)
	}

	var resolver geo.Resolver
	if fc.GeoDatabasePath != "" {
		resolver, err = geo.NewMaxMindResolver(fc.GeoDatabasePath)
		if err != nil {
			return trace.Wrap(err)
		}
		defer resolver.Close()
	}

	notifier := &workspace.FilterNotifier{}
	workspaces, err := workspace.NewCache(workspace.CacheConfig{
		Getter:   store,
		Notifier: notifier,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	events, err := buffer.NewEventBuffer(buffer.Config{
		Inserter:      store,
		FlushInterval: fc.FlushInterval,
		MaxBufferSize: fc.MaxBufferSize,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	ingest, err := session.NewHandler(session.HandlerConfig{
		Workspaces: workspaces,
		Buffer:     events,
		Geo:        resolver,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	backfills, err := backfill.NewService(backfill.ServiceConfig{
		Tasks:          store,
		Mutations:      store,
		Workspaces:     workspaces,
		StaleThreshold: fc.StaleThreshold(),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	go func() {
		if err := backfills.RecoverStaleTasks(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("stale task recovery failed", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	for _, collectors := range [][]prometheus.Collector{
		buffer.PrometheusCollectors,
		backfill.PrometheusCollectors,
	} {
		for _, collector := range collectors {
			if err := registry.Register(collector); err != nil {
				return trace.Wrap(err)
			}
		}
	}

	api, err := httpapi.NewAPI(httpapi.Config{
		Ingest:   ingest,
		Backfill: backfills,
		Metrics:  registry,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	server := &http.Server{
		Addr:              fc.ListenAddr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", fc.ListenAddr, "version", staminads.Version)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return trace.Wrap(err)
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("http server shutdown failed", "error", err)
	}
	if err := backfills.Shutdown(shutdownCtx); err != nil {
		logger.Warn("backfill shutdown failed", "error", err)
	}
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), defaults.FlushInterval+5*time.Second)
	defer cancelDrain()
	if err := events.Shutdown(drainCtx); err != nil {
		logger.Warn("buffer drain failed, events lost", "error", err)
	}
	return nil
}
