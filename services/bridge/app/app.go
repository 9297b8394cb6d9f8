// Copyright (C) 2025 Aidamatic (dev@aidamatic.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package app assembles the bridge service: dependency wiring, tracing,
// and the HTTP server lifecycle. Both the standalone aida-bridge binary
// and `aida bridge --foreground` run through it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/aidamatic/aida/pkg/identity"
	"github.com/aidamatic/aida/pkg/logging"
	"github.com/aidamatic/aida/pkg/outbox"
	"github.com/aidamatic/aida/pkg/taiga"
	"github.com/aidamatic/aida/pkg/workspace"
	"github.com/aidamatic/aida/services/bridge/handlers"
	"github.com/aidamatic/aida/services/bridge/routes"
)

// EnvTrace enables the stdout span exporter when set to "1".
const EnvTrace = "AIDA_TRACE"

// Options configures one bridge instance.
type Options struct {
	Layout     workspace.Layout
	GatewayURL string
	Host       string
	Port       int
	Log        *logging.Logger
}

// initTracer installs a tracer provider exporting spans to stdout.
// Returns the shutdown func. When tracing is disabled the default
// no-op provider stays in place and shutdown is a no-op.
func initTracer(log *logging.Logger) (func(context.Context) error, error) {
	if os.Getenv(EnvTrace) != "1" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	log.Info("tracing enabled", "exporter", "stdout")
	return tp.Shutdown, nil
}

// BuildRouter wires dependencies and returns the engine plus a cleanup
// func releasing watchers and tracer state.
func BuildRouter(opts Options) (*gin.Engine, func(), error) {
	log := opts.Log
	if log == nil {
		log = logging.Default("bridge")
	}

	shutdownTracer, err := initTracer(log)
	if err != nil {
		return nil, nil, err
	}

	store := outbox.NewStore(opts.Layout.OutboxDir())
	identities := identity.NewStore(opts.Layout.IdentitiesFile())

	clientFor := func(profile string) (*taiga.Client, error) {
		p, err := identities.Lookup(profile)
		if err != nil {
			return nil, err
		}
		if p.Token == "" {
			return nil, fmt.Errorf("profile %s has no token; run `aida up` to reconcile", p.Name)
		}
		base := p.BaseURL
		if base == "" {
			base = opts.GatewayURL
		}
		return taiga.NewClient(base, p.Token, nil), nil
	}

	worker := outbox.NewWorker(store, opts.Layout.SyncStateFile(), opts.Layout.StatusMapFile(),
		func(profile string) (outbox.TrackerClient, error) { return clientFor(profile) },
		log.With("component", "sync"))

	assignments := handlers.NewAssignmentCache(opts.Layout.AssignmentFile(), log.Logger)

	deps := handlers.Deps{
		Layout:      opts.Layout,
		Store:       store,
		Worker:      worker,
		Identities:  identities,
		Assignments: assignments,
		Log:         log,
		ClientFor:   clientFor,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("aida-bridge"))
	routes.SetupRoutes(router, deps)

	cleanup := func() {
		assignments.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Warn("tracer shutdown failed", "error", err)
		}
	}
	return router, cleanup, nil
}

// Run serves the bridge until ctx is cancelled, then shuts down
// gracefully.
func Run(ctx context.Context, opts Options) error {
	log := opts.Log
	if log == nil {
		log = logging.Default("bridge")
	}

	if err := opts.Layout.EnsureRoot(); err != nil {
		return err
	}

	router, cleanup, err := BuildRouter(opts)
	if err != nil {
		return err
	}
	defer cleanup()

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("bridge listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		log.Info("bridge stopped")
		return nil
	}
}
