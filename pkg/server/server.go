// Package server is the public composition root of the Wassette
// component host. It wires the loader, executor engine, policy
// compiler defaults, lifecycle manager, event bus, MCP gateway, and
// HTTP surface into a ready-to-serve Server.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(fmt.Sprintf(":%d", srv.Port), srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog/log"

	"github.com/wassette/wassette/internal/api"
	"github.com/wassette/wassette/internal/config"
	"github.com/wassette/wassette/internal/events"
	"github.com/wassette/wassette/internal/executor"
	"github.com/wassette/wassette/internal/loader"
	"github.com/wassette/wassette/internal/mcpgw"
	"github.com/wassette/wassette/internal/policy"
	"github.com/wassette/wassette/internal/registry"
	"github.com/wassette/wassette/internal/telemetry"
)

// Server holds the initialized component host.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Manager is the lifecycle manager, exposed for embedding hosts
	// that drive loads programmatically.
	Manager *registry.Manager

	// Bus is the lifecycle event bus; additional observers may
	// subscribe.
	Bus *events.Bus

	// Dispatcher delivers events to registered webhook sinks.
	Dispatcher *events.Dispatcher

	// Gateway is the MCP surface.
	Gateway *mcpgw.Gateway

	// Port is the port the server should listen on.
	Port int

	cancelBackground context.CancelFunc
	shutdownTrace    func(context.Context) error
}

// New initializes all subsystems from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the host with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdownTrace, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	ld, err := loader.New(filepath.Join(cfg.DataDir, "components"), cfg.MaxFetchBytes)
	if err != nil {
		return nil, fmt.Errorf("init loader: %w", err)
	}
	log.Info().Str("cache", ld.Cache().Dir()).Msg("Component cache ready")

	bus := events.NewBus(cfg.EventBuffer)
	engine := executor.NewEngine()

	manager := registry.NewManager(registry.Options{
		Engine: engine,
		Loader: ld,
		Bus:    bus,
		Defaults: policy.ResourceLimits{
			MemoryBytes: cfg.Defaults.MemoryBytes,
			Fuel:        cfg.Defaults.Fuel,
			Timeout:     cfg.Defaults.Timeout,
		},
		UnloadGrace: cfg.UnloadGrace,
	})
	log.Info().Msg("Lifecycle manager initialized")

	gateway := mcpgw.NewGateway(manager, cfg.Version)
	dispatcher := events.NewDispatcher()

	bgCtx, bgCancel := context.WithCancel(context.Background())
	gateway.Start(bgCtx)
	dispatcher.Start(bgCtx, bus)
	log.Info().Msg("MCP gateway initialized")

	mcpHTTP := mcpserver.NewStreamableHTTPServer(gateway.Server())
	handler := api.NewRouter(manager, mcpHTTP, cfg.Version)

	return &Server{
		Handler:          handler,
		Manager:          manager,
		Bus:              bus,
		Dispatcher:       dispatcher,
		Gateway:          gateway,
		Port:             cfg.Port,
		cancelBackground: bgCancel,
		shutdownTrace:    shutdownTrace,
	}, nil
}

// Shutdown unloads all components, stops background consumers, and
// flushes telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Manager.Close(ctx)
	if s.cancelBackground != nil {
		s.cancelBackground()
	}
	if s.shutdownTrace != nil {
		return s.shutdownTrace(ctx)
	}
	return nil
}
