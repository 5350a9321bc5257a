// Package mcpgw exposes the lifecycle manager over the Model Context
// Protocol. It publishes two tool families:
//
//   - the built-in management tools (load-component, unload-component,
//     list-components, get-policy, attach-policy, grant-*, revoke-*,
//     reset-permission), and
//   - one dynamic tool per exported function of every loaded component,
//     named component_id:function_name.
//
// The dynamic surface is reconciled from lifecycle events, so
// tools/list_changed notifications follow registry commits in commit
// order.
package mcpgw

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog/log"

	"github.com/wassette/wassette/internal/events"
	"github.com/wassette/wassette/internal/registry"
)

// Gateway bridges the MCP server and the lifecycle manager.
type Gateway struct {
	manager *registry.Manager
	srv     *mcpserver.MCPServer

	mu        sync.Mutex
	published map[string]bool // dynamic tool names currently registered

	cancelSub func()
}

// NewGateway creates the MCP server and registers the built-in
// management tools. Call Start to begin reconciling dynamic tools.
func NewGateway(manager *registry.Manager, version string) *Gateway {
	srv := mcpserver.NewMCPServer(
		"wassette",
		version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
	)

	g := &Gateway{
		manager:   manager,
		srv:       srv,
		published: make(map[string]bool),
	}
	g.registerBuiltins()
	return g
}

// Server returns the underlying MCP server, for transport mounting.
func (g *Gateway) Server() *mcpserver.MCPServer { return g.srv }

// Start subscribes to lifecycle events and reconciles the dynamic tool
// surface until ctx is done.
func (g *Gateway) Start(ctx context.Context) {
	ch, cancel := g.manager.Subscribe()
	g.cancelSub = cancel

	// Publish whatever is already loaded.
	g.syncTools()

	go func() {
		defer cancel()
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if ev.Kind == events.KindLoad || ev.Kind == events.KindUnload {
					g.syncTools()
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// syncTools reconciles the MCP server's dynamic tools against the
// registry's current tool index.
func (g *Gateway) syncTools() {
	current := g.manager.Tools()

	g.mu.Lock()
	defer g.mu.Unlock()

	want := make(map[string]bool, len(current))
	for _, td := range current {
		want[td.Name] = true
		if g.published[td.Name] {
			continue
		}
		g.addComponentTool(td)
		g.published[td.Name] = true
	}

	var stale []string
	for name := range g.published {
		if !want[name] {
			stale = append(stale, name)
			delete(g.published, name)
		}
	}
	if len(stale) > 0 {
		g.srv.DeleteTools(stale...)
		log.Debug().Strs("tools", stale).Msg("Retired component tools")
	}
}

// addComponentTool publishes one component function as an MCP tool.
func (g *Gateway) addComponentTool(td *registry.ToolDescriptor) {
	rawSchema, err := json.Marshal(td.Bridge.ArgsSchema)
	if err != nil {
		log.Error().Err(err).Str("tool", td.Name).Msg("Marshal argument schema failed")
		return
	}

	desc := td.Bridge.Description
	if desc == "" {
		desc = "Exported function " + td.Bridge.Func.Name + " of component " + td.Component.ID
	}

	tool := mcp.NewToolWithRawSchema(td.Name, desc, rawSchema)
	if td.Bridge.OutputSchema != nil {
		if rawOut, err := json.Marshal(td.Bridge.OutputSchema); err == nil {
			tool.RawOutputSchema = rawOut
		}
	}

	name := td.Name
	g.srv.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := json.Marshal(req.GetArguments())
		if err != nil {
			return errorResult(err), nil
		}
		res, err := g.manager.Dispatch(ctx, name, args)
		if err != nil {
			return errorResult(err), nil
		}
		return dispatchResult(res)
	})
	log.Debug().Str("tool", name).Msg("Published component tool")
}
