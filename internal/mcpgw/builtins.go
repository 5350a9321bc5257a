package mcpgw

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/wassette/wassette/internal/policy"
)

// registerBuiltins publishes the management tool surface.
func (g *Gateway) registerBuiltins() {
	g.addBuiltin("load-component",
		"Load a WebAssembly component from a file://, https://, or oci:// origin and publish its exported functions as tools.",
		`{"type":"object","properties":{
			"source":{"type":"string","description":"Origin URI of the component artifact"}
		},"required":["source"],"additionalProperties":false}`,
		g.handleLoad)

	g.addBuiltin("unload-component",
		"Unload a component and retire its tools. In-flight calls are cancelled and abandoned if still running after a grace period.",
		`{"type":"object","properties":{
			"id":{"type":"string","description":"Component id"}
		},"required":["id"],"additionalProperties":false}`,
		g.handleUnload)

	g.addBuiltin("list-components",
		"List loaded components with tool counts and policy state.",
		`{"type":"object","properties":{},"additionalProperties":false}`,
		g.handleList)

	g.addBuiltin("get-policy",
		"Return a component's effective policy document and its source.",
		`{"type":"object","properties":{
			"id":{"type":"string"}
		},"required":["id"],"additionalProperties":false}`,
		g.handleGetPolicy)

	g.addBuiltin("attach-policy",
		"Validate a policy document (YAML or JSON) and attach it to a component, replacing any previous policy.",
		`{"type":"object","properties":{
			"id":{"type":"string"},
			"policy":{"type":"string","description":"Policy document text"}
		},"required":["id","policy"],"additionalProperties":false}`,
		g.handleAttachPolicy)

	g.addBuiltin("grant-storage-permission",
		"Grant filesystem access to a fs:// URI pattern.",
		`{"type":"object","properties":{
			"id":{"type":"string"},
			"uri":{"type":"string","description":"fs:// URI pattern, e.g. fs:///tmp/data/**"},
			"access":{"type":"array","items":{"type":"string","enum":["read","write"]},"minItems":1}
		},"required":["id","uri","access"],"additionalProperties":false}`,
		g.handleGrantStorage)

	g.addBuiltin("grant-network-permission",
		"Grant outbound network access to a host, optionally narrowed by ports and protocol.",
		`{"type":"object","properties":{
			"id":{"type":"string"},
			"host":{"type":"string"},
			"ports":{"type":"array","items":{"type":"integer","minimum":1,"maximum":65535}},
			"protocol":{"type":"string","enum":["http","https"]}
		},"required":["id","host"],"additionalProperties":false}`,
		g.handleGrantNetwork)

	g.addBuiltin("grant-environment-variable-permission",
		"Grant read access to one environment variable, by exact name.",
		`{"type":"object","properties":{
			"id":{"type":"string"},
			"key":{"type":"string"}
		},"required":["id","key"],"additionalProperties":false}`,
		g.handleGrantEnv)

	g.addBuiltin("revoke-storage-permission",
		"Revoke a storage allow rule by its fs:// URI.",
		`{"type":"object","properties":{
			"id":{"type":"string"},
			"uri":{"type":"string"}
		},"required":["id","uri"],"additionalProperties":false}`,
		g.handleRevokeStorage)

	g.addBuiltin("revoke-network-permission",
		"Revoke a network allow rule by host.",
		`{"type":"object","properties":{
			"id":{"type":"string"},
			"host":{"type":"string"}
		},"required":["id","host"],"additionalProperties":false}`,
		g.handleRevokeNetwork)

	g.addBuiltin("revoke-environment-variable-permission",
		"Revoke an environment-variable allow rule by name.",
		`{"type":"object","properties":{
			"id":{"type":"string"},
			"key":{"type":"string"}
		},"required":["id","key"],"additionalProperties":false}`,
		g.handleRevokeEnv)

	g.addBuiltin("reset-permission",
		"Clear all runtime grants and detach the policy, restoring default-deny.",
		`{"type":"object","properties":{
			"id":{"type":"string"}
		},"required":["id"],"additionalProperties":false}`,
		g.handleReset)
}

func (g *Gateway) addBuiltin(name, desc, rawSchema string, handler mcpserver.ToolHandlerFunc) {
	tool := mcp.NewToolWithRawSchema(name, desc, json.RawMessage(rawSchema))
	g.srv.AddTool(tool, handler)
}

// argString extracts a required string argument.
func argString(req mcp.CallToolRequest, key string) (string, error) {
	v, ok := req.GetArguments()[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	return v, nil
}

// ── Handlers ────────────────────────────────────────────────

func (g *Gateway) handleLoad(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	source, err := argString(req, "source")
	if err != nil {
		return errorResult(err), nil
	}
	res, err := g.manager.Load(ctx, source, nil)
	if err != nil {
		return errorResult(err), nil
	}
	g.syncTools()
	return jsonResult(res)
}

func (g *Gateway) handleUnload(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := argString(req, "id")
	if err != nil {
		return errorResult(err), nil
	}
	res, err := g.manager.Unload(ctx, id)
	if err != nil {
		return errorResult(err), nil
	}
	g.syncTools()
	return jsonResult(res)
}

func (g *Gateway) handleList(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{"components": g.manager.List()})
}

func (g *Gateway) handleGetPolicy(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := argString(req, "id")
	if err != nil {
		return errorResult(err), nil
	}
	view, err := g.manager.GetPolicy(id)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(view)
}

func (g *Gateway) handleAttachPolicy(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := argString(req, "id")
	if err != nil {
		return errorResult(err), nil
	}
	text, err := argString(req, "policy")
	if err != nil {
		return errorResult(err), nil
	}
	doc, err := policy.Parse([]byte(text))
	if err != nil {
		return errorResult(err), nil
	}
	view, err := g.manager.AttachPolicy(ctx, id, doc)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(view)
}

func (g *Gateway) handleGrantStorage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := argString(req, "id")
	if err != nil {
		return errorResult(err), nil
	}
	uri, err := argString(req, "uri")
	if err != nil {
		return errorResult(err), nil
	}
	var access []policy.Access
	if rawAccess, ok := req.GetArguments()["access"].([]any); ok {
		for _, a := range rawAccess {
			if s, ok := a.(string); ok {
				access = append(access, policy.Access(s))
			}
		}
	}
	view, err := g.manager.Grant(ctx, id, policy.KindStorage, policy.StorageRule{URI: uri, Access: access})
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(view)
}

func (g *Gateway) handleGrantNetwork(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := argString(req, "id")
	if err != nil {
		return errorResult(err), nil
	}
	host, err := argString(req, "host")
	if err != nil {
		return errorResult(err), nil
	}
	rule := policy.NetworkRule{Host: host}
	if rawPorts, ok := req.GetArguments()["ports"].([]any); ok {
		for _, p := range rawPorts {
			if n, ok := p.(float64); ok && n >= 1 && n <= 65535 {
				rule.Ports = append(rule.Ports, uint16(n))
			}
		}
	}
	if proto, ok := req.GetArguments()["protocol"].(string); ok {
		rule.Protocol = proto
	}
	view, err := g.manager.Grant(ctx, id, policy.KindNetwork, rule)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(view)
}

func (g *Gateway) handleGrantEnv(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := argString(req, "id")
	if err != nil {
		return errorResult(err), nil
	}
	key, err := argString(req, "key")
	if err != nil {
		return errorResult(err), nil
	}
	view, err := g.manager.Grant(ctx, id, policy.KindEnvironment, policy.EnvRule{Key: key})
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(view)
}

func (g *Gateway) handleRevokeStorage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return g.handleRevoke(ctx, req, policy.KindStorage, "uri")
}

func (g *Gateway) handleRevokeNetwork(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return g.handleRevoke(ctx, req, policy.KindNetwork, "host")
}

func (g *Gateway) handleRevokeEnv(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return g.handleRevoke(ctx, req, policy.KindEnvironment, "key")
}

func (g *Gateway) handleRevoke(ctx context.Context, req mcp.CallToolRequest, kind policy.PermissionKind, keyField string) (*mcp.CallToolResult, error) {
	id, err := argString(req, "id")
	if err != nil {
		return errorResult(err), nil
	}
	key, err := argString(req, keyField)
	if err != nil {
		return errorResult(err), nil
	}
	view, err := g.manager.Revoke(ctx, id, kind, key)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(view)
}

func (g *Gateway) handleReset(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := argString(req, "id")
	if err != nil {
		return errorResult(err), nil
	}
	view, err := g.manager.ResetPermissions(ctx, id)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(view)
}
