package mcpgw

import (
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/wassette/wassette/internal/executor"
	"github.com/wassette/wassette/internal/loader"
	"github.com/wassette/wassette/internal/policy"
	"github.com/wassette/wassette/internal/registry"
	"github.com/wassette/wassette/internal/schema"
	"github.com/wassette/wassette/pkg/models"
)

// codeFor maps the host error taxonomy onto wire-visible numeric codes.
func codeFor(err error) models.ErrorCode {
	var schemaErr *schema.ValidationError
	var policyErr *policy.ValidationError

	switch {
	case errors.Is(err, loader.ErrOriginScheme):
		return models.CodeOriginScheme
	case errors.Is(err, loader.ErrNotFound):
		return models.CodeNotFound
	case errors.Is(err, loader.ErrTooLarge):
		return models.CodeTooLarge
	case errors.Is(err, loader.ErrTransport):
		return models.CodeTransport
	case errors.Is(err, loader.ErrCacheIO):
		return models.CodeCacheIO
	case errors.Is(err, registry.ErrNotFound):
		return models.CodeComponentUnknown
	case errors.Is(err, registry.ErrCollision):
		return models.CodeCollision
	case errors.Is(err, executor.ErrInvalidComponent):
		return models.CodeValidation
	case errors.Is(err, executor.ErrResourceExceeded):
		return models.CodeResourceExceeded
	case errors.Is(err, executor.ErrTimeout):
		return models.CodeTimeout
	case errors.Is(err, executor.ErrCancelled):
		return models.CodeCancelled
	case errors.Is(err, executor.ErrTrap):
		return models.CodeInternal
	case errors.As(err, &schemaErr), errors.As(err, &policyErr):
		return models.CodeValidation
	default:
		return models.CodeInternal
	}
}

// errorResult renders an error as an MCP tool error whose text content
// is the coded JSON body.
func errorResult(err error) *mcp.CallToolResult {
	body := models.HostError{
		Code:    codeFor(err),
		Message: err.Error(),
	}

	var schemaErr *schema.ValidationError
	if errors.As(err, &schemaErr) {
		body.Detail = schemaErr.Diagnostics
	}
	var policyErr *policy.ValidationError
	if errors.As(err, &policyErr) {
		body.Detail = policyErr.Diagnostics
	}

	text, merr := json.Marshal(body)
	if merr != nil {
		text = []byte(`{"code":-32500,"message":"internal error"}`)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(string(text))},
		IsError: true,
	}
}

// dispatchResult renders a tool-call outcome. The result::err branch
// becomes a tool error carrying the lifted error value; success
// carries the payload as structured content.
func dispatchResult(res *registry.DispatchResult) (*mcp.CallToolResult, error) {
	text, err := json.Marshal(res.Payload)
	if err != nil {
		return errorResult(err), nil
	}
	if res.IsError {
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(text))},
			IsError: true,
		}, nil
	}
	return mcp.NewToolResultStructured(res.Payload, string(text)), nil
}

// jsonResult renders a management-tool payload.
func jsonResult(payload any) (*mcp.CallToolResult, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultStructured(payload, string(text)), nil
}
