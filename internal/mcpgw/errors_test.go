package mcpgw

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/wassette/wassette/internal/executor"
	"github.com/wassette/wassette/internal/loader"
	"github.com/wassette/wassette/internal/registry"
	"github.com/wassette/wassette/internal/schema"
	"github.com/wassette/wassette/pkg/models"
)

func TestCodeForTaxonomy(t *testing.T) {
	cases := []struct {
		err  error
		want models.ErrorCode
	}{
		{loader.ErrOriginScheme, models.CodeOriginScheme},
		{fmt.Errorf("wrapped: %w", loader.ErrNotFound), models.CodeNotFound},
		{loader.ErrTooLarge, models.CodeTooLarge},
		{loader.ErrTransport, models.CodeTransport},
		{loader.ErrCacheIO, models.CodeCacheIO},
		{registry.ErrNotFound, models.CodeComponentUnknown},
		{fmt.Errorf("load: %w", registry.ErrCollision), models.CodeCollision},
		{executor.ErrInvalidComponent, models.CodeValidation},
		{executor.ErrResourceExceeded, models.CodeResourceExceeded},
		{executor.ErrTimeout, models.CodeTimeout},
		{executor.ErrCancelled, models.CodeCancelled},
		{executor.ErrTrap, models.CodeInternal},
		{&schema.ValidationError{}, models.CodeValidation},
		{fmt.Errorf("anything else"), models.CodeInternal},
	}
	for _, tc := range cases {
		if got := codeFor(tc.err); got != tc.want {
			t.Errorf("codeFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestErrorResultCarriesCodeAndDiagnostics(t *testing.T) {
	err := &schema.ValidationError{Diagnostics: []schema.Diagnostic{
		{Path: "/x", Message: "out of range"},
	}}

	res := errorResult(err)
	if !res.IsError {
		t.Fatal("errorResult() did not mark the result as an error")
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content type = %T, want TextContent", res.Content[0])
	}

	var body models.HostError
	if uerr := json.Unmarshal([]byte(text.Text), &body); uerr != nil {
		t.Fatalf("error body is not JSON: %v", uerr)
	}
	if body.Code != models.CodeValidation {
		t.Errorf("Code = %d, want %d", body.Code, models.CodeValidation)
	}
	if body.Detail == nil {
		t.Error("validation diagnostics missing from error detail")
	}
}

func TestDispatchResultErrBranch(t *testing.T) {
	res, err := dispatchResult(&registry.DispatchResult{
		IsError: true,
		Payload: map[string]any{"message": "access denied"},
	})
	if err != nil {
		t.Fatalf("dispatchResult() error = %v", err)
	}
	if !res.IsError {
		t.Error("result::err branch must surface as a tool error")
	}

	ok, err := dispatchResult(&registry.DispatchResult{Payload: map[string]any{"sum": 3}})
	if err != nil {
		t.Fatalf("dispatchResult() error = %v", err)
	}
	if ok.IsError {
		t.Error("success payload marked as error")
	}
}
