package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wassette/wassette/internal/policy"
)

// hostModuleName is the import module mediated host calls live under.
const hostModuleName = "wassette_host"

// fuelPerHostCall is the tariff charged for each mediated host call,
// on top of the per-function charge. Host calls do real I/O and are
// priced accordingly.
const fuelPerHostCall = 100

// maxHostResponseBytes bounds what a mediated http-request hands back
// to the guest.
const maxHostResponseBytes = 8 << 20

// hostHTTPClient serves all mediated http-request calls.
var hostHTTPClient = &http.Client{Timeout: 30 * time.Second}

// accessDenied is the error code a denied host call surfaces to the
// component. Denials are the call's failure value, never a trap, so
// components can distinguish "forbidden" from "broken".
const accessDenied = "access-denied"

type hostErrBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// instantiateHostModule registers the mediated host calls. Every call
// consults the invocation's sandbox template before touching a
// resource.
func instantiateHostModule(ctx context.Context, r wazero.Runtime) error {
	_, err := r.NewHostModuleBuilder(hostModuleName).
		NewFunctionBuilder().WithFunc(hostFSRead).Export("fs_read").
		NewFunctionBuilder().WithFunc(hostFSWrite).Export("fs_write").
		NewFunctionBuilder().WithFunc(hostHTTPRequest).Export("http_request").
		NewFunctionBuilder().WithFunc(hostEnvGet).Export("env_get").
		Instantiate(ctx)
	return err
}

// hostCall wraps the shared prologue of every mediated call: locate
// the invocation, charge fuel, decode the request, encode the reply.
func hostCall[Req any](ctx context.Context, mod api.Module, ptr, size uint32, handler func(*Invocation, Req) (any, *hostErrBody)) uint64 {
	inv := invocationFrom(ctx)
	if inv == nil {
		return packReply(ctx, mod, nil, &hostErrBody{Code: "internal", Message: "no invocation context"})
	}
	if !inv.fuel.Charge(fuelPerHostCall) {
		if inv.deadlineCancel != nil {
			inv.deadlineCancel()
		}
		return packReply(ctx, mod, nil, &hostErrBody{Code: "resource-exhausted", Message: "fuel exhausted"})
	}

	raw, ok := mod.Memory().Read(ptr, size)
	if !ok {
		return packReply(ctx, mod, nil, &hostErrBody{Code: "internal", Message: "request out of bounds"})
	}
	var req Req
	if err := json.Unmarshal(raw, &req); err != nil {
		return packReply(ctx, mod, nil, &hostErrBody{Code: "invalid-request", Message: err.Error()})
	}

	okBody, errBody := handler(inv, req)
	return packReply(ctx, mod, okBody, errBody)
}

// packReply writes {"ok": …} or {"err": …} into guest memory and
// returns the packed pointer.
func packReply(ctx context.Context, mod api.Module, okBody any, errBody *hostErrBody) uint64 {
	var reply map[string]any
	if errBody != nil {
		reply = map[string]any{"err": errBody}
	} else {
		reply = map[string]any{"ok": okBody}
	}
	data, err := json.Marshal(reply)
	if err != nil {
		data = []byte(`{"err":{"code":"internal","message":"encode reply"}}`)
	}
	ptr, err := writeGuestBuffer(ctx, mod, data)
	if err != nil {
		log.Debug().Err(err).Msg("Host call reply write failed")
		return 0
	}
	return uint64(ptr)<<32 | uint64(len(data))
}

// ── Filesystem ──────────────────────────────────────────────

type fsReadReq struct {
	Path string `json:"path"`
}

func hostFSRead(ctx context.Context, mod api.Module, ptr, size uint32) uint64 {
	return hostCall(ctx, mod, ptr, size, func(inv *Invocation, req fsReadReq) (any, *hostErrBody) {
		p := filepath.Clean(req.Path)
		if !inv.template.AllowPath(p, policy.AccessRead) {
			inv.denied("storage", "read "+p)
			return nil, &hostErrBody{Code: accessDenied, Message: fmt.Sprintf("read access to %s denied by policy", p)}
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, &hostErrBody{Code: "io-error", Message: err.Error()}
		}
		return map[string]any{"contents": string(data)}, nil
	})
}

type fsWriteReq struct {
	Path     string `json:"path"`
	Contents string `json:"contents"`
}

func hostFSWrite(ctx context.Context, mod api.Module, ptr, size uint32) uint64 {
	return hostCall(ctx, mod, ptr, size, func(inv *Invocation, req fsWriteReq) (any, *hostErrBody) {
		p := filepath.Clean(req.Path)
		if !inv.template.AllowPath(p, policy.AccessWrite) {
			inv.denied("storage", "write "+p)
			return nil, &hostErrBody{Code: accessDenied, Message: fmt.Sprintf("write access to %s denied by policy", p)}
		}
		if err := os.WriteFile(p, []byte(req.Contents), 0o644); err != nil {
			return nil, &hostErrBody{Code: "io-error", Message: err.Error()}
		}
		return map[string]any{"written": len(req.Contents)}, nil
	})
}

// ── Network ─────────────────────────────────────────────────

type httpReq struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

func hostHTTPRequest(ctx context.Context, mod api.Module, ptr, size uint32) uint64 {
	return hostCall(ctx, mod, ptr, size, func(inv *Invocation, req httpReq) (any, *hostErrBody) {
		u, err := url.Parse(req.URL)
		if err != nil || u.Host == "" {
			return nil, &hostErrBody{Code: "invalid-request", Message: "malformed URL"}
		}
		scheme := u.Scheme
		if scheme != "http" && scheme != "https" {
			return nil, &hostErrBody{Code: "invalid-request", Message: "only http and https are supported"}
		}
		port := portOf(u)

		if !inv.template.AllowNetwork(u.Hostname(), port, scheme) {
			inv.denied("network", fmt.Sprintf("%s %s:%d", scheme, u.Hostname(), port))
			return nil, &hostErrBody{Code: accessDenied, Message: fmt.Sprintf("connection to %s:%d denied by policy", u.Hostname(), port)}
		}

		method := req.Method
		if method == "" {
			method = http.MethodGet
		}
		var body io.Reader
		if req.Body != "" {
			body = strings.NewReader(req.Body)
		}
		httpRequest, err := http.NewRequestWithContext(ctx, method, req.URL, body)
		if err != nil {
			return nil, &hostErrBody{Code: "invalid-request", Message: err.Error()}
		}
		for k, v := range req.Headers {
			httpRequest.Header.Set(k, v)
		}

		resp, err := hostHTTPClient.Do(httpRequest)
		if err != nil {
			return nil, &hostErrBody{Code: "io-error", Message: err.Error()}
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxHostResponseBytes))
		if err != nil {
			return nil, &hostErrBody{Code: "io-error", Message: err.Error()}
		}
		return map[string]any{
			"status": resp.StatusCode,
			"body":   string(respBody),
		}, nil
	})
}

func portOf(u *url.URL) uint16 {
	if p := u.Port(); p != "" {
		if n, err := strconv.ParseUint(p, 10, 16); err == nil {
			return uint16(n)
		}
	}
	if u.Scheme == "http" {
		return 80
	}
	return 443
}

// ── Environment ─────────────────────────────────────────────

type envGetReq struct {
	Key string `json:"key"`
}

func hostEnvGet(ctx context.Context, mod api.Module, ptr, size uint32) uint64 {
	return hostCall(ctx, mod, ptr, size, func(inv *Invocation, req envGetReq) (any, *hostErrBody) {
		v, ok := inv.template.EnvValue(req.Key)
		if !ok {
			inv.denied("environment", req.Key)
			return nil, &hostErrBody{Code: accessDenied, Message: fmt.Sprintf("environment variable %s denied by policy", req.Key)}
		}
		return map[string]any{"value": v}, nil
	})
}
