package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wagiedev/mcpbridge/internal/config"
	"github.com/wagiedev/mcpbridge/internal/errors"
	"github.com/wagiedev/mcpbridge/internal/mcp"
	"github.com/wagiedev/mcpbridge/internal/message"
	"github.com/wagiedev/mcpbridge/internal/supervisor"
	"github.com/wagiedev/mcpbridge/internal/telemetry"
)

// Sharer hands out the shared process and reports its status.
//
// This interface is satisfied by *supervisor.Supervisor.
type Sharer interface {
	AcquireShared(ctx context.Context) (*supervisor.Handle, error)
	Status() supervisor.Status
}

// Counter reports a number of open connections or streams for /health.
type Counter interface {
	Active() int64
}

// Config configures the HTTP handler.
type Config struct {
	// CallTimeout bounds each correlated call. Zero uses the supervisor's
	// default.
	CallTimeout time.Duration

	// WebhookURL is the initial n8n webhook target. It can be replaced at
	// runtime through /configure.
	WebhookURL string

	// Version is reported by /health and sent as the client version during
	// the MCP handshake.
	Version string

	// MaxBodySize caps request bodies. Zero uses config.DefaultMaxLineSize.
	MaxBodySize int64

	// Stream serves /mcp/stream when set.
	Stream http.Handler

	// Streams and Duplex feed the connection counts in /health. Either may
	// be nil.
	Streams Counter
	Duplex  Counter

	// HTTPClient posts to the webhook. Nil uses a client with a 30s timeout.
	HTTPClient *http.Client
}

// Handler serves the request/response routes.
type Handler struct {
	log       *slog.Logger
	sharer    Sharer
	cfg       Config
	mux       *http.ServeMux
	schemas   *schemas
	handshake *mcp.Handshake
	tracer    trace.Tracer
	client    *http.Client
	webhook   atomic.Pointer[string]
	startedAt time.Time
}

// NewHandler creates the HTTP handler.
func NewHandler(log *slog.Logger, sharer Sharer, cfg Config) (*Handler, error) {
	resolved, err := resolveSchemas()
	if err != nil {
		return nil, err
	}

	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = config.DefaultMaxLineSize
	}

	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	h := &Handler{
		log:       log.With("component", "http"),
		sharer:    sharer,
		cfg:       cfg,
		mux:       http.NewServeMux(),
		schemas:   resolved,
		handshake: mcp.NewHandshake(log, cfg.Version),
		tracer:    telemetry.Tracer(),
		client:    client,
		startedAt: time.Now(),
	}

	if cfg.WebhookURL != "" {
		webhook := cfg.WebhookURL
		h.webhook.Store(&webhook)
	}

	h.mux.HandleFunc("POST /mcp/call", h.handleCall)
	h.mux.HandleFunc("GET /tools/list", h.handleListTools)
	h.mux.HandleFunc("POST /tools/list", h.handleListTools)
	h.mux.HandleFunc("POST /tools/call", h.handleCallTool)
	h.mux.HandleFunc("GET /capabilities", h.handleCapabilities)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("POST /configure", h.handleConfigure)

	if cfg.Stream != nil {
		h.mux.Handle("GET /mcp/stream", cfg.Stream)
	}

	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// WebhookURL returns the current webhook target, or "" when unset.
func (h *Handler) WebhookURL() string {
	if p := h.webhook.Load(); p != nil {
		return *p
	}

	return ""
}

// callRequest is the body of POST /mcp/call.
type callRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// defaultID is used when the caller omits an id.
var defaultID = json.RawMessage(`1`)

func (h *Handler) handleCall(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if !h.decode(w, r, h.schemas.call, &req) {
		return
	}

	callerID := req.ID
	if len(callerID) == 0 || string(callerID) == "null" {
		callerID = defaultID
	}

	if req.Method == "" {
		h.writeInvalid(w, callerID, "method must not be empty")

		return
	}

	resp, err := h.call(r.Context(), req.Method, req.Params)
	if err != nil {
		h.writeCallError(w, r, callerID, req.Method, err)

		return
	}

	writeJSON(w, http.StatusOK, resp.WithID(callerID))
}

func (h *Handler) handleListTools(w http.ResponseWriter, r *http.Request) {
	params, err := mcp.ListToolsParams(r.URL.Query().Get("cursor"))
	if err != nil {
		h.writeCallError(w, r, defaultID, mcp.MethodListTools, err)

		return
	}

	resp, err := h.call(r.Context(), mcp.MethodListTools, params)
	if err != nil {
		h.writeCallError(w, r, defaultID, mcp.MethodListTools, err)

		return
	}

	if resp.Error == nil {
		if names, err := mcp.ToolNames(resp.Result); err == nil {
			h.log.Debug("Listed tools", "count", len(names), "tools", names)
		}
	}

	writeJSON(w, http.StatusOK, resp.WithID(defaultID))
}

// toolCallRequest is the body of POST /tools/call.
type toolCallRequest struct {
	ToolName  string                     `json:"tool_name"`
	Arguments json.RawMessage            `json:"arguments"`
	N8nData   map[string]json.RawMessage `json:"n8n_data"`
}

func (h *Handler) handleCallTool(w http.ResponseWriter, r *http.Request) {
	var req toolCallRequest
	if !h.decode(w, r, h.schemas.toolCall, &req) {
		return
	}

	if req.ToolName == "" {
		h.writeInvalid(w, defaultID, "tool_name required")

		return
	}

	params, err := mcp.CallToolParams(req.ToolName, req.Arguments)
	if err != nil {
		h.writeCallError(w, r, defaultID, mcp.MethodCallTool, err)

		return
	}

	resp, err := h.call(r.Context(), mcp.MethodCallTool, params)
	if err != nil {
		h.writeCallError(w, r, defaultID, mcp.MethodCallTool, err)

		return
	}

	resp = resp.WithID(defaultID)

	webhook := h.WebhookURL()
	if webhook == "" || len(req.N8nData) == 0 {
		writeJSON(w, http.StatusOK, resp)

		return
	}

	forwarded, err := h.forward(r.Context(), webhook, req, resp)
	if err != nil {
		h.writeCallError(w, r, defaultID, mcp.MethodCallTool, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"mcp_response": resp,
		"n8n_response": forwarded,
	})
}

// forward posts the tool result to the webhook and returns its reply. The
// n8n_data fields are merged into the top level of the payload.
func (h *Handler) forward(
	ctx context.Context,
	webhook string,
	req toolCallRequest,
	resp *message.Message,
) (json.RawMessage, error) {
	payload := make(map[string]any, len(req.N8nData)+3)
	for k, v := range req.N8nData {
		payload[k] = v
	}

	payload["mcp_response"] = resp
	payload["tool_name"] = req.ToolName
	payload["arguments"] = req.Arguments

	if req.Arguments == nil {
		payload["arguments"] = map[string]any{}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal webhook payload: %w", err)
	}

	ctx, span := h.tracer.Start(ctx, "webhook.forward")
	defer span.End()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook, bytes.NewReader(body))
	if err != nil {
		return nil, &errors.TransportError{Op: "webhook", Remote: webhook, Err: err}
	}

	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := h.client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook unreachable")

		return nil, &errors.TransportError{Op: "webhook", Remote: webhook, Err: err}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, h.cfg.MaxBodySize))
	if err != nil {
		return nil, &errors.TransportError{Op: "webhook", Remote: webhook, Err: err}
	}

	span.SetAttributes(attribute.Int("http.status_code", httpResp.StatusCode))

	if httpResp.StatusCode >= http.StatusBadRequest {
		return nil, &errors.TransportError{
			Op:     "webhook",
			Remote: webhook,
			Err:    fmt.Errorf("status %d: %s", httpResp.StatusCode, data),
		}
	}

	h.log.Debug("Forwarded tool result to webhook", "tool", req.ToolName, "status", httpResp.StatusCode)

	if json.Valid(data) {
		return data, nil
	}

	// Non-JSON replies are passed back as a string.
	quoted, err := json.Marshal(string(data))
	if err != nil {
		return nil, fmt.Errorf("marshal webhook reply: %w", err)
	}

	return quoted, nil
}

func (h *Handler) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "mcp.initialize")
	defer span.End()

	handle, err := h.sharer.AcquireShared(ctx)
	if err != nil {
		span.RecordError(err)
		h.writeCallError(w, r, defaultID, mcp.MethodInitialize, err)

		return
	}

	resp, err := h.handshake.Initialize(ctx, handle, h.cfg.CallTimeout)
	if err != nil {
		span.RecordError(err)
		h.writeCallError(w, r, defaultID, mcp.MethodInitialize, err)

		return
	}

	writeJSON(w, http.StatusOK, resp.WithID(defaultID))
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status            string            `json:"status"`
	Service           string            `json:"service"`
	Version           string            `json:"version"`
	UptimeSeconds     float64           `json:"uptime_seconds"`
	Process           supervisor.Status `json:"process"`
	Streams           int64             `json:"streams"`
	DuplexConnections int64             `json:"duplex_connections"`
	WebhookConfigured bool              `json:"webhook_configured"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := h.sharer.Status()

	resp := healthResponse{
		Status:            "healthy",
		Service:           "mcpbridge",
		Version:           h.cfg.Version,
		UptimeSeconds:     time.Since(h.startedAt).Seconds(),
		Process:           status,
		WebhookConfigured: h.WebhookURL() != "",
	}

	if status.Closed {
		resp.Status = "closed"
	}

	if h.cfg.Streams != nil {
		resp.Streams = h.cfg.Streams.Active()
	}

	if h.cfg.Duplex != nil {
		resp.DuplexConnections = h.cfg.Duplex.Active()
	}

	writeJSON(w, http.StatusOK, resp)
}

// configureRequest is the body of POST /configure.
type configureRequest struct {
	WebhookURL string `json:"webhook_url"`
}

func (h *Handler) handleConfigure(w http.ResponseWriter, r *http.Request) {
	var req configureRequest
	if !h.decode(w, r, h.schemas.configure, &req) {
		return
	}

	u, err := url.Parse(req.WebhookURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		h.writeInvalid(w, defaultID, "webhook_url must be an absolute http(s) URL")

		return
	}

	h.webhook.Store(&req.WebhookURL)
	h.log.Info("Webhook configured", "webhook_url", req.WebhookURL)

	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "configured",
		"webhook_url": req.WebhookURL,
	})
}

// call runs one correlated call against the shared process inside a span.
func (h *Handler) call(ctx context.Context, method string, params json.RawMessage) (*message.Message, error) {
	ctx, span := h.tracer.Start(ctx, "mcp.call", trace.WithAttributes(
		attribute.String("rpc.method", method),
	))
	defer span.End()

	handle, err := h.sharer.AcquireShared(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "acquire failed")

		return nil, err
	}

	span.SetAttributes(attribute.String("process.id", handle.ProcessID()))

	resp, err := handle.Call(ctx, method, params, h.cfg.CallTimeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "call failed")

		return nil, err
	}

	if resp.Error != nil {
		span.SetAttributes(attribute.Int("rpc.jsonrpc.error_code", resp.Error.Code))
	}

	return resp, nil
}

// decode reads, validates, and decodes a JSON body. It writes a 400 and
// returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, schema *jsonschema.Resolved, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodySize))
	if err != nil {
		h.writeInvalid(w, defaultID, "read body: "+err.Error())

		return false
	}

	var instance any
	if err := json.Unmarshal(body, &instance); err != nil {
		writeJSON(w, http.StatusBadRequest, message.NewErrorResponse(defaultID, message.CodeParseError, "invalid JSON: "+err.Error()))

		return false
	}

	if err := schema.Validate(instance); err != nil {
		h.writeInvalid(w, defaultID, err.Error())

		return false
	}

	if err := json.Unmarshal(body, dst); err != nil {
		h.writeInvalid(w, defaultID, err.Error())

		return false
	}

	return true
}

func (h *Handler) writeInvalid(w http.ResponseWriter, id json.RawMessage, msg string) {
	h.log.Debug("Rejecting invalid request", "reason", msg)
	writeJSON(w, http.StatusBadRequest, message.NewErrorResponse(id, message.CodeInvalidRequest, msg))
}

// writeCallError maps a call failure onto an HTTP status. A caller that has
// gone away gets nothing written.
func (h *Handler) writeCallError(w http.ResponseWriter, r *http.Request, id json.RawMessage, method string, err error) {
	if r.Context().Err() != nil {
		h.log.Debug("Caller went away", "method", method, "error", err)

		return
	}

	status := StatusFor(err)

	if status >= http.StatusInternalServerError {
		h.log.Warn("Call failed", "method", method, "status", status, "error", err)
	}

	writeJSON(w, status, message.NewErrorResponse(id, message.CodeInternalError, err.Error()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}
