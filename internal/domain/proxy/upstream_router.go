// Package proxy contains the core domain logic for the MCP proxy.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aegisgate/aegisgate/pkg/mcp"
)

// JSON-RPC error codes used by the router.
const (
	// ErrCodeMethodNotFound is returned when a tool is not found in any upstream.
	ErrCodeMethodNotFound int64 = -32601
	// ErrCodeInternal is returned when an upstream connection fails.
	ErrCodeInternal int64 = -32603
	// ErrCodeNoUpstreams is returned when no upstreams are available (503-equivalent).
	ErrCodeNoUpstreams int64 = -32000
)

// namespaceSeparator joins an upstream's name to a tool name in aggregated
// tools/list results: "<server>__<tool>". tools/call requests carrying this
// prefix are routed to the named server with the prefix stripped.
const namespaceSeparator = "__"

// defaultAggregateTimeout bounds how long the router waits for any single
// upstream's response during a tools/list or resources/list fan-out. A slow
// or hung upstream is excluded from the aggregate rather than blocking it.
const defaultAggregateTimeout = 10 * time.Second

// ConnectedUpstream identifies a live upstream connection for routing
// purposes. Only connected upstreams are eligible targets.
type ConnectedUpstream struct {
	// ID is the upstream's internal identifier, used to fetch its connection.
	ID string
	// Name is the upstream's configured display name and the namespace used
	// for tool prefixing and resource-scheme routing.
	Name string
}

// UpstreamConnectionProvider provides access to upstream connections.
// The UpstreamManager will satisfy this interface.
type UpstreamConnectionProvider interface {
	// GetConnection returns the stdin writer and stdout reader for an upstream.
	GetConnection(upstreamID string) (io.WriteCloser, io.ReadCloser, error)
	// AllConnected returns true if at least one upstream is connected.
	AllConnected() bool
	// ConnectedUpstreams returns the set of currently connected upstreams,
	// ordered deterministically (by ID) so "first connected server" fallback
	// routing is stable across calls.
	ConnectedUpstreams() []ConnectedUpstream
}

// UpstreamRouter routes MCP messages to the appropriate upstream. tools/call
// and resources/read are routed by namespace (tool prefix or URI scheme);
// tools/list and resources/list fan out live to every connected upstream and
// merge the results. It is the innermost interceptor in the chain for
// multi-upstream mode.
type UpstreamRouter struct {
	manager          UpstreamConnectionProvider
	logger           *slog.Logger
	aggregateTimeout time.Duration
}

// NewUpstreamRouter creates a new UpstreamRouter.
func NewUpstreamRouter(manager UpstreamConnectionProvider, logger *slog.Logger) *UpstreamRouter {
	return &UpstreamRouter{
		manager:          manager,
		logger:           logger,
		aggregateTimeout: defaultAggregateTimeout,
	}
}

// Intercept routes the message to the appropriate upstream based on method type.
//   - tools/list, resources/list: fan out to every connected upstream concurrently
//     and merge the results (partial failures are tolerated).
//   - tools/call: routes by namespace prefix (<server>__<tool>), stripping the
//     prefix before forwarding. Without a recognized prefix, routes to the
//     first connected upstream.
//   - resources/read: routes by the request URI's scheme (gmail://... -> gmail).
//   - other methods: forwards to the first connected upstream.
func (r *UpstreamRouter) Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	// Server-to-client messages (responses) pass through without routing.
	// Only client-to-server requests need to be routed to upstreams.
	if msg.Direction == mcp.ServerToClient {
		return msg, nil
	}

	// Check if any upstreams are available.
	if !r.manager.AllConnected() {
		r.logger.Warn("no upstreams available")
		return r.buildErrorResponse(msg, ErrCodeNoUpstreams, "No upstreams available"), nil
	}

	method := msg.Method()

	switch method {
	case "initialize":
		return r.handleInitialize(msg)
	case "notifications/initialized", "initialized":
		// Client acknowledgement — no response needed, just consume it.
		return r.buildResultResponse(msg, map[string]any{})
	case "tools/list":
		return r.handleToolsList(ctx, msg)
	case "tools/call":
		return r.handleToolsCall(ctx, msg)
	case "resources/list":
		return r.handleResourcesList(ctx, msg)
	default:
		return r.handleForward(ctx, msg)
	}
}

// handleToolsList fans out to every connected upstream concurrently, each
// bounded by aggregateTimeout, and merges the results. Each tool name is
// rewritten to "<server>__<originalName>" exactly once. A server that errors
// or times out contributes nothing to the aggregate and is logged as a
// warning; it never fails the request for the client.
func (r *UpstreamRouter) handleToolsList(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	connected := r.manager.ConnectedUpstreams()

	type fanOutResult struct {
		upstream ConnectedUpstream
		tools    []toolEntry
		err      error
	}

	results := make(chan fanOutResult, len(connected))
	var wg sync.WaitGroup
	for _, up := range connected {
		up := up
		wg.Add(1)
		go func() {
			defer wg.Done()
			tools, err := r.fetchToolsList(ctx, up, msg)
			results <- fanOutResult{upstream: up, tools: tools, err: err}
		}()
	}
	wg.Wait()
	close(results)

	allTools := make([]toolEntry, 0, len(connected))
	for res := range results {
		if res.err != nil {
			r.logger.Warn("tools/list fan-out failed", "upstream", res.upstream.Name, "error", res.err)
			continue
		}
		allTools = append(allTools, res.tools...)
	}

	// Sort tools by name for deterministic ordering.
	sort.Slice(allTools, func(i, j int) bool {
		return allTools[i].Name < allTools[j].Name
	})

	return r.buildResultResponse(msg, toolsListResult{Tools: allTools})
}

// fetchToolsList sends the tools/list request to a single upstream and
// returns its tools with names prefixed by the upstream's namespace.
func (r *UpstreamRouter) fetchToolsList(ctx context.Context, up ConnectedUpstream, msg *mcp.Message) ([]toolEntry, error) {
	writer, reader, err := r.manager.GetConnection(up.ID)
	if err != nil {
		return nil, err
	}

	fctx, cancel := context.WithTimeout(ctx, r.aggregateTimeout)
	defer cancel()

	resp, err := r.forwardWithTimeout(fctx, msg, writer, reader)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Result struct {
			Tools []toolEntry `json:"tools"`
		} `json:"result"`
		Error *jsonRPCErrorDetail `json:"error"`
	}
	if err := json.Unmarshal(resp.Raw, &parsed); err != nil {
		return nil, fmt.Errorf("parsing tools/list response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("upstream error: %s", parsed.Error.Message)
	}

	for i := range parsed.Result.Tools {
		parsed.Result.Tools[i].Name = up.Name + namespaceSeparator + parsed.Result.Tools[i].Name
	}
	return parsed.Result.Tools, nil
}

// handleResourcesList fans out to every connected upstream the same way
// handleToolsList does. Resource URIs are already namespaced by scheme, so
// they are returned as-is without rewriting.
func (r *UpstreamRouter) handleResourcesList(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	connected := r.manager.ConnectedUpstreams()

	type fanOutResult struct {
		upstream  ConnectedUpstream
		resources []json.RawMessage
		err       error
	}

	results := make(chan fanOutResult, len(connected))
	var wg sync.WaitGroup
	for _, up := range connected {
		up := up
		wg.Add(1)
		go func() {
			defer wg.Done()
			resources, err := r.fetchResourcesList(ctx, up, msg)
			results <- fanOutResult{upstream: up, resources: resources, err: err}
		}()
	}
	wg.Wait()
	close(results)

	allResources := make([]json.RawMessage, 0, len(connected))
	for res := range results {
		if res.err != nil {
			r.logger.Warn("resources/list fan-out failed", "upstream", res.upstream.Name, "error", res.err)
			continue
		}
		allResources = append(allResources, res.resources...)
	}

	return r.buildResultResponse(msg, resourcesListResult{Resources: allResources})
}

// fetchResourcesList sends the resources/list request to a single upstream.
func (r *UpstreamRouter) fetchResourcesList(ctx context.Context, up ConnectedUpstream, msg *mcp.Message) ([]json.RawMessage, error) {
	writer, reader, err := r.manager.GetConnection(up.ID)
	if err != nil {
		return nil, err
	}

	fctx, cancel := context.WithTimeout(ctx, r.aggregateTimeout)
	defer cancel()

	resp, err := r.forwardWithTimeout(fctx, msg, writer, reader)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Result struct {
			Resources []json.RawMessage `json:"resources"`
		} `json:"result"`
		Error *jsonRPCErrorDetail `json:"error"`
	}
	if err := json.Unmarshal(resp.Raw, &parsed); err != nil {
		return nil, fmt.Errorf("parsing resources/list response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("upstream error: %s", parsed.Error.Message)
	}
	return parsed.Result.Resources, nil
}

// handleToolsCall routes a tools/call request by namespace. A tool name of
// the form "<server>__<tool>" is routed to the named server with the prefix
// stripped before forwarding. A tool name without a recognized server prefix
// is routed to the first connected server (documented fallback), unmodified.
func (r *UpstreamRouter) handleToolsCall(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	toolName := r.extractToolName(msg)
	if toolName == "" {
		r.logger.Warn("tools/call missing tool name")
		return r.buildErrorResponse(msg, ErrCodeMethodNotFound, "Tool not found: (empty name)"), nil
	}

	connected := r.manager.ConnectedUpstreams()
	if len(connected) == 0 {
		return r.buildErrorResponse(msg, ErrCodeNoUpstreams, "No upstreams available"), nil
	}

	target, forwardName := resolveToolTarget(toolName, connected)

	raw := msg.Raw
	if forwardName != toolName {
		rewritten, err := rewriteToolName(msg.Raw, forwardName)
		if err != nil {
			r.logger.Error("failed to rewrite tool name", "tool", toolName, "error", err)
			return r.buildErrorResponse(msg, ErrCodeInternal, "failed to route tool call"), nil
		}
		raw = rewritten
	}

	r.logger.Debug("routing tools/call", "tool", toolName, "upstream", target.Name, "forwarded_name", forwardName)

	writer, reader, err := r.manager.GetConnection(target.ID)
	if err != nil {
		r.logger.Error("upstream connection failed", "upstream", target.Name, "error", err)
		return r.buildErrorResponse(msg, ErrCodeInternal, fmt.Sprintf("Upstream unavailable: %s", target.Name)), nil
	}

	forwardMsg := &mcp.Message{Raw: raw, Direction: msg.Direction}
	return r.forwardToUpstream(forwardMsg, writer, reader)
}

// resolveToolTarget splits a tool name on the namespace separator and checks
// whether the prefix names a connected upstream. If so, it returns that
// upstream and the tool name with the prefix stripped. Otherwise it falls
// back to the first connected upstream and leaves the name unmodified —
// this covers both unprefixed names and unknown namespaces.
func resolveToolTarget(toolName string, connected []ConnectedUpstream) (ConnectedUpstream, string) {
	if server, rest, found := strings.Cut(toolName, namespaceSeparator); found {
		for _, up := range connected {
			if up.Name == server {
				return up, rest
			}
		}
	}
	return connected[0], toolName
}

// rewriteToolName returns raw with params.name replaced by newName, leaving
// the rest of the request (id, method, other params) untouched. Operating on
// the raw JSON envelope avoids re-encoding the JSON-RPC ID through the SDK's
// jsonrpc.Message types, which don't round-trip cleanly through interface{}.
func rewriteToolName(raw []byte, newName string) ([]byte, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("parsing request: %w", err)
	}

	params := make(map[string]json.RawMessage)
	if paramsRaw, ok := envelope["params"]; ok {
		if err := json.Unmarshal(paramsRaw, &params); err != nil {
			return nil, fmt.Errorf("parsing params: %w", err)
		}
	}

	nameJSON, err := json.Marshal(newName)
	if err != nil {
		return nil, err
	}
	params["name"] = nameJSON

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	envelope["params"] = paramsJSON

	return json.Marshal(envelope)
}

// handleInitialize responds to the MCP initialize handshake directly.
// The proxy advertises its own capabilities (tools) without forwarding to upstreams.
func (r *UpstreamRouter) handleInitialize(msg *mcp.Message) (*mcp.Message, error) {
	r.logger.Debug("handling initialize locally")

	result := map[string]any{
		"protocolVersion": "2025-06-18",
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    "sentinel-gate",
			"version": "1.0.0",
		},
	}

	return r.buildResultResponse(msg, result)
}

// handleForward routes non-aggregate messages to a single upstream.
// resources/read is routed by the request URI's scheme; everything else
// (and any resources/read whose scheme doesn't match a connected upstream)
// goes to the first connected server.
func (r *UpstreamRouter) handleForward(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	r.logger.Debug("forwarding message to upstream", "method", msg.Method())

	connected := r.manager.ConnectedUpstreams()
	if len(connected) == 0 {
		r.logger.Error("no upstream available for forwarding", "method", msg.Method())
		return r.buildErrorResponse(msg, ErrCodeNoUpstreams, "No upstream available"), nil
	}

	target := connected[0]
	if msg.Method() == "resources/read" {
		if scheme := r.resourceScheme(msg); scheme != "" {
			for _, up := range connected {
				if up.Name == scheme {
					target = up
					break
				}
			}
		}
	}

	writer, reader, err := r.manager.GetConnection(target.ID)
	if err != nil {
		r.logger.Error("upstream connection failed", "upstream", target.Name, "error", err)
		return r.buildErrorResponse(msg, ErrCodeNoUpstreams, "No upstream available"), nil
	}

	return r.forwardToUpstream(msg, writer, reader)
}

// resourceScheme extracts the URI scheme from a resources/read request's
// params, e.g. "gmail://inbox/1" -> "gmail". Returns "" if the params or the
// URI are missing or unparseable.
func (r *UpstreamRouter) resourceScheme(msg *mcp.Message) string {
	params := msg.ParseParams()
	if params == nil {
		return ""
	}
	uriStr, ok := params["uri"].(string)
	if !ok {
		return ""
	}
	parsed, err := url.Parse(uriStr)
	if err != nil {
		return ""
	}
	return parsed.Scheme
}

// forwardWithTimeout runs forwardToUpstream in a goroutine and abandons
// waiting on it once ctx is done. The underlying stdin/stdout pipes don't
// support cancellation directly, so a timed-out call leaves its goroutine
// blocked on the read until the upstream responds or the pipe closes; this
// only matters for aggregate fan-out, where the response is discarded anyway.
func (r *UpstreamRouter) forwardWithTimeout(ctx context.Context, msg *mcp.Message, writer io.WriteCloser, reader io.ReadCloser) (*mcp.Message, error) {
	type result struct {
		resp *mcp.Message
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := r.forwardToUpstream(msg, writer, reader)
		done <- result{resp: resp, err: err}
	}()

	select {
	case res := <-done:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("upstream timed out: %w", ctx.Err())
	}
}

// forwardToUpstream writes the raw message to the upstream's stdin and reads the response.
func (r *UpstreamRouter) forwardToUpstream(msg *mcp.Message, writer io.WriteCloser, reader io.ReadCloser) (*mcp.Message, error) {
	// Write the raw message to upstream stdin (newline-delimited).
	data := msg.Raw
	if len(data) == 0 {
		return nil, fmt.Errorf("empty message to forward")
	}

	// Append newline if not already present.
	if data[len(data)-1] != '\n' {
		data = append(data, '\n')
	}

	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("writing to upstream: %w", err)
	}

	// Read response from upstream stdout (newline-delimited JSON).
	scanner := bufio.NewScanner(reader)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("reading from upstream: %w", err)
		}
		return nil, fmt.Errorf("upstream closed connection without response")
	}

	responseBytes := scanner.Bytes()

	return &mcp.Message{
		Raw:       responseBytes,
		Direction: mcp.ServerToClient,
		Timestamp: time.Now(),
	}, nil
}

// extractToolName extracts the tool name from a tools/call request's params.
func (r *UpstreamRouter) extractToolName(msg *mcp.Message) string {
	params := msg.ParseParams()
	if params == nil {
		return ""
	}
	name, ok := params["name"].(string)
	if !ok {
		return ""
	}
	return name
}

// buildErrorResponse constructs a JSON-RPC error response message.
func (r *UpstreamRouter) buildErrorResponse(msg *mcp.Message, code int64, message string) *mcp.Message {
	// Extract the request ID to include in the error response.
	rawID := msg.RawID()

	resp := jsonRPCError{
		JSONRPC: "2.0",
		Error: jsonRPCErrorDetail{
			Code:    code,
			Message: message,
		},
	}

	// Set the ID if present.
	if rawID != nil {
		resp.ID = rawID
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		r.logger.Error("failed to marshal error response", "error", err)
		return msg
	}

	return &mcp.Message{
		Raw:       raw,
		Direction: mcp.ServerToClient,
		Timestamp: time.Now(),
	}
}

// buildResultResponse constructs a JSON-RPC success response message.
func (r *UpstreamRouter) buildResultResponse(msg *mcp.Message, result interface{}) (*mcp.Message, error) {
	rawID := msg.RawID()

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}

	resp := jsonRPCResult{
		JSONRPC: "2.0",
		Result:  json.RawMessage(resultJSON),
	}

	if rawID != nil {
		resp.ID = rawID
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("marshaling response: %w", err)
	}

	return &mcp.Message{
		Raw:       raw,
		Direction: mcp.ServerToClient,
		Timestamp: time.Now(),
	}, nil
}

// --- JSON response types ---

type jsonRPCError struct {
	JSONRPC string             `json:"jsonrpc"`
	ID      json.RawMessage    `json:"id,omitempty"`
	Error   jsonRPCErrorDetail `json:"error"`
}

type jsonRPCErrorDetail struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

type jsonRPCResult struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result"`
}

type toolEntry struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type toolsListResult struct {
	Tools []toolEntry `json:"tools"`
}

type resourcesListResult struct {
	Resources []json.RawMessage `json:"resources"`
}

// Compile-time check that UpstreamRouter implements MessageInterceptor.
var _ MessageInterceptor = (*UpstreamRouter)(nil)
