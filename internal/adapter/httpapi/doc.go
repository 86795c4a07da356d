// Package httpapi implements the request/response transport.
//
// Each HTTP request becomes one correlated call against the shared child
// process. The handler is stateless per call; the caller's JSON-RPC id is
// restored on the way out so concurrent callers may reuse ids freely.
//
// Routes:
//
//	POST     /mcp/call      raw JSON-RPC call {jsonrpc?, id?, method, params?}
//	GET|POST /tools/list    MCP tools/list
//	POST     /tools/call    {tool_name, arguments?, n8n_data?} with optional webhook forwarding
//	GET      /capabilities  MCP initialize result, cached per process instance
//	GET      /health        bridge and process status; never spawns a process
//	POST     /configure     {webhook_url}
//	GET      /mcp/stream    keep-alive event stream, when configured
package httpapi
