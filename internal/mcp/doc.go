// Package mcp builds Model Context Protocol requests for the bridged child.
//
// The bridge never interprets domain payloads, but a few endpoints speak MCP
// on the caller's behalf: the initialize handshake, tool listing, and tool
// invocation. Parameter shapes come from the official MCP Go SDK so the wire
// format tracks the protocol rather than hand-written maps.
package mcp
