// Package mcp implements a Model Context Protocol client for the tool
// execution backend. Two transports are supported: stdio (the server
// runs as a subprocess speaking newline-delimited JSON-RPC) and
// streamable HTTP (JSON-RPC over POST, with SSE-framed responses
// tolerated). The client performs the initialize handshake and exposes
// tools/list and tools/call; tool results are flattened into plain
// map payloads so callers never see wire-level content blocks.
package mcp
