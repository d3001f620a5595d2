// Package mcp implements the client side of the Model Context Protocol:
// JSON-RPC 2.0 message types, transports for subprocess (stdio) and
// websocket servers, and an asynchronous Client that correlates
// concurrent requests with their responses.
//
// A Transport moves raw JSON documents in both directions and reports
// disconnection exactly once. The Client layers request/response
// correlation, the initialize handshake, and the tools/list and
// tools/call operations on top of one Transport. Lifecycle management
// across many servers lives in the supervisor package.
package mcp
