// Package supervisor manages a collection of MCP servers: it brings
// each configured server to a connected, handshake-complete state,
// caches its discovered tools, routes tool calls to it, detects
// crashes, and applies an exponential-backoff restart policy.
//
// A Supervisor is an explicitly constructed value the host embeds;
// multiple independent instances coexist cleanly. Server definitions
// can be persisted through a configstore.Store, which the supervisor
// reads once at construction and rewrites after every add, update, or
// remove.
package supervisor
