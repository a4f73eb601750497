// Package mcp defines the wire-level protocol types the gateway exchanges
// with clients: the initialize handshake, tool descriptors, and tool call
// results. Only the subset of the protocol the gateway implements is
// modeled here.
package mcp
