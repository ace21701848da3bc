// Package mcpmgr manages the gateway's connections to backend MCP
// tool-servers. Each configured backend gets one Channel, opened over stdio,
// streamable HTTP, or SSE with the modelcontextprotocol/go-sdk client.
//
// # Core entry points
//
//   - Manager owns every channel. ConnectAll dials all backends in parallel
//     and keeps the ones that come up; a backend that fails is logged and
//     left out of the active set.
//   - Invoke forwards a tool call to an active backend under that backend's
//     timeout.
//   - Shutdown detaches every channel and closes them concurrently. It is
//     idempotent and never fails.
//
// Tool lists are captured once, when a backend connects. A backend whose
// connection ends is dropped from the active set and is not redialed.
//
// Tests can substitute the transport layer with a Dialer; see the
// mcpmgrtest package for in-process backends.
package mcpmgr
