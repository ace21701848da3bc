// Package mcpgateway serves the gateway's single Streamable MCP endpoint.
// Every tool from every connected backend is listed under its namespaced
// name and routed through the billing dispatcher, alongside a small set of
// platform tools and resources that report on the caller's own account.
//
// Requests carry a bearer token (an API key or a JWT). The identity it
// resolves to is bound to the transport session on initialize, and later
// requests on that session must present the same identity.
//
// The same HTTP handler also serves GET /health and an operator JSON API
// under /api/.
package mcpgateway
