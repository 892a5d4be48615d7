// Package mcpgateway serves the host's tool registry to downstream MCP
// clients over a single Streamable HTTP endpoint. The advertised tool list
// follows the registry after every flush, and calls are routed through
// registry.Invoke so confirmation and auto-start apply to gateway traffic the
// same way they apply to local callers.
package mcpgateway
