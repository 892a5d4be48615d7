// Package mcpmgr owns the client side of a single MCP server. A Connection
// dials the server over stdio, Streamable HTTP (falling back to SSE) or a
// caller supplied transport, then publishes its status and tool list as
// observable values.
//
// # Lifecycle
//
//   - New builds a stopped Connection and seeds its tools from the tool cache.
//   - Start checks trust, dials with bounded retries and lists tools. Calls
//     made while a start is in flight share its outcome.
//   - Stop closes the session; tools stay published and the cache state
//     drops back to from-cache, or outdated once the definition changes.
//
// Tool list change notifications trigger a re-list. Elicitation requests are
// forwarded to the handler installed with SetElicitationHandler, and
// "elicitation complete" notifications reach OnElicitationComplete
// subscribers.
//
// FromLaunch maps a declared LaunchConfig to a ServerConfig; Options.Configure
// can replace it, which is how tests drive in-memory servers. Use TransportOf
// or the AsStdio/AsHTTP narrowers to branch on concrete configs. Do not
// marshal BaseServerConfig directly: it contains function fields.
package mcpmgr
