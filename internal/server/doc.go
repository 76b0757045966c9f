// Package server provides the HTTP API of the relay. It exposes
// conversations, approvals and events, hosts the web gateway, and mounts
// the agent's MCP approval endpoint.
//
// # Routes
//
//	GET  /conversation                        list conversations
//	GET  /conversation/{id}                   conversation status
//	POST /conversation/{id}/clear             clear the session
//	POST /conversation/{id}/rewind            {"count": n}, default 1
//	GET  /conversation/{id}/compact           history depth
//	POST /conversation/{id}/stop              abort the running turn
//	GET  /conversation/{id}/message           web gateway messages
//	POST /conversation/{id}/message           {"content", "userID"}
//	POST /conversation/{id}/message/{mid}/reaction  {"approved", "userID"}
//	GET  /approval                            pending approvals
//	POST /approval/{requestID}                {"approved", "always", "userID"}
//	GET  /event                               server-sent events
//	     /mcp/{conversationID}                MCP permission-prompt endpoint
//
// Errors use one envelope:
//
//	{"error": {"code": "NOT_FOUND", "message": "...", "details": {...}}}
//
// # Events
//
// /event streams every bus event as
//
//	event: message
//	data: {"type": "turn.started", "data": {"conversationID": "c1"}}
//
// preceded by a server.connected event and interleaved with heartbeat
// comments every 30 seconds.
package server
