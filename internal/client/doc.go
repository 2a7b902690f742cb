// Package client implements the client side of the gateway's websocket
// protocol.
//
// # Overview
//
// A client connection is scoped to one organization, fixed when the socket is
// accepted. After client_hello it may join sessions of that organization,
// send user messages to joined sessions and reset a session's pinned agent.
// Joined sessions stream session_event_v2 frames in seq order: first the
// backfill after the requested seq, then live events.
//
// # Structure
//
// Protocol logic lives in [Handle], a pure function from (State, Input) to
// (State, []Effect). [Server.Serve] owns the socket: it decodes frames,
// applies the per-connection rate limit, feeds inputs to Handle and executes
// the effects it returns. Results of effects that need I/O (session lookups,
// routing) re-enter Handle as inputs.
//
// [Hub] tracks live connections per organization so routing errors that occur
// after a send was accepted can reach the connections watching the session.
//
// # Errors
//
// Every failure a client can observe is a session_error frame carrying one of
// the router error codes. Frames that are not JSON objects of a known type
// are dropped without a reply.
package client
