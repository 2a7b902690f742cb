// Package gateway assembles vespid-gateway's components and serves its
// network surfaces.
//
// # Surfaces
//
// HTTP, routed with chi:
//
//   - GET /health - liveness
//   - GET /health/ready - store and run queue reachability
//   - POST /api/agents/pair - redeem a pairing token for an agent credential
//   - GET /api/sessions/{id}/events?after=&limit= - page a session's event log
//   - GET /ws/agent - agent executor socket, bearer vpa_ credential
//   - GET /ws/client?orgId= - client socket, JWT in the Authorization header or ?token=
//
// gRPC: the vespid.control.v1.Control operator service (see package control),
// served with the protobuf Struct codec on its own listener.
//
// # Agent sockets
//
// The first frame must be a hello. Its encoding picks the socket's mode: a
// text hello keeps JSON frames, a binary hello switches the gateway's writes
// to CBOR. The agent is dispatchable once Register runs and receives a
// welcome frame carrying its ID.
//
// # Lifecycle
//
//	gw, err := gateway.New(ctx, cfg, logger)
//	err = gw.Run(ctx) // returns after ctx ends and shutdown completes
//
// Shutdown stops the listeners first, then the liveness sweeper, client
// connections, the router's in-flight work and agent sockets, and finally
// the event log, run queue and store. It is safe to call more than once.
package gateway
