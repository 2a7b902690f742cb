// Package agent manages the websocket connections of paired agents.
//
// # Manager
//
// The Manager maps agent IDs to live connections:
//
//   - Register(conn): add a connection, replacing and closing any previous
//     connection for the same agent
//   - Unregister(conn): remove conn, but only if it is still the registered one
//   - GetAgent(id), IsOnline(id), Connected(orgID)
//
// A connection is registered only after the agent's hello frame, so every
// registered connection carries its declared capabilities.
//
// # Request/Response Correlation
//
// Connection.Execute registers a pending request under the execute frame's
// requestId and sends the frame. The agent's read loop hands each
// execute_event and execute_result to Connection.HandleFrame, which routes it
// to the pending request. Execution.Next returns frames in arrival order and
// fails with ErrDisconnected once the connection closes.
//
// # Thread Safety
//
// Both Manager and Connection are safe for concurrent use. Locks guard map
// access only; transport writes happen outside them.
package agent
