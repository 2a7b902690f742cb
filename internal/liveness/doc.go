// Package liveness runs the periodic agent liveness sweep.
//
// Revoking an agent does not touch its open socket; the next sweep notices
// the revocation and closes it, failing in-flight requests with
// AGENT_DISCONNECTED. Healthy agents get their lastSeenAt refreshed.
package liveness
