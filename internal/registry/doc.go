// Package registry tracks paired execution agents and runs the pairing flow.
//
// An operator issues a pairing token for an organization. The agent process
// redeems it once, within the token TTL, for a long-lived credential of the
// form vpa_<agentID>_<secret>, which it then presents as a bearer token on
// every connection. Tokens are looked up by keyed BLAKE3 hash; credential
// secrets are stored as bcrypt hashes.
//
// Revocation is soft. RevokeAgent makes Authenticate and CheckActive fail at
// once, but a socket that is already open is only closed by the liveness
// sweeper's next pass.
package registry
