// Package protocol defines the websocket frames exchanged with clients and
// agents, and their codec.
//
// Frames are JSON objects tagged by a "type" field. Agents may instead send
// deterministic CBOR binary frames with the same field names; those are
// transcoded to JSON and take the same validation path.
//
// Decoding distinguishes two failures. Input that is not an object with a
// known type for the direction is ErrMalformed and is dropped without a
// reply. A known type that fails its schema is a *ValidationError, which
// the client transport reports as session_error INVALID_FRAME.
package protocol
