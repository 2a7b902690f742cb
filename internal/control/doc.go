// Package control implements the gateway's internal RPC surface, the
// vespid.control.v1.Control gRPC service.
//
// Messages are plain structs carried as protobuf google.protobuf.Struct
// values: the codec in this package is registered under the "structpb"
// content subtype and the service descriptor is written by hand. Callers must present an operator JWT (role operator or
// admin); operators act only on organizations their token grants, admins on
// all of them.
//
// Gateway errors reach callers as gRPC statuses whose message starts with the
// wire code, for example "PINNED_AGENT_OFFLINE: pinned agent is offline".
// [WireCode] extracts it.
package control
