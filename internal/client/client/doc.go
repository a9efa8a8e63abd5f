// Package client talks to a running terminal process over its local unix
// socket.
//
// # Overview
//
// The package provides:
//  1. The Client interface, the set of calls the posctl commands need.
//  2. GRPCClient, an implementation over gRPC with the JSON codec. It attaches
//     the per-boot session token to every call and unwraps reply envelopes.
//
// # Error Handling
//
// Transport problems map to ErrUnavailable and ErrUnauthorized. Logical
// failures reported by the terminal come back as errors that match the
// sentinels in package common with errors.Is, e.g. common.ErrNotFound or
// common.ErrCredentialExpired.
package client
