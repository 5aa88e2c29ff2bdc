// Package grpcipc carries the ipc host primitives over gRPC.
//
// Server exposes an ipc.Host (typically an ipc.Local with the graphql-ipc
// plugin registered) as the graphqlipc.Host service. Transport is the client
// side: an ipc.Host whose Invoke is a unary call and whose Listen is a
// server-streaming call that returns once the server attached its listener.
//
// The service is described at runtime with protobuilder and its messages are
// dynamicpb messages; Render prints the equivalent .proto file.
package grpcipc
