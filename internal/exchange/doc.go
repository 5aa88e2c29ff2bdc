// Package exchange routes GraphQL operations to a host process instead of a
// network transport.
//
// InvokeExchange is a pipeline stage: it reads the inbound operation channel
// exactly once, sends query and mutation operations to the host as
// "plugin:graphql-ipc|<url>" commands and forwards every other kind to the
// next stage. Each invocation races against teardown operations carrying the
// same key; a teardown that arrives first suppresses the result. The host
// call itself is not aborted.
//
// Subscriptions take a different path. ForwardSubscription returns an
// adapter that, per subscription, picks a correlation ID, attaches a listener
// to "graphql://<id>" and only then asks the host to start the stream with
// "plugin:graphql-ipc|subscription". Every non-null event is a JSON encoded
// execution result; a null event ends the stream.
//
// Failures are normalized into two kinds. IPCError means the host primitive
// could not complete. AsyncGraphQLError means the host completed but reported
// GraphQL errors. Both surface in operation.Result.Error on the query and
// mutation path, and through Sink.Error on the subscription path.
package exchange
