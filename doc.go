// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package switchboard implements the packet protocol and connection layer of
// a service mesh.
//
// Services exchange JSON packets over persistent bidirectional channels.
// Packets are turned into three primitives: correlated calls with exactly one
// reply, best-effort events, and flow-controlled byte streams. A central
// broker (package broker) routes traffic between services that cannot reach
// each other, buffering calls for services that have not yet connected. Each
// service process joins the mesh with a connector (package connector), which
// can also resolve the address of another service through the broker and
// connect to it directly.
//
// # Packets
//
// A [Packet] is a JSON object with a "kind" field that selects its other
// fields. Every packet has a unique correlation ID assigned by the
// constructor. A reply refers to the call it answers by its
// originalCorrelationId, and so does every chunk of a stream:
//
//	call := switchboard.ServiceCall("Echo", "repeat", args)
//	rsp := switchboard.ServiceCallResponse(call.CorrelationID, value)
//
// A wire message is a single packet or a JSON array of packets, which the
// receiver processes in order. Use [DecodeMessage] and [EncodeMessage].
//
// # Connections
//
// A [Conn] wraps a [Channel] and runs the connection state machine:
//
//	CONNECTING → AUTHENTICATING → AUTHENTICATED → CLOSED
//
// Until the remote endpoint presents the shared secret in an auth packet,
// only ping, pong and auth packets are processed; everything else is logged
// and dropped. The owner of a connection calls [Conn.Tick] periodically,
// usually from a [Scheduler]: a tick sends a ping when the ping interval has
// elapsed and none is outstanding, and closes the connection if no pong has
// arrived within the timeout. Owners remove connections that are no longer
// alive on their next tick.
//
// The channel package provides in-memory, stream and websocket channels.
//
// # Correlation and subscriptions
//
// A [Correlator] maps the correlation ID of an outstanding call to the
// destination of its replies, and is resolved by at most one terminal reply.
// [Subscriptions] maps an [EventKey] to the set of its subscribers.
package switchboard
