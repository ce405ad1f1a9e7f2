// Package relay bridges a local datagram signal socket to websocket clients.
//
// The server runs in the pod. Every token written to its signal socket is
// broadcast to the clients connected at that moment. The client runs in the
// container and reacts to "sync" and "terminate"; anything else is logged
// and ignored.
//
// Delivery is at-most-once with no replay: there are no acknowledgments, and
// a client that is disconnected while a token is broadcast never sees it.
package relay

// Tokens understood by the client.
const (
	TokenSync      = "sync"
	TokenTerminate = "terminate"
	// TokenConnected is written to the client-connected socket when the
	// first client connects.
	TokenConnected = "connected"
)
