// Package channel is the message channel between two contexts.
//
// Ownership boundary:
// - syn/ack connect handshake with retransmission and timeout
// - channel name multiplexing and origin allow-listing
// - call/reply correlation and method dispatch
// - port implementations (in-memory pipe, websocket, framed stream)
package channel
