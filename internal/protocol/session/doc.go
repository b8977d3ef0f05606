// Package session is the connection protocol spoken over a channel.Conn.
//
// Ownership boundary:
// - server-facing surface: open, close, invoke, callback
// - client-facing surface: open, close, callback
// - typed stubs for calling either surface
// - client record validation and the server-initiated pull handshake
package session
