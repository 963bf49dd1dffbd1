// Package transport provides the carriers a session runs over.
//
// Every carrier is a net.PacketConn: UDP natively, TCP by chunking the byte
// stream into masked length-prefixed frames, and an in-memory lossy pipe for
// tests. Sessions treat them all the same.
package transport
