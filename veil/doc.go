// Package veil is an obfuscated, authenticated datagram transport for lossy
// links.
//
// A client dials a server whose X25519 public key it already knows. The two
// run a deniable triple-ECDH handshake hidden under keys derived from that
// public key, then exchange packets that carry no cleartext structure: every
// byte on the wire is either ciphertext, a masked sequence number or random
// padding. Losses are repaired ahead of time with Reed-Solomon parity sized
// to the measured loss rate, and the send rate reacts only to queueing delay,
// so random loss does not throttle throughput.
//
// On top of each session run any number of reliable ordered streams and an
// unreliable, never-reordered datagram path.
package veil
