// Package protocol defines the veil wire frames and their binary encoding.
//
// Frames are a tagged variant decoded once at the framing boundary. Integers use
// QUIC variable-length encoding. Encoded frames are self-delimiting, so any
// bytes that follow (padding) are ignored by the decoder.
package protocol
