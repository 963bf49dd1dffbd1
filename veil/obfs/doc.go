// Package obfs turns frames into wire packets and back.
//
// A packet is the AEAD encryption of an encoded frame followed by random-length
// padding, prefixed with a masked sequence number. Without the session keys the
// packet is indistinguishable from random bytes. Packets that fail any check are
// dropped with a single error value so callers cannot leak the reason.
package obfs
