// Package crypto provides the cryptographic primitives for veil.
//
// Design goals:
//   - Fast on commodity hardware (no AES-NI required)
//   - AEAD encryption via ChaCha20-Poly1305 (RFC 8439) with nonces derived from packet sequence numbers
//   - Deniable session keys via triple X25519 agreement, no signatures anywhere
//   - Key derivation via HKDF-SHA256
//   - Constant-time comparisons where secrets are involved
package crypto
