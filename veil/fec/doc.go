// Package fec provides the adaptive forward error correction engine of veil.
//
// Outgoing datagrams are sent immediately and also grouped into batches of k
// consecutive data frames. Once a batch closes, r Reed-Solomon parity shards are
// sent after it. Any k of the k+r shares reconstruct the batch. r and k follow
// the measured loss rate and a residual loss target.
//
// This implementation uses the klauspost/reedsolomon library for high performance.
package fec
