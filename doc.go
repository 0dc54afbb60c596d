// Package mpegts provides low-level MPEG transport stream primitives: fixed
// 188-byte packet parsing and writing, PAT/PMT section codecs, PES header
// codecs, CRC32/MPEG-2, clock reference arithmetic, and H.264/H.265 NAL unit
// scanning over elementary-stream payload.
//
// https://en.wikipedia.org/wiki/MPEG_transport_stream
package mpegts
