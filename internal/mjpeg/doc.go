// Package mjpeg holds the byte-level codecs of the frame pipeline:
//
//   - Demuxer cuts complete JPEG images (SOI..EOI) out of an arbitrarily
//     chunked encoder stream.
//   - WritePart frames one JPEG as a multipart/x-mixed-replace part.
//   - InjectMetadata/ExtractMetadata embed per-frame timing in a JPEG comment
//     (COM, 0xFFFE) segment so recordings need no separate index.
package mjpeg
