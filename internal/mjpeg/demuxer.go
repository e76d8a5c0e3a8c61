package mjpeg

import "bytes"

var (
	soiMarker = []byte{0xFF, 0xD8}
	eoiMarker = []byte{0xFF, 0xD9}
)

// Demuxer reconstructs discrete JPEG frames from a continuous byte stream.
//
// Bytes are fed through Write (so a process stdout can be io.Copy'd into it).
// Every complete SOI..EOI range is copied out and handed to the emit callback
// in stream order; an incomplete tail is kept until more bytes arrive.
//
// A Demuxer is not safe for concurrent use; it is owned by the single
// goroutine draining the encoder output.
type Demuxer struct {
	buf     []byte
	emit    func([]byte)
	process func([]byte) []byte
	frames  uint64
}

// DemuxerOption customizes a Demuxer.
type DemuxerOption func(*Demuxer)

// WithFrameProcessor installs a hook that may rewrite each frame before it is
// emitted. Returning nil drops the frame.
func WithFrameProcessor(fn func([]byte) []byte) DemuxerOption {
	return func(d *Demuxer) { d.process = fn }
}

// NewDemuxer returns a Demuxer that calls emit for every complete frame.
func NewDemuxer(emit func(frame []byte), opts ...DemuxerOption) *Demuxer {
	d := &Demuxer{emit: emit}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Write appends p to the leftover buffer and emits every complete frame now
// available. It never fails.
func (d *Demuxer) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)

	start := 0
	for {
		rest := d.buf[start:]

		soi := bytes.Index(rest, soiMarker)
		if soi < 0 {
			// Nothing to keep except a dangling 0xFF that may open the next SOI.
			if n := len(rest); n > 0 && rest[n-1] == 0xFF {
				start = len(d.buf) - 1
			} else {
				start = len(d.buf)
			}
			break
		}

		eoi := bytes.Index(rest[soi+len(soiMarker):], eoiMarker)
		if eoi < 0 {
			start += soi
			break
		}

		end := soi + len(soiMarker) + eoi + len(eoiMarker)
		frame := make([]byte, end-soi)
		copy(frame, rest[soi:end])
		start += end

		if d.process != nil {
			frame = d.process(frame)
		}
		if frame != nil {
			d.frames++
			d.emit(frame)
		}
	}

	// Compact the leftover to the front of the buffer.
	n := copy(d.buf, d.buf[start:])
	d.buf = d.buf[:n]

	return len(p), nil
}

// Buffered returns the number of leftover bytes waiting for an EOI.
func (d *Demuxer) Buffered() int { return len(d.buf) }

// Frames returns the number of frames emitted so far.
func (d *Demuxer) Frames() uint64 { return d.frames }

// Reset drops any partial frame.
func (d *Demuxer) Reset() { d.buf = d.buf[:0] }

// SplitFrames cuts every complete frame out of data, which is typically a
// whole recording file.
func SplitFrames(data []byte) [][]byte {
	var out [][]byte
	d := NewDemuxer(func(f []byte) { out = append(out, f) })
	_, _ = d.Write(data)
	return out
}
