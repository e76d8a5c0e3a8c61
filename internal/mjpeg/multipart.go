package mjpeg

import (
	"fmt"
	"io"
	"strconv"
)

// Boundary is the multipart delimiter token used by live and playback streams.
const Boundary = "feedmuxframe"

// ContentType returns the Content-Type header value for a stream using boundary.
func ContentType(boundary string) string {
	return "multipart/x-mixed-replace; boundary=" + boundary
}

// PartHeader returns the delimiter and per-part headers that precede a JPEG of
// length n.
func PartHeader(boundary string, n int) []byte {
	return []byte("\r\n--" + boundary + "\r\nContent-Type: image/jpeg\r\nContent-length: " + strconv.Itoa(n) + "\r\n\r\n")
}

// WritePart writes one complete multipart part (header then JPEG bytes).
func WritePart(w io.Writer, boundary string, jpeg []byte) error {
	if _, err := w.Write(PartHeader(boundary, len(jpeg))); err != nil {
		return fmt.Errorf("write part header: %w", err)
	}
	if _, err := w.Write(jpeg); err != nil {
		return fmt.Errorf("write part body: %w", err)
	}
	return nil
}
