package mjpeg

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	markerPrefix = 0xFF
	markerSOI    = 0xD8
	markerSOS    = 0xDA
	markerCOM    = 0xFE

	// maxCommentPayload keeps the 2-byte length (which counts itself) in range.
	maxCommentPayload = 0xFFFF - 2
)

var (
	ErrNotJPEG         = errors.New("data does not start with a JPEG SOI marker")
	ErrCommentTooLarge = errors.New("comment payload exceeds 65533 bytes")
)

// Metadata is the per-frame timing record stored in the COM segment.
// Both values are milliseconds.
type Metadata struct {
	CaptureTime          int64 `json:"captureTime"`          // unix epoch ms
	ElapsedSincePrevious int64 `json:"elapsedSincePrevious"` // ms since previous frame of the recording
}

// NewMetadata builds the record for a frame captured at t whose predecessor
// was captured at prev (zero prev means first frame).
func NewMetadata(t, prev time.Time) Metadata {
	m := Metadata{CaptureTime: t.UnixMilli()}
	if !prev.IsZero() && t.After(prev) {
		m.ElapsedSincePrevious = t.Sub(prev).Milliseconds()
	}
	return m
}

// InjectComment returns a copy of jpeg with a COM segment holding payload
// inserted directly after the SOI marker:
//
//	FF FE <len:uint16 BE = 2 + len(payload)> <payload>
func InjectComment(jpeg, payload []byte) ([]byte, error) {
	if len(jpeg) < 2 || jpeg[0] != markerPrefix || jpeg[1] != markerSOI {
		return nil, ErrNotJPEG
	}
	if len(payload) > maxCommentPayload {
		return nil, ErrCommentTooLarge
	}

	out := make([]byte, 0, len(jpeg)+4+len(payload))
	out = append(out, jpeg[:2]...)
	out = append(out, markerPrefix, markerCOM)
	out = binary.BigEndian.AppendUint16(out, uint16(2+len(payload)))
	out = append(out, payload...)
	out = append(out, jpeg[2:]...)
	return out, nil
}

// InjectMetadata encodes m as JSON and injects it as a COM segment.
func InjectMetadata(jpeg []byte, m Metadata) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return InjectComment(jpeg, payload)
}

// ExtractMetadata walks the header segments of jpeg and decodes the first
// COM segment carrying a Metadata payload. ok is false when none is found.
func ExtractMetadata(jpeg []byte) (m Metadata, ok bool) {
	if len(jpeg) < 2 || jpeg[0] != markerPrefix || jpeg[1] != markerSOI {
		return Metadata{}, false
	}

	i := 2
	for i+4 <= len(jpeg) {
		if jpeg[i] != markerPrefix {
			return Metadata{}, false
		}
		marker := jpeg[i+1]
		if marker == markerPrefix { // fill byte
			i++
			continue
		}
		if marker == markerSOS {
			return Metadata{}, false
		}
		length := int(binary.BigEndian.Uint16(jpeg[i+2 : i+4]))
		if length < 2 || i+2+length > len(jpeg) {
			return Metadata{}, false
		}
		if marker == markerCOM {
			var cand Metadata
			if err := json.Unmarshal(jpeg[i+4:i+2+length], &cand); err == nil && cand.CaptureTime != 0 {
				return cand, true
			}
		}
		i += 2 + length
	}
	return Metadata{}, false
}
