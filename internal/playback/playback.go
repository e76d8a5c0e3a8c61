// Package playback replays a recorded MJPEG file as a multipart stream paced
// by the timing metadata stored in each frame.
package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/disintegration/imaging"

	"github.com/edirooss/feedmux-server/internal/mjpeg"
)

const (
	// MaxFrameDelay caps the pause between two frames, so gaps in a
	// recording do not stall the viewer.
	MaxFrameDelay = 5 * time.Second

	// EndBrightness darkens the final frame so viewers can tell the
	// recording is over.
	EndBrightness = -60

	readChunk = 64 << 10
)

// Options tune a replay. The zero value is ready to use.
type Options struct {
	Boundary string
	// Flush is called after every part; typically http.Flusher.Flush.
	Flush func()
	// Sleep waits d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Stream reads frames from r and writes them to w as multipart parts,
// waiting each frame's elapsedSincePrevious (capped at MaxFrameDelay) before
// it is written. After the last frame a darkened copy of it is written. It
// returns the number of recorded frames sent.
func Stream(ctx context.Context, w io.Writer, r io.Reader, opts Options) (int, error) {
	if opts.Boundary == "" {
		opts.Boundary = mjpeg.Boundary
	}
	if opts.Flush == nil {
		opts.Flush = func() {}
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}

	var (
		sent    int
		last    []byte
		loopErr error
	)
	demux := mjpeg.NewDemuxer(func(fr []byte) {
		if loopErr != nil {
			return
		}
		if meta, ok := mjpeg.ExtractMetadata(fr); ok && sent > 0 {
			if err := opts.Sleep(ctx, FrameDelay(meta)); err != nil {
				loopErr = err
				return
			}
		}
		if err := mjpeg.WritePart(w, opts.Boundary, fr); err != nil {
			loopErr = err
			return
		}
		opts.Flush()
		last = fr
		sent++
	})

	buf := make([]byte, readChunk)
	for loopErr == nil {
		n, err := r.Read(buf)
		if n > 0 {
			_, _ = demux.Write(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return sent, fmt.Errorf("read recording: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return sent, err
		}
	}
	if loopErr != nil {
		return sent, loopErr
	}

	if last != nil {
		end, err := Darken(last, EndBrightness)
		if err != nil {
			return sent, fmt.Errorf("final frame: %w", err)
		}
		if err := mjpeg.WritePart(w, opts.Boundary, end); err != nil {
			return sent, err
		}
		opts.Flush()
	}
	return sent, nil
}

// FrameDelay returns how long to wait before showing a frame.
func FrameDelay(m mjpeg.Metadata) time.Duration {
	d := time.Duration(m.ElapsedSincePrevious) * time.Millisecond
	if d < 0 {
		return 0
	}
	return min(d, MaxFrameDelay)
}

// Darken re-encodes jpeg with brightness adjusted by pct (-100..100).
func Darken(jpeg []byte, pct float64) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(jpeg))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	var out bytes.Buffer
	if err := imaging.Encode(&out, imaging.AdjustBrightness(img, pct), imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return out.Bytes(), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
