package ffmpegcmd

import (
	"github.com/edirooss/feedmux-server/internal/domain/feed"
	"github.com/edirooss/feedmux-server/pkg/sourceurl"
)

// FromFeed materializes a Builder from a feed's capture parameters:
//
//	ffmpeg -loglevel error [-rtsp_transport tcp] -i <url> -an
//	       [-vf scale=iw*S:ih*S,fps=fps='min(F,source_fps)']
//	       -q:v <quality> -f image2pipe -c:v mjpeg pipe:1
//
// The scale filter is omitted at scale factor 1 and the fps filter at
// max fps 0. Only capture-relevant fields are read; name, storage and motion
// settings never influence the result.
//
// NOTE: This function does *not* validate the feed. Validation belongs in the
// domain layer.
func FromFeed(bin string, f *feed.Feed) *Builder {
	b := NewBuilder(bin).WithStringFlag("-loglevel", "error")

	if sourceurl.IsRTSP(f.SourceURL) {
		b.WithStringFlag("-rtsp_transport", "tcp")
	}
	b.WithStringFlag("-i", f.SourceURL).WithFlag("-an")

	if f.ScaleFactor > 0 && f.ScaleFactor != 1 {
		s := formatFloat(f.ScaleFactor)
		b.WithFilter("scale=iw*" + s + ":ih*" + s)
	}
	if f.MaxFPS > 0 {
		b.WithFilter("fps=fps='min(" + formatFloat(f.MaxFPS) + ",source_fps)'")
	}

	return b.WithFilters().
		WithIntFlag("-q:v", f.VideoQuality).
		WithStringFlag("-f", "image2pipe").
		WithStringFlag("-c:v", "mjpeg").
		WithFlag("pipe:1")
}

// BuildArgv is a convenience over FromFeed(bin, f).BuildArgv().
func BuildArgv(bin string, f *feed.Feed) []string {
	return FromFeed(bin, f).BuildArgv()
}

// BuildString is a convenience over FromFeed(bin, f).BuildString().
func BuildString(bin string, f *feed.Feed) string {
	return FromFeed(bin, f).BuildString()
}
