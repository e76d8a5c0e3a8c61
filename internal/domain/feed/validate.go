package feed

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/edirooss/feedmux-server/pkg/sourceurl"
)

// FieldError describes one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects every field-level failure of a feed mutation.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return "invalid feed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks the feed and returns a *ValidationError listing every
// failing field, or nil.
//
// save_path writability is probed on disk (directory is created if missing)
// only when save_video is set; motion bounds are enforced only when
// detect_motion is set.
func (f *Feed) Validate() error {
	verr := &ValidationError{}

	if strings.TrimSpace(f.ID) == "" {
		verr.add("id", "must not be empty")
	} else if strings.ContainsAny(f.ID, "/\\") || len(f.ID) > 64 {
		verr.add("id", "must be at most 64 characters and contain no path separators")
	}

	if strings.TrimSpace(f.Name) == "" {
		verr.add("name", "must not be empty")
	} else if len(f.Name) > 100 {
		verr.add("name", "must be at most 100 characters")
	}

	if strings.TrimSpace(f.SourceURL) == "" {
		verr.add("source_url", "must not be empty")
	} else if err := sourceurl.Validate(f.SourceURL); err != nil {
		verr.add("source_url", "%s", err)
	}

	if !isFinite(f.MaxFPS) || f.MaxFPS < 0 {
		verr.add("max_fps", "must be a number >= 0")
	}
	if !isFinite(f.ScaleFactor) || f.ScaleFactor <= 0 || f.ScaleFactor > 1 {
		verr.add("scale_factor", "must be a number in (0, 1]")
	}
	if f.VideoQuality < 2 || f.VideoQuality > 31 {
		verr.add("video_quality", "must be in [2, 31]")
	}

	if f.SaveVideo {
		if strings.TrimSpace(f.SavePath) == "" {
			verr.add("save_path", "required when save_video is set")
		} else if err := checkWritable(f.SavePath); err != nil {
			verr.add("save_path", "not writable: %s", err)
		}
	}

	if f.DetectMotion {
		if f.MotionSampleInterval < 1 {
			verr.add("motion_sample_interval", "must be >= 1")
		}
		if !isFinite(f.MotionDiffThreshold) || f.MotionDiffThreshold < 0 || f.MotionDiffThreshold > 1 {
			verr.add("motion_diff_threshold", "must be in [0, 1]")
		}
		for i, r := range f.MotionRegions {
			if err := r.validate(); err != nil {
				verr.add(fmt.Sprintf("motion_regions[%d]", i), "%s", err)
			}
		}
	}

	if f.OnlySaveMotion && f.SaveVideo && !f.DetectMotion {
		verr.add("only_save_motion", "requires detect_motion")
	}
	if f.AlertOnMotion && !f.DetectMotion {
		verr.add("alert_on_motion", "requires detect_motion")
	}

	if len(verr.Fields) == 0 {
		return nil
	}
	return verr
}

func (r MotionRegion) validate() error {
	for _, v := range []float64{r.X, r.Y, r.Width, r.Height} {
		if !isFinite(v) || v < 0 || v > 1 {
			return fmt.Errorf("values must be in [0, 1]")
		}
	}
	if r.Width == 0 || r.Height == 0 {
		return fmt.Errorf("width and height must be > 0")
	}
	if r.X+r.Width > 1 || r.Y+r.Height > 1 {
		return fmt.Errorf("region exceeds frame bounds")
	}
	return nil
}

func isFinite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// checkWritable creates dir if needed and probes it with a temp file.
func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe, err := os.CreateTemp(dir, ".feedmux-probe-*")
	if err != nil {
		return err
	}
	name := probe.Name()
	_ = probe.Close()
	return os.Remove(filepath.Clean(name))
}
