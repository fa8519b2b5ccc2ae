package vision

import (
	"context"
	"fmt"
	"image"

	"github.com/vcaesar/screenshot"
)

// ScreenSource captures a full display as the frame source. Display is the
// zero-based index of the active display; 0 is the primary one.
type ScreenSource struct {
	Display int
}

// Capture implements [FrameSource].
func (s ScreenSource) Capture(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Display < 0 {
		return nil, fmt.Errorf("vision: display index %d is negative", s.Display)
	}
	if n := screenshot.NumActiveDisplays(); s.Display >= n {
		return nil, fmt.Errorf("vision: display %d not found (%d active)", s.Display, n)
	}
	img, err := screenshot.CaptureRect(screenshot.GetDisplayBounds(s.Display))
	if err != nil {
		return nil, fmt.Errorf("vision: capture display %d: %w", s.Display, err)
	}
	return img, nil
}
