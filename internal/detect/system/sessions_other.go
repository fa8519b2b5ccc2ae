//go:build !windows

package system

import "github.com/MrWong99/coachpad/internal/detect"

// sessionLister returns nil: audio session meters are only read on Windows.
func sessionLister() detect.AudioSessionLister { return nil }
