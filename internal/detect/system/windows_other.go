//go:build !windows

package system

import "github.com/MrWong99/coachpad/internal/detect"

// windowLister returns nil: window titles are only enumerated on Windows.
func windowLister() detect.WindowLister { return nil }
