//go:build windows

package system

import (
	"context"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/MrWong99/coachpad/internal/detect"
)

// maxTitle bounds the window title read per window, in UTF-16 code units.
const maxTitle = 512

var (
	// enumMu serialises enumerations; the callback below writes to
	// enumTitles.
	enumMu     sync.Mutex
	enumTitles []string

	// Callbacks are a finite resource on Windows, so there is exactly one.
	enumCallback = windows.NewCallback(func(hwnd windows.HWND, _ uintptr) uintptr {
		if !windows.IsWindowVisible(hwnd) {
			return 1
		}
		buf := make([]uint16, maxTitle)
		n, err := windows.GetWindowText(hwnd, &buf[0], int32(len(buf)))
		if err != nil || n == 0 {
			return 1
		}
		enumTitles = append(enumTitles, windows.UTF16ToString(buf[:n]))
		return 1
	})
)

// WindowLister lists visible top-level window titles with EnumWindows.
type WindowLister struct{}

var _ detect.WindowLister = WindowLister{}

func windowLister() detect.WindowLister { return WindowLister{} }

// VisibleWindowTitles implements [detect.WindowLister].
func (WindowLister) VisibleWindowTitles(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	enumMu.Lock()
	defer enumMu.Unlock()

	enumTitles = nil
	if err := windows.EnumWindows(enumCallback, unsafe.Pointer(nil)); err != nil {
		return nil, err
	}
	titles := enumTitles
	enumTitles = nil
	return titles, nil
}
