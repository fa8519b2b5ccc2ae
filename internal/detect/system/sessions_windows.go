//go:build windows

package system

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"syscall"
	"unsafe"

	"github.com/go-ole/go-ole"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/MrWong99/coachpad/internal/detect"
)

// Core Audio identifiers.
var (
	clsidMMDeviceEnumerator   = ole.NewGUID("{BCDE0395-E52F-467C-8E3D-C4579291692E}")
	iidIMMDeviceEnumerator    = ole.NewGUID("{A95664D2-9614-4F35-A746-DE8DB63617E6}")
	iidIAudioSessionManager2  = ole.NewGUID("{77AA99A0-1BD6-484F-8BC7-2C654C9A9B6F}")
	iidIAudioSessionControl2  = ole.NewGUID("{BFB7FF88-7239-4FC9-8FA2-07C950BE9C6D}")
	iidIAudioMeterInformation = ole.NewGUID("{C02216F6-8C67-4B5B-9D00-D008E73E0064}")
)

// Vtable slots, counted from IUnknown's QueryInterface at 0.
const (
	slotQueryInterface          = 0
	slotRelease                 = 2
	slotGetDefaultAudioEndpoint = 4  // IMMDeviceEnumerator
	slotActivate                = 3  // IMMDevice
	slotGetSessionEnumerator    = 5  // IAudioSessionManager2
	slotGetCount                = 3  // IAudioSessionEnumerator
	slotGetSession              = 4  // IAudioSessionEnumerator
	slotGetProcessID            = 14 // IAudioSessionControl2
	slotGetPeakValue            = 3  // IAudioMeterInformation
)

const (
	eRender   = 0
	eConsole  = 0
	clsctxAll = 0x17
	sFalse    = 1
)

// comObject is a raw COM interface pointer.
type comObject struct{ p unsafe.Pointer }

func (o comObject) call(slot int, args ...uintptr) error {
	vtbl := *(*unsafe.Pointer)(o.p)
	fn := *(*uintptr)(unsafe.Add(vtbl, uintptr(slot)*unsafe.Sizeof(uintptr(0))))
	hr, _, _ := syscall.SyscallN(fn, append([]uintptr{uintptr(o.p)}, args...)...)
	if int32(hr) < 0 {
		return ole.NewError(hr)
	}
	return nil
}

// out calls a method whose last argument receives an interface pointer.
func (o comObject) out(slot int, args ...uintptr) (comObject, error) {
	var p unsafe.Pointer
	err := o.call(slot, append(args, uintptr(unsafe.Pointer(&p)))...)
	if err != nil {
		return comObject{}, err
	}
	if p == nil {
		return comObject{}, errors.New("nil interface")
	}
	return comObject{p}, nil
}

func (o comObject) queryInterface(iid *ole.GUID) (comObject, error) {
	return o.out(slotQueryInterface, uintptr(unsafe.Pointer(iid)))
}

func (o comObject) release() {
	if o.p != nil {
		_ = o.call(slotRelease)
	}
}

// AudioSessionLister reads the peak level of every audio session on the
// default render device through the Core Audio session API.
type AudioSessionLister struct{}

var _ detect.AudioSessionLister = AudioSessionLister{}

func sessionLister() detect.AudioSessionLister { return AudioSessionLister{} }

// Sessions implements [detect.AudioSessionLister]. Sessions whose process or
// meter cannot be read are skipped.
func (AudioSessionLister) Sessions(ctx context.Context) ([]detect.AudioSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// COM state is per thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED); err != nil {
		var oleErr *ole.OleError
		if !errors.As(err, &oleErr) || oleErr.Code() != sFalse {
			return nil, fmt.Errorf("initialize COM: %w", err)
		}
	}
	defer ole.CoUninitialize()

	unk, err := ole.CreateInstance(clsidMMDeviceEnumerator, iidIMMDeviceEnumerator)
	if err != nil {
		return nil, fmt.Errorf("create device enumerator: %w", err)
	}
	enumerator := comObject{unsafe.Pointer(unk)}
	defer enumerator.release()

	device, err := enumerator.out(slotGetDefaultAudioEndpoint, eRender, eConsole)
	if err != nil {
		return nil, fmt.Errorf("default render endpoint: %w", err)
	}
	defer device.release()

	manager, err := device.out(slotActivate,
		uintptr(unsafe.Pointer(iidIAudioSessionManager2)), clsctxAll, 0)
	if err != nil {
		return nil, fmt.Errorf("activate session manager: %w", err)
	}
	defer manager.release()

	sessions, err := manager.out(slotGetSessionEnumerator)
	if err != nil {
		return nil, fmt.Errorf("enumerate sessions: %w", err)
	}
	defer sessions.release()

	var count int32
	if err := sessions.call(slotGetCount, uintptr(unsafe.Pointer(&count))); err != nil {
		return nil, fmt.Errorf("session count: %w", err)
	}

	out := make([]detect.AudioSession, 0, count)
	for i := range count {
		s, ok := readSession(ctx, sessions, i)
		if ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func readSession(ctx context.Context, sessions comObject, index int32) (detect.AudioSession, bool) {
	control, err := sessions.out(slotGetSession, uintptr(index))
	if err != nil {
		slog.Debug("audio session unreadable", "index", index, "err", err)
		return detect.AudioSession{}, false
	}
	defer control.release()

	control2, err := control.queryInterface(iidIAudioSessionControl2)
	if err != nil {
		return detect.AudioSession{}, false
	}
	defer control2.release()

	var pid uint32
	if err := control2.call(slotGetProcessID, uintptr(unsafe.Pointer(&pid))); err != nil || pid == 0 {
		// PID 0 is the system sounds session.
		return detect.AudioSession{}, false
	}

	meter, err := control.queryInterface(iidIAudioMeterInformation)
	if err != nil {
		return detect.AudioSession{}, false
	}
	defer meter.release()

	var peak float32
	if err := meter.call(slotGetPeakValue, uintptr(unsafe.Pointer(&peak))); err != nil {
		return detect.AudioSession{}, false
	}

	s := detect.AudioSession{PID: int32(pid), Peak: float64(peak)}
	if p, err := process.NewProcessWithContext(ctx, int32(pid)); err == nil {
		s.ProcessName, _ = p.NameWithContext(ctx)
	}
	if s.ProcessName == "" {
		return detect.AudioSession{}, false
	}
	return s, true
}
