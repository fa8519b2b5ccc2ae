// Package system implements the detection probes against the running
// operating system.
//
// Processes are listed on every platform through gopsutil. Visible window
// titles and audio session meters are only available on Windows; elsewhere
// [Probes] leaves those probes unset so they contribute no signal.
package system

import (
	"context"
	"log/slog"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/MrWong99/coachpad/internal/detect"
)

// Probes returns the probes supported on this platform.
func Probes() detect.Probes {
	return detect.Probes{
		Windows:       windowLister(),
		Processes:     ProcessLister{},
		AudioSessions: sessionLister(),
	}
}

// ProcessLister lists running processes with gopsutil.
type ProcessLister struct{}

var _ detect.ProcessLister = ProcessLister{}

// Processes implements [detect.ProcessLister]. Processes whose name cannot be
// read (typically for lack of permission) are skipped.
func (ProcessLister) Processes(ctx context.Context) ([]detect.Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]detect.Process, 0, len(procs))
	skipped := 0
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil || name == "" {
			skipped++
			continue
		}
		out = append(out, detect.Process{PID: p.Pid, Name: name})
	}

	if skipped > 0 {
		slog.Debug("process listing skipped processes", "skipped", skipped, "total", len(procs))
	}
	return out, nil
}
