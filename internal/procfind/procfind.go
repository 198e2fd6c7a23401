// Package procfind resolves process names to PIDs for the CLI. The
// capture engine itself only ever sees a PID.
package procfind

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// ErrNotFound reports that no process matched the requested name.
var ErrNotFound = errors.New("process not found")

// PIDByName returns the PID of the first process whose name equals name,
// case-insensitive, with or without an ".exe" suffix on either side.
func PIDByName(name string) (uint32, error) {
	want := strings.ToLower(name)
	wantBare := strings.TrimSuffix(want, ".exe")

	procs, err := process.Processes()
	if err != nil {
		return 0, fmt.Errorf("enumerate processes: %w", err)
	}
	for _, p := range procs {
		pname, err := p.Name()
		if err != nil {
			// Gone or not ours to inspect; keep scanning.
			continue
		}
		got := strings.ToLower(pname)
		if got == want || got == wantBare || got == wantBare+".exe" {
			return uint32(p.Pid), nil
		}
	}
	return 0, fmt.Errorf("%q: %w", name, ErrNotFound)
}

// Exists reports whether pid is a live process.
func Exists(pid uint32) bool {
	alive, err := process.PidExists(int32(pid))
	return err == nil && alive
}
