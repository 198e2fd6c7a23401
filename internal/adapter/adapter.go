// Package adapter binds a capture session to the operating system's
// per-process audio render path. One implementation exists per platform
// (WASAPI process loopback, PulseAudio/PipeWire sink-input monitor,
// Core Audio process tap); New returns the one compiled for the current
// OS.
package adapter

import (
	"errors"

	"github.com/pozitronik/proctap/internal/pcm"
)

// Capture errors. Open and Start wrap these so callers can classify
// failures with errors.Is.
var (
	ErrUnsupportedOS        = errors.New("process capture is not supported on this OS")
	ErrProcessNotFound      = errors.New("target process does not exist")
	ErrPermissionDenied     = errors.New("not permitted to capture the target process")
	ErrNoAudioOutput        = errors.New("target process has no active audio output")
	ErrSubsystemUnavailable = errors.New("audio subsystem is not available")
	ErrSubsystemError       = errors.New("audio subsystem failure during capture")
	ErrAlreadyStarted       = errors.New("capture already started")
)

// Adapter is the platform capture contract.
//
// Open binds to the target process and reports the native format the OS
// will deliver. Read is non-blocking apart from a short internal wait on
// the OS capture event; it returns a nil slice when no data is pending
// and never treats silence as an error or EOF. Close is idempotent and
// must be safe to call while a Read is still in flight on another
// goroutine: a closed adapter's Read returns empty.
type Adapter interface {
	Open(pid uint32) (pcm.Format, error)
	Start() error
	Read() ([]byte, error)
	Stop() error
	Close() error
}
