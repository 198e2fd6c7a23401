//go:build windows

package adapter

import (
	"fmt"
	"runtime"
	"syscall"
	"time"
	"unsafe"

	"github.com/go-ole/go-ole"
	"golang.org/x/sys/windows"
)

// Process-loopback activation plumbing. The virtual device
// "VAD\Process_Loopback" only exists behind ActivateAudioInterfaceAsync,
// which go-wca does not wrap, so the call and its completion-handler COM
// object are implemented here directly.

const virtualAudioDeviceProcessLoopback = `VAD\Process_Loopback`

const (
	audioclientActivationTypeProcessLoopback    = 1
	processLoopbackModeIncludeTargetProcessTree = 0
	processLoopbackModeExcludeTargetProcessTree = 1
)

// audioclientActivationParams mirrors AUDIOCLIENT_ACTIVATION_PARAMS with
// the process-loopback union arm.
type audioclientActivationParams struct {
	ActivationType      uint32
	TargetProcessID     uint32
	ProcessLoopbackMode uint32
}

// propVariantBlob is a PROPVARIANT holding a VT_BLOB payload, laid out
// for 64-bit Windows.
type propVariantBlob struct {
	Vt       uint16
	r1       uint16
	r2       uint16
	r3       uint16
	BlobSize uint32
	_        uint32 // pointer alignment
	BlobData unsafe.Pointer
}

const vtBlob = 65

var (
	modMmdevapi                     = windows.NewLazySystemDLL("mmdevapi.dll")
	procActivateAudioInterfaceAsync = modMmdevapi.NewProc("ActivateAudioInterfaceAsync")
)

var iidIAgileObject = ole.NewGUID("{94EA2B94-E9CC-49E0-C0FF-EE64CA8F5B90}")

var iidIActivateAudioInterfaceCompletionHandler = ole.NewGUID("{41D949AB-9862-444A-80F6-C261334DA5EB}")

// activateOperation wraps IActivateAudioInterfaceAsyncOperation.
type activateOperation struct {
	vtbl *activateOperationVtbl
}

type activateOperationVtbl struct {
	QueryInterface    uintptr
	AddRef            uintptr
	Release           uintptr
	GetActivateResult uintptr
}

func (op *activateOperation) GetActivateResult() (uint32, *ole.IUnknown, error) {
	var hrActivate int32
	var unk *ole.IUnknown
	hr, _, _ := syscall.SyscallN(
		op.vtbl.GetActivateResult,
		uintptr(unsafe.Pointer(op)),
		uintptr(unsafe.Pointer(&hrActivate)),
		uintptr(unsafe.Pointer(&unk)),
	)
	if hr != 0 {
		return 0, nil, fmt.Errorf("GetActivateResult failed: 0x%08X", hr)
	}
	return uint32(hrActivate), unk, nil
}

func (op *activateOperation) Release() {
	syscall.SyscallN(op.vtbl.Release, uintptr(unsafe.Pointer(op)))
}

// activateCompletionHandler implements
// IActivateAudioInterfaceCompletionHandler. ActivateCompleted only
// signals an event; the result is pulled from the operation afterwards
// on the calling thread.
type activateCompletionHandler struct {
	lpVtbl   *activateCompletionHandlerVtbl
	refCount uint32
	done     windows.Handle
}

type activateCompletionHandlerVtbl struct {
	QueryInterface    uintptr
	AddRef            uintptr
	Release           uintptr
	ActivateCompleted uintptr
}

func newActivateCompletionHandler(done windows.Handle) *activateCompletionHandler {
	handler := &activateCompletionHandler{
		refCount: 1,
		done:     done,
	}
	handler.lpVtbl = &activateCompletionHandlerVtbl{
		QueryInterface:    syscall.NewCallback(handlerQueryInterface),
		AddRef:            syscall.NewCallback(handlerAddRef),
		Release:           syscall.NewCallback(handlerRelease),
		ActivateCompleted: syscall.NewCallback(handlerActivateCompleted),
	}
	return handler
}

func handlerQueryInterface(this *activateCompletionHandler, riid *ole.GUID, ppvObject *unsafe.Pointer) uintptr {
	if ole.IsEqualGUID(riid, ole.IID_IUnknown) ||
		ole.IsEqualGUID(riid, iidIAgileObject) ||
		ole.IsEqualGUID(riid, iidIActivateAudioInterfaceCompletionHandler) {
		*ppvObject = unsafe.Pointer(this)
		this.refCount++
		return 0 // S_OK
	}
	*ppvObject = nil
	return 0x80004002 // E_NOINTERFACE
}

func handlerAddRef(this *activateCompletionHandler) uintptr {
	this.refCount++
	return uintptr(this.refCount)
}

func handlerRelease(this *activateCompletionHandler) uintptr {
	this.refCount--
	return uintptr(this.refCount)
}

func handlerActivateCompleted(this *activateCompletionHandler, _ uintptr) uintptr {
	windows.SetEvent(this.done)
	return 0 // S_OK
}

// activateProcessLoopbackClient activates an IAudioClient against the
// process-loopback virtual device for the given PID, including the
// target's child process tree. Returns the activation HRESULT delivered
// by the OS together with the raw interface.
func activateProcessLoopbackClient(pid uint32, riid *ole.GUID, timeout time.Duration) (uint32, *ole.IUnknown, error) {
	params := audioclientActivationParams{
		ActivationType:      audioclientActivationTypeProcessLoopback,
		TargetProcessID:     pid,
		ProcessLoopbackMode: processLoopbackModeIncludeTargetProcessTree,
	}
	pv := propVariantBlob{
		Vt:       vtBlob,
		BlobSize: uint32(unsafe.Sizeof(params)),
		BlobData: unsafe.Pointer(&params),
	}

	done, err := windows.CreateEvent(nil, 0, 0, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("CreateEvent failed: %w", err)
	}
	defer windows.CloseHandle(done)

	handler := newActivateCompletionHandler(done)

	path, err := windows.UTF16PtrFromString(virtualAudioDeviceProcessLoopback)
	if err != nil {
		return 0, nil, err
	}

	// Pre-Win10 2004 systems do not export the entry point at all.
	if procActivateAudioInterfaceAsync.Find() != nil {
		return 0, nil, ErrUnsupportedOS
	}

	var op *activateOperation
	hr, _, callErr := procActivateAudioInterfaceAsync.Call(
		uintptr(unsafe.Pointer(path)),
		uintptr(unsafe.Pointer(riid)),
		uintptr(unsafe.Pointer(&pv)),
		uintptr(unsafe.Pointer(handler)),
		uintptr(unsafe.Pointer(&op)),
	)
	if hr != 0 {
		return uint32(hr), nil, fmt.Errorf("ActivateAudioInterfaceAsync failed: 0x%08X (%v)", hr, callErr)
	}

	event, err := windows.WaitForSingleObject(done, uint32(timeout.Milliseconds()))
	if err != nil || event != windows.WAIT_OBJECT_0 {
		op.Release()
		return 0, nil, fmt.Errorf("audio interface activation timed out after %s", timeout)
	}

	hrActivate, unk, err := op.GetActivateResult()
	op.Release()
	// The blob and the handler must outlive the async call chain.
	runtime.KeepAlive(&params)
	runtime.KeepAlive(handler)
	if err != nil {
		return 0, nil, err
	}
	return hrActivate, unk, nil
}
