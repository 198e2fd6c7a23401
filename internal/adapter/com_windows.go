//go:build windows

package adapter

import (
	"errors"
	"fmt"
	"log"
	"runtime"
	"sync"

	"github.com/go-ole/go-ole"
	"github.com/moutend/go-wca/pkg/wca"
)

// comInitMutex protects COM initialization to prevent race conditions.
var comInitMutex sync.Mutex

// ensureCOMInitialized initializes COM on the calling thread.
//
// COM is thread-specific, so this must run on every thread that touches
// the audio interfaces. The worker goroutine is locked to its OS thread
// for the duration. MTA is used rather than the usual STA because the
// ActivateAudioInterfaceAsync completion callback arrives on an RPC
// worker thread; an apartment-threaded caller would need a message pump
// to ever see it.
func ensureCOMInitialized() error {
	comInitMutex.Lock()
	defer comInitMutex.Unlock()

	runtime.LockOSThread()

	err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED)
	if err != nil {
		var oleErr *ole.OleError
		if errors.As(err, &oleErr) {
			switch oleErr.Code() {
			case 0x00000001, 0x80000001:
				// S_FALSE: already initialized on this thread.
				return nil
			case 0x80010106:
				// RPC_E_CHANGED_MODE: the thread is already in an STA.
				// Activation still completes, just on another thread.
				log.Printf("[WASAPI] COM already initialized apartment-threaded on this thread")
				return nil
			}
		}
		runtime.UnlockOSThread()
		return fmt.Errorf("CoInitializeEx failed: %w", err)
	}
	return nil
}

// createDeviceEnumerator creates an IMMDeviceEnumerator instance.
func createDeviceEnumerator() (*wca.IMMDeviceEnumerator, error) {
	var mmde *wca.IMMDeviceEnumerator
	if err := wca.CoCreateInstance(wca.CLSID_MMDeviceEnumerator, 0, wca.CLSCTX_ALL, wca.IID_IMMDeviceEnumerator, &mmde); err != nil {
		return nil, fmt.Errorf("failed to create device enumerator: %w", err)
	}
	return mmde, nil
}

// getDefaultRenderDevice retrieves the default audio render endpoint.
func getDefaultRenderDevice(mmde *wca.IMMDeviceEnumerator) (*wca.IMMDevice, error) {
	var mmd *wca.IMMDevice
	if err := mmde.GetDefaultAudioEndpoint(wca.ERender, wca.EConsole, &mmd); err != nil {
		return nil, fmt.Errorf("failed to get default audio device: %w", err)
	}
	return mmd, nil
}

// safeReleaseAudioClient releases an IAudioClient interface.
func safeReleaseAudioClient(ptr **wca.IAudioClient) {
	if ptr != nil && *ptr != nil {
		(*ptr).Release()
		*ptr = nil
	}
}

// safeReleaseAudioCaptureClient releases an IAudioCaptureClient interface.
func safeReleaseAudioCaptureClient(ptr **wca.IAudioCaptureClient) {
	if ptr != nil && *ptr != nil {
		(*ptr).Release()
		*ptr = nil
	}
}

// safeReleaseMMDevice releases an IMMDevice interface.
func safeReleaseMMDevice(ptr **wca.IMMDevice) {
	if ptr != nil && *ptr != nil {
		(*ptr).Release()
		*ptr = nil
	}
}

// safeReleaseMMDeviceEnumerator releases an IMMDeviceEnumerator interface.
func safeReleaseMMDeviceEnumerator(ptr **wca.IMMDeviceEnumerator) {
	if ptr != nil && *ptr != nil {
		(*ptr).Release()
		*ptr = nil
	}
}
