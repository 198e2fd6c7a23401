//go:build windows

package adapter

import (
	"log"
	"syscall"
	"unsafe"

	"github.com/go-ole/go-ole"
	"github.com/moutend/go-wca/pkg/wca"
)

// iidIMMNotificationClient is the interface ID for IMMNotificationClient.
var iidIMMNotificationClient = ole.NewGUID("{7991EEC9-7E89-4D85-8390-6C703CEC60C0}")

// EDataFlow values for audio endpoint direction.
const (
	eRender = 0
	eAll    = 2
)

// endpointNotifier logs default render endpoint changes while a capture
// session runs. The session never re-initializes on a switch; the log
// line tells the operator why audio may have gone quiet and that a
// restart follows the new endpoint.
type endpointNotifier struct {
	mmde   *wca.IMMDeviceEnumerator
	client *notificationClient
}

// notificationClient implements the IMMNotificationClient COM interface.
type notificationClient struct {
	lpVtbl   *notificationClientVtbl
	refCount uint32
}

type notificationClientVtbl struct {
	QueryInterface         uintptr
	AddRef                 uintptr
	Release                uintptr
	OnDeviceStateChanged   uintptr
	OnDeviceAdded          uintptr
	OnDeviceRemoved        uintptr
	OnDefaultDeviceChanged uintptr
	OnPropertyValueChanged uintptr
}

// registerEndpointNotifier subscribes to endpoint notifications.
func registerEndpointNotifier() (*endpointNotifier, error) {
	mmde, err := createDeviceEnumerator()
	if err != nil {
		return nil, err
	}

	client := &notificationClient{refCount: 1}
	client.lpVtbl = &notificationClientVtbl{
		QueryInterface:         syscall.NewCallback(notifierQueryInterface),
		AddRef:                 syscall.NewCallback(notifierAddRef),
		Release:                syscall.NewCallback(notifierRelease),
		OnDeviceStateChanged:   syscall.NewCallback(onDeviceStateChanged),
		OnDeviceAdded:          syscall.NewCallback(onDeviceAdded),
		OnDeviceRemoved:        syscall.NewCallback(onDeviceRemoved),
		OnDefaultDeviceChanged: syscall.NewCallback(onDefaultDeviceChanged),
		OnPropertyValueChanged: syscall.NewCallback(onPropertyValueChanged),
	}

	// RegisterEndpointNotificationCallback is at vtable offset 6.
	hr, _, _ := syscall.SyscallN(
		mmde.VTable().RegisterEndpointNotificationCallback,
		uintptr(unsafe.Pointer(mmde)),
		uintptr(unsafe.Pointer(client)),
	)
	if hr != 0 {
		safeReleaseMMDeviceEnumerator(&mmde)
		return nil, ole.NewError(hr)
	}
	return &endpointNotifier{mmde: mmde, client: client}, nil
}

// unregister detaches the notification client.
func (n *endpointNotifier) unregister() {
	if n.mmde != nil && n.client != nil {
		hr, _, _ := syscall.SyscallN(
			n.mmde.VTable().UnregisterEndpointNotificationCallback,
			uintptr(unsafe.Pointer(n.mmde)),
			uintptr(unsafe.Pointer(n.client)),
		)
		if hr != 0 {
			log.Printf("[WASAPI] UnregisterEndpointNotificationCallback failed: 0x%08X", hr)
		}
	}
	safeReleaseMMDeviceEnumerator(&n.mmde)
	n.client = nil
}

func notifierQueryInterface(this *notificationClient, riid *ole.GUID, ppvObject *unsafe.Pointer) uintptr {
	if ole.IsEqualGUID(riid, ole.IID_IUnknown) || ole.IsEqualGUID(riid, iidIMMNotificationClient) {
		*ppvObject = unsafe.Pointer(this)
		this.refCount++
		return 0 // S_OK
	}
	*ppvObject = nil
	return 0x80004002 // E_NOINTERFACE
}

func notifierAddRef(this *notificationClient) uintptr {
	this.refCount++
	return uintptr(this.refCount)
}

func notifierRelease(this *notificationClient) uintptr {
	this.refCount--
	return uintptr(this.refCount)
}

func onDeviceStateChanged(_ *notificationClient, _ *uint16, _ uint32) uintptr {
	return 0 // S_OK
}

func onDeviceAdded(_ *notificationClient, _ *uint16) uintptr {
	return 0 // S_OK
}

func onDeviceRemoved(_ *notificationClient, _ *uint16) uintptr {
	return 0 // S_OK
}

func onDefaultDeviceChanged(_ *notificationClient, flow uint32, role uint32, _ *uint16) uintptr {
	if flow == eRender || flow == eAll {
		log.Printf("[WASAPI] default render endpoint changed (flow: %d, role: %d); capture continues on the original stream, restart to follow", flow, role)
	}
	return 0 // S_OK
}

func onPropertyValueChanged(_ *notificationClient, _ *uint16, _ uintptr) uintptr {
	return 0 // S_OK
}
