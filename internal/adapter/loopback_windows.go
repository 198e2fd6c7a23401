//go:build windows

package adapter

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
	"unsafe"

	"github.com/go-ole/go-ole"
	"github.com/moutend/go-wca/pkg/wca"
	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/windows"

	"github.com/pozitronik/proctap/internal/pcm"
)

// New returns the WASAPI process-loopback adapter.
func New() (Adapter, error) {
	return &loopbackAdapter{}, nil
}

// AUDCLNT_S_BUFFER_EMPTY: success code, no packets pending. Normal when
// the target is silent.
const audclntSBufferEmpty = 0x08890001

// AUDCLNT_BUFFERFLAGS_SILENT: the packet carries no signal; the engine
// expects the consumer to substitute silence.
const audclntBufferflagsSilent = 0x2

// Relevant activation HRESULTs.
const (
	hrEAccessDenied = 0x80070005
	hrENotFound     = 0x80070490
)

const activateTimeout = 5 * time.Second

// eventWait is how long Read blocks on the capture event before
// reporting an empty buffer.
const eventWait = 10 * time.Millisecond

// loopbackAdapter captures the audio rendered by one process (and its
// children) through the WASAPI process-loopback virtual device.
//
// Teardown safety: every entry point holds mu, and close flips a flag
// that makes a concurrent or subsequent Read return empty instead of
// touching released interfaces.
type loopbackAdapter struct {
	mu            sync.Mutex
	opened        bool
	closed        bool
	started       bool
	pid           uint32
	audioClient   *wca.IAudioClient
	captureClient *wca.IAudioCaptureClient
	captureEvent  windows.Handle
	blockAlign    int
	format        pcm.Format
	notifier      *endpointNotifier
}

// Open activates the process-loopback client for pid and prepares the
// capture stream. The stream format is the default render endpoint's mix
// format: the virtual device has no mix format of its own, and the
// engine delivers whatever the shared-mode format of the real endpoint
// is, unchanged.
func (a *loopbackAdapter) Open(pid uint32) (pcm.Format, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.opened {
		return a.format, nil
	}

	// A dead PID surfaces from activation as a generic failure; check
	// explicitly so the caller gets the precise reason.
	if alive, err := process.PidExists(int32(pid)); err == nil && !alive {
		return pcm.Format{}, fmt.Errorf("pid %d: %w", pid, ErrProcessNotFound)
	}

	if err := ensureCOMInitialized(); err != nil {
		return pcm.Format{}, fmt.Errorf("%w: %v", ErrSubsystemUnavailable, err)
	}

	wfx, format, err := defaultRenderMixFormat()
	if err != nil {
		return pcm.Format{}, err
	}
	defer ole.CoTaskMemFree(uintptr(unsafe.Pointer(wfx)))

	hrActivate, unk, err := activateProcessLoopbackClient(pid, wca.IID_IAudioClient, activateTimeout)
	if err != nil {
		return pcm.Format{}, err
	}
	if hrActivate != 0 {
		return pcm.Format{}, activationError(pid, hrActivate)
	}
	audioClient := (*wca.IAudioClient)(unsafe.Pointer(unk))

	const refTimesPerSec = 10000000                           // 100ns units
	bufferDuration := wca.REFERENCE_TIME(refTimesPerSec / 50) // 20ms buffer

	if err := audioClient.Initialize(
		wca.AUDCLNT_SHAREMODE_SHARED,
		wca.AUDCLNT_STREAMFLAGS_LOOPBACK|wca.AUDCLNT_STREAMFLAGS_EVENTCALLBACK,
		bufferDuration,
		0,
		wfx,
		nil,
	); err != nil {
		safeReleaseAudioClient(&audioClient)
		return pcm.Format{}, fmt.Errorf("IAudioClient::Initialize failed: %w", err)
	}

	captureEvent, err := windows.CreateEvent(nil, 0, 0, nil)
	if err != nil {
		safeReleaseAudioClient(&audioClient)
		return pcm.Format{}, fmt.Errorf("CreateEvent failed: %w", err)
	}
	if err := audioClient.SetEventHandle(uintptr(captureEvent)); err != nil {
		windows.CloseHandle(captureEvent)
		safeReleaseAudioClient(&audioClient)
		return pcm.Format{}, fmt.Errorf("SetEventHandle failed: %w", err)
	}

	var captureClient *wca.IAudioCaptureClient
	if err := audioClient.GetService(wca.IID_IAudioCaptureClient, &captureClient); err != nil {
		windows.CloseHandle(captureEvent)
		safeReleaseAudioClient(&audioClient)
		return pcm.Format{}, fmt.Errorf("GetService IAudioCaptureClient failed: %w", err)
	}

	a.pid = pid
	a.audioClient = audioClient
	a.captureClient = captureClient
	a.captureEvent = captureEvent
	a.blockAlign = format.FrameBytes()
	a.format = format
	a.opened = true
	a.closed = false

	// Log default-endpoint switches for diagnosis. The session keeps
	// capturing against the stream it was opened with; the caller
	// restarts if it wants to follow the new endpoint.
	if n, err := registerEndpointNotifier(); err == nil {
		a.notifier = n
	} else {
		log.Printf("[WASAPI] endpoint change notifications unavailable: %v", err)
	}

	log.Printf("[WASAPI] opened process loopback for pid %d (%s)", pid, format)
	return format, nil
}

// Start begins the capture stream.
func (a *loopbackAdapter) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.opened || a.closed {
		return fmt.Errorf("%w: adapter not open", ErrSubsystemError)
	}
	if a.started {
		return ErrAlreadyStarted
	}
	if err := a.audioClient.Start(); err != nil {
		return fmt.Errorf("%w: IAudioClient::Start: %v", ErrSubsystemError, err)
	}
	a.started = true
	return nil
}

// Read waits briefly on the capture event, then drains every pending
// packet into one buffer of native-format bytes. A nil slice means no
// data was available.
func (a *loopbackAdapter) Read() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.opened || a.closed {
		return nil, nil
	}

	windows.WaitForSingleObject(a.captureEvent, uint32(eventWait.Milliseconds()))

	var out []byte
	for {
		var data *byte
		var frames uint32
		var flags uint32

		err := a.captureClient.GetBuffer(&data, &frames, &flags, nil, nil)
		if err != nil {
			var oleErr *ole.OleError
			if errors.As(err, &oleErr) && uint32(oleErr.Code()) == audclntSBufferEmpty {
				break
			}
			if len(out) > 0 {
				break
			}
			return nil, fmt.Errorf("%w: IAudioCaptureClient::GetBuffer: %v", ErrSubsystemError, err)
		}
		if frames == 0 {
			_ = a.captureClient.ReleaseBuffer(frames)
			break
		}

		size := int(frames) * a.blockAlign
		if flags&audclntBufferflagsSilent != 0 {
			out = append(out, make([]byte, size)...)
		} else {
			out = append(out, unsafe.Slice(data, size)...)
		}
		_ = a.captureClient.ReleaseBuffer(frames)
	}
	return out, nil
}

// Stop halts the capture stream without releasing it.
func (a *loopbackAdapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.opened || a.closed || !a.started {
		return nil
	}
	if err := a.audioClient.Stop(); err != nil {
		return fmt.Errorf("IAudioClient::Stop failed: %w", err)
	}
	a.started = false
	return nil
}

// Close releases all COM interfaces and OS handles. Idempotent.
func (a *loopbackAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	if a.notifier != nil {
		a.notifier.unregister()
		a.notifier = nil
	}
	if a.audioClient != nil {
		_ = a.audioClient.Stop()
	}
	safeReleaseAudioCaptureClient(&a.captureClient)
	safeReleaseAudioClient(&a.audioClient)
	if a.captureEvent != 0 {
		windows.CloseHandle(a.captureEvent)
		a.captureEvent = 0
	}
	a.started = false
	log.Printf("[WASAPI] closed process loopback for pid %d", a.pid)
	return nil
}

// activationError maps the activation HRESULT onto the error taxonomy.
func activationError(pid uint32, hr uint32) error {
	switch hr {
	case hrEAccessDenied:
		return fmt.Errorf("pid %d: %w", pid, ErrPermissionDenied)
	case hrENotFound:
		return fmt.Errorf("pid %d: %w", pid, ErrProcessNotFound)
	default:
		return fmt.Errorf("%w: activation returned 0x%08X", ErrSubsystemUnavailable, hr)
	}
}

// waveFormatExtensible mirrors WAVEFORMATEXTENSIBLE for mix formats with
// WFormatTag = WAVE_FORMAT_EXTENSIBLE.
type waveFormatExtensible struct {
	Format             wca.WAVEFORMATEX
	ValidBitsPerSample uint16
	ChannelMask        uint32
	SubFormat          ole.GUID
}

const waveFormatExtensibleTag = 0xFFFE

var (
	subtypePCM       = ole.NewGUID("{00000001-0000-0010-8000-00AA00389B71}")
	subtypeIEEEFloat = ole.NewGUID("{00000003-0000-0010-8000-00AA00389B71}")
)

// defaultRenderMixFormat queries the default render endpoint's shared
// mix format and maps it onto the engine's format descriptor. The
// returned WAVEFORMATEX must be freed with CoTaskMemFree.
func defaultRenderMixFormat() (*wca.WAVEFORMATEX, pcm.Format, error) {
	mmde, err := createDeviceEnumerator()
	if err != nil {
		return nil, pcm.Format{}, fmt.Errorf("%w: %v", ErrSubsystemUnavailable, err)
	}
	defer safeReleaseMMDeviceEnumerator(&mmde)

	mmd, err := getDefaultRenderDevice(mmde)
	if err != nil {
		return nil, pcm.Format{}, fmt.Errorf("%w: %v", ErrSubsystemUnavailable, err)
	}
	defer safeReleaseMMDevice(&mmd)

	var audioClient *wca.IAudioClient
	if err := mmd.Activate(wca.IID_IAudioClient, wca.CLSCTX_ALL, nil, &audioClient); err != nil {
		return nil, pcm.Format{}, fmt.Errorf("%w: Activate IAudioClient: %v", ErrSubsystemUnavailable, err)
	}
	defer safeReleaseAudioClient(&audioClient)

	var wfx *wca.WAVEFORMATEX
	if err := audioClient.GetMixFormat(&wfx); err != nil {
		return nil, pcm.Format{}, fmt.Errorf("%w: GetMixFormat: %v", ErrSubsystemUnavailable, err)
	}

	format, err := parseWaveFormat(wfx)
	if err != nil {
		ole.CoTaskMemFree(uintptr(unsafe.Pointer(wfx)))
		return nil, pcm.Format{}, err
	}
	return wfx, format, nil
}

// parseWaveFormat maps a WAVEFORMATEX(TENSIBLE) onto a format
// descriptor.
func parseWaveFormat(wfx *wca.WAVEFORMATEX) (pcm.Format, error) {
	format := pcm.Format{
		Rate:     int(wfx.NSamplesPerSec),
		Channels: int(wfx.NChannels),
	}

	const (
		waveFormatPCM       = 1
		waveFormatIEEEFloat = 3
	)

	tag := wfx.WFormatTag
	bits := wfx.WBitsPerSample
	validBits := bits
	if tag == waveFormatExtensibleTag {
		ext := (*waveFormatExtensible)(unsafe.Pointer(wfx))
		validBits = ext.ValidBitsPerSample
		switch {
		case ole.IsEqualGUID(&ext.SubFormat, subtypeIEEEFloat):
			tag = waveFormatIEEEFloat
		case ole.IsEqualGUID(&ext.SubFormat, subtypePCM):
			tag = waveFormatPCM
		default:
			return pcm.Format{}, fmt.Errorf("%w: subformat %s", pcm.ErrUnsupportedFormat, ext.SubFormat.String())
		}
	}

	switch {
	case tag == waveFormatIEEEFloat && bits == 32:
		format.Layout = pcm.Float32LE
	case tag == waveFormatPCM && bits == 16:
		format.Layout = pcm.Int16LE
	case tag == waveFormatPCM && bits == 24:
		format.Layout = pcm.Int24LE
	case tag == waveFormatPCM && bits == 32 && validBits == 24:
		format.Layout = pcm.Int24In32LE
	case tag == waveFormatPCM && bits == 32:
		format.Layout = pcm.Int32LE
	default:
		return pcm.Format{}, fmt.Errorf("%w: tag %d, %d bits", pcm.ErrUnsupportedFormat, tag, bits)
	}
	return format, nil
}
