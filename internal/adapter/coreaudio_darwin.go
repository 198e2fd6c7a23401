//go:build darwin

package adapter

/*
#cgo CFLAGS: -x objective-c -fobjc-arc
#cgo LDFLAGS: -framework CoreAudio -framework AudioToolbox -framework Foundation

#include <stdint.h>
#include <stdlib.h>
#include <string.h>
#include <pthread.h>
#include <Foundation/Foundation.h>
#include <CoreAudio/CoreAudio.h>
#include <CoreAudio/CATapDescription.h>
#include <CoreAudio/AudioHardwareTapping.h>

// Result codes shared with the Go side.
enum {
	PROCTAP_OK          = 0,
	PROCTAP_UNSUPPORTED = 1,
	PROCTAP_NO_PROCESS  = 2,
	PROCTAP_TAP_FAILED  = 3,
	PROCTAP_AGG_FAILED  = 4,
	PROCTAP_IO_FAILED   = 5,
};

// Byte ring buffer filled from the IO proc, drained by proctap_read.
// Oldest bytes are overwritten on overflow so the reader always sees
// the freshest audio.
typedef struct {
	uint8_t        *data;
	int             capacity;
	int             size;
	int             readPos;
	int             writePos;
	pthread_mutex_t lock;
} proctap_ring;

typedef struct {
	AudioObjectID       tap;
	AudioObjectID       aggregate;
	AudioDeviceIOProcID ioProcID;
	proctap_ring        ring;
	double              sampleRate;
	uint32_t            channels;
} proctap_handle;

static void ring_init(proctap_ring *r, int capacity) {
	r->data = malloc(capacity);
	r->capacity = capacity;
	r->size = 0;
	r->readPos = 0;
	r->writePos = 0;
	pthread_mutex_init(&r->lock, NULL);
}

static void ring_free(proctap_ring *r) {
	free(r->data);
	r->data = NULL;
	pthread_mutex_destroy(&r->lock);
}

static void ring_write(proctap_ring *r, const uint8_t *src, int n) {
	pthread_mutex_lock(&r->lock);
	for (int i = 0; i < n; i++) {
		r->data[r->writePos] = src[i];
		r->writePos = (r->writePos + 1) % r->capacity;
		if (r->size < r->capacity) {
			r->size++;
		} else {
			r->readPos = (r->readPos + 1) % r->capacity;
		}
	}
	pthread_mutex_unlock(&r->lock);
}

static int ring_read(proctap_ring *r, uint8_t *dst, int cap) {
	pthread_mutex_lock(&r->lock);
	int n = r->size < cap ? r->size : cap;
	for (int i = 0; i < n; i++) {
		dst[i] = r->data[r->readPos];
		r->readPos = (r->readPos + 1) % r->capacity;
	}
	r->size -= n;
	pthread_mutex_unlock(&r->lock);
	return n;
}

static OSStatus proctap_io_proc(AudioObjectID device,
                                const AudioTimeStamp *now,
                                const AudioBufferList *inputData,
                                const AudioTimeStamp *inputTime,
                                AudioBufferList *outputData,
                                const AudioTimeStamp *outputTime,
                                void *clientData) {
	proctap_handle *h = (proctap_handle *)clientData;
	if (inputData == NULL) {
		return noErr;
	}
	for (UInt32 i = 0; i < inputData->mNumberBuffers; i++) {
		const AudioBuffer *buf = &inputData->mBuffers[i];
		if (buf->mData != NULL && buf->mDataByteSize > 0) {
			ring_write(&h->ring, (const uint8_t *)buf->mData, (int)buf->mDataByteSize);
		}
	}
	return noErr;
}

static int proctap_translate_pid(pid_t pid, AudioObjectID *out) {
	AudioObjectPropertyAddress addr = {
		kAudioHardwarePropertyTranslatePIDToProcessObject,
		kAudioObjectPropertyScopeGlobal,
		kAudioObjectPropertyElementMain,
	};
	UInt32 size = sizeof(AudioObjectID);
	OSStatus status = AudioObjectGetPropertyData(kAudioObjectSystemObject, &addr,
	                                             sizeof(pid), &pid, &size, out);
	if (status != noErr || *out == kAudioObjectUnknown) {
		return PROCTAP_NO_PROCESS;
	}
	return PROCTAP_OK;
}

int proctap_available(void) {
	if (__builtin_available(macOS 14.4, *)) {
		return 1;
	}
	return 0;
}

int proctap_open(pid_t pid, proctap_handle **out,
                 double *sampleRate, uint32_t *channels, uint32_t *isFloat) {
	if (!proctap_available()) {
		return PROCTAP_UNSUPPORTED;
	}
	if (__builtin_available(macOS 14.4, *)) {
		AudioObjectID processObj = kAudioObjectUnknown;
		int rc = proctap_translate_pid(pid, &processObj);
		if (rc != PROCTAP_OK) {
			return rc;
		}

		@autoreleasepool {
			CATapDescription *desc =
			    [[CATapDescription alloc] initStereoMixdownOfProcesses:@[ @(processObj) ]];
			desc.name = @"proctap";
			desc.privateTap = YES;
			desc.muteBehavior = CATapUnmuted;

			AudioObjectID tap = kAudioObjectUnknown;
			OSStatus status = AudioHardwareCreateProcessTap(desc, &tap);
			if (status != noErr || tap == kAudioObjectUnknown) {
				return PROCTAP_TAP_FAILED;
			}

			// The tap reports its own stream format (stereo mixdown,
			// float32 at the device rate).
			AudioStreamBasicDescription asbd;
			memset(&asbd, 0, sizeof(asbd));
			UInt32 size = sizeof(asbd);
			AudioObjectPropertyAddress fmtAddr = {
				kAudioTapPropertyFormat,
				kAudioObjectPropertyScopeGlobal,
				kAudioObjectPropertyElementMain,
			};
			status = AudioObjectGetPropertyData(tap, &fmtAddr, 0, NULL, &size, &asbd);
			if (status != noErr) {
				AudioHardwareDestroyProcessTap(tap);
				return PROCTAP_TAP_FAILED;
			}

			NSString *aggUID = [[NSUUID UUID] UUIDString];
			NSDictionary *aggDict = @{
				@(kAudioAggregateDeviceUIDKey) : aggUID,
				@(kAudioAggregateDeviceNameKey) : @"proctap aggregate",
				@(kAudioAggregateDeviceIsPrivateKey) : @YES,
				@(kAudioAggregateDeviceTapAutoStartKey) : @NO,
				@(kAudioAggregateDeviceTapListKey) : @[ @{
					@(kAudioSubTapUIDKey) : [[desc UUID] UUIDString],
					@(kAudioSubTapDriftCompensationKey) : @YES,
				} ],
			};
			AudioObjectID aggregate = kAudioObjectUnknown;
			status = AudioHardwareCreateAggregateDevice(
			    (__bridge CFDictionaryRef)aggDict, &aggregate);
			if (status != noErr || aggregate == kAudioObjectUnknown) {
				AudioHardwareDestroyProcessTap(tap);
				return PROCTAP_AGG_FAILED;
			}

			proctap_handle *h = calloc(1, sizeof(proctap_handle));
			h->tap = tap;
			h->aggregate = aggregate;
			h->sampleRate = asbd.mSampleRate;
			h->channels = asbd.mChannelsPerFrame;
			// One second of audio at the tap format.
			ring_init(&h->ring, (int)(asbd.mSampleRate * asbd.mBytesPerFrame));

			status = AudioDeviceCreateIOProcID(aggregate, proctap_io_proc, h, &h->ioProcID);
			if (status != noErr) {
				AudioHardwareDestroyAggregateDevice(aggregate);
				AudioHardwareDestroyProcessTap(tap);
				ring_free(&h->ring);
				free(h);
				return PROCTAP_IO_FAILED;
			}

			*sampleRate = asbd.mSampleRate;
			*channels = asbd.mChannelsPerFrame;
			*isFloat = (asbd.mFormatFlags & kAudioFormatFlagIsFloat) != 0;
			*out = h;
			return PROCTAP_OK;
		}
	}
	return PROCTAP_UNSUPPORTED;
}

int proctap_start(proctap_handle *h) {
	OSStatus status = AudioDeviceStart(h->aggregate, h->ioProcID);
	return status == noErr ? PROCTAP_OK : PROCTAP_IO_FAILED;
}

int proctap_stop(proctap_handle *h) {
	OSStatus status = AudioDeviceStop(h->aggregate, h->ioProcID);
	return status == noErr ? PROCTAP_OK : PROCTAP_IO_FAILED;
}

int proctap_read(proctap_handle *h, uint8_t *dst, int cap) {
	return ring_read(&h->ring, dst, cap);
}

void proctap_close(proctap_handle *h) {
	if (h == NULL) {
		return;
	}
	if (h->ioProcID != NULL) {
		AudioDeviceStop(h->aggregate, h->ioProcID);
		AudioDeviceDestroyIOProcID(h->aggregate, h->ioProcID);
	}
	if (h->aggregate != kAudioObjectUnknown) {
		AudioHardwareDestroyAggregateDevice(h->aggregate);
	}
	if (h->tap != kAudioObjectUnknown) {
		if (__builtin_available(macOS 14.4, *)) {
			AudioHardwareDestroyProcessTap(h->tap);
		}
	}
	ring_free(&h->ring);
	free(h);
}
*/
import "C"

import (
	"fmt"
	"log"
	"sync"
	"unsafe"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/pozitronik/proctap/internal/pcm"
)

// New returns the Core Audio process-tap adapter.
func New() (Adapter, error) {
	return &tapAdapter{}, nil
}

// tapAdapter captures a process's audio through a Core Audio process
// tap aggregated into a private device. Requires macOS 14.4.
type tapAdapter struct {
	mu      sync.Mutex
	opened  bool
	closed  bool
	started bool
	pid     uint32
	handle  *C.proctap_handle
	format  pcm.Format
	readBuf []byte
}

// Open installs the tap against pid's audio object. The tap delivers a
// stereo mixdown in float32 at the device rate.
func (a *tapAdapter) Open(pid uint32) (pcm.Format, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.opened {
		return a.format, nil
	}
	if C.proctap_available() == 0 {
		return pcm.Format{}, fmt.Errorf("process taps need macOS 14.4: %w", ErrUnsupportedOS)
	}

	alive, err := process.PidExists(int32(pid))
	if err == nil && !alive {
		return pcm.Format{}, fmt.Errorf("pid %d: %w", pid, ErrProcessNotFound)
	}

	var handle *C.proctap_handle
	var sampleRate C.double
	var channels, isFloat C.uint32_t
	switch rc := C.proctap_open(C.pid_t(pid), &handle, &sampleRate, &channels, &isFloat); rc {
	case C.PROCTAP_OK:
	case C.PROCTAP_UNSUPPORTED:
		return pcm.Format{}, ErrUnsupportedOS
	case C.PROCTAP_NO_PROCESS:
		// The HAL only knows processes with a live audio object.
		return pcm.Format{}, fmt.Errorf("pid %d: %w", pid, ErrNoAudioOutput)
	case C.PROCTAP_TAP_FAILED:
		// Tap creation is TCC-gated; the common failure is a missing
		// audio-capture consent.
		return pcm.Format{}, fmt.Errorf("pid %d: %w", pid, ErrPermissionDenied)
	default:
		return pcm.Format{}, fmt.Errorf("%w: process tap setup failed (%d)", ErrSubsystemUnavailable, int(rc))
	}

	layout := pcm.Float32LE
	if isFloat == 0 {
		layout = pcm.Int32LE
	}
	a.pid = pid
	a.handle = handle
	a.format = pcm.Format{Rate: int(sampleRate), Channels: int(channels), Layout: layout}
	// Drain up to 100ms per read.
	a.readBuf = make([]byte, a.format.FrameBytes()*a.format.Rate/10)
	a.opened = true
	a.closed = false

	log.Printf("[COREAUDIO] opened process tap for pid %d (%s)", pid, a.format)
	return a.format, nil
}

// Start runs the aggregate device's IO proc.
func (a *tapAdapter) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.opened || a.closed {
		return fmt.Errorf("%w: adapter not open", ErrSubsystemError)
	}
	if a.started {
		return ErrAlreadyStarted
	}
	if C.proctap_start(a.handle) != C.PROCTAP_OK {
		return fmt.Errorf("%w: AudioDeviceStart failed", ErrSubsystemError)
	}
	a.started = true
	return nil
}

// Read drains whatever the IO proc has buffered, truncated to whole
// frames.
func (a *tapAdapter) Read() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.opened || a.closed {
		return nil, nil
	}
	n := int(C.proctap_read(a.handle, (*C.uint8_t)(unsafe.Pointer(&a.readBuf[0])), C.int(len(a.readBuf))))
	if n == 0 {
		return nil, nil
	}
	n -= n % a.format.FrameBytes()
	out := make([]byte, n)
	copy(out, a.readBuf[:n])
	return out, nil
}

// Stop pauses the IO proc.
func (a *tapAdapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.opened || a.closed || !a.started {
		return nil
	}
	if C.proctap_stop(a.handle) != C.PROCTAP_OK {
		return fmt.Errorf("%w: AudioDeviceStop failed", ErrSubsystemError)
	}
	a.started = false
	return nil
}

// Close destroys the tap and the aggregate device. Idempotent.
func (a *tapAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.handle != nil {
		C.proctap_close(a.handle)
		a.handle = nil
	}
	a.started = false
	log.Printf("[COREAUDIO] closed process tap for pid %d", a.pid)
	return nil
}
