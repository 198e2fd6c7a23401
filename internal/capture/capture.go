// Package capture is the high-level engine: it owns one capture session
// per target process and fans converted audio out to a registered
// callback, a blocking Read and a streaming channel.
//
// All output is in the canonical format: 48 kHz, 2 channels, float32
// little-endian, interleaved, normalized to [-1.0, +1.0].
package capture

import (
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pozitronik/proctap/internal/adapter"
	"github.com/pozitronik/proctap/internal/pcm"
)

// ErrNotRunning is returned by Read on a session that is not running.
var ErrNotRunning = errors.New("capture is not running")

// Callback receives one converted buffer. pcmBytes is canonical-format
// audio; frames is its frame count. Called synchronously from the
// capture worker: keep it short or audio will queue up behind it.
type Callback func(pcmBytes []byte, frames int)

// Config carries the session knobs.
type Config struct {
	// QueueCapacity bounds the delivery queue, in buffers. On overflow
	// the oldest buffer is dropped.
	QueueCapacity int
	// Quality selects the resampler filter length.
	Quality pcm.Quality
	// PollInterval is how long the worker sleeps after an empty read.
	PollInterval time.Duration
	// StopTimeout bounds how long Stop waits for the worker to exit
	// before proceeding with teardown anyway.
	StopTimeout time.Duration
}

// DefaultConfig returns the standard session configuration.
func DefaultConfig() Config {
	return Config{
		QueueCapacity: 256,
		Quality:       pcm.Best,
		PollInterval:  10 * time.Millisecond,
		StopTimeout:   time.Second,
	}
}

// FormatInfo describes the fixed output format.
type FormatInfo struct {
	SampleRate    int
	Channels      int
	SampleFormat  string
	BitsPerSample int
}

// session is the per-start state. A fresh one is built on every Start so
// a worker that outlived its join timeout can never touch a successor's
// queue or flag.
type session struct {
	stop  atomic.Bool
	done  chan struct{}
	queue *deliveryQueue
}

// Capture is the facade over one per-process capture session.
//
// Lifecycle: constructed idle, Start acquires OS resources and spawns
// the worker, Stop/Close tears down. Start after Stop begins a fresh
// session. Start, Stop and Close are idempotent. The zero pattern for
// scoped use is:
//
//	c := capture.New(pid)
//	if err := c.Start(); err != nil { ... }
//	defer c.Close()
type Capture struct {
	pid uint32
	cfg Config

	mu      sync.Mutex // lifecycle transitions
	ad      adapter.Adapter
	sess    *session
	running bool

	callback atomic.Pointer[Callback]
}

// New builds an idle session for pid with the default configuration.
func New(pid uint32) *Capture {
	return NewWithConfig(pid, DefaultConfig())
}

// NewWithConfig builds an idle session with explicit knobs. Zero fields
// fall back to the defaults.
func NewWithConfig(pid uint32, cfg Config) *Capture {
	def := DefaultConfig()
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	return &Capture{pid: pid, cfg: cfg}
}

// newAdapter is swapped out by tests to capture from a scripted source.
var newAdapter = adapter.New

// Start opens the platform adapter against the target process and
// spawns the capture worker. Calling Start on a running session is a
// no-op.
func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	ad, err := newAdapter()
	if err != nil {
		return err
	}
	native, err := ad.Open(c.pid)
	if err != nil {
		ad.Close()
		return fmt.Errorf("open capture for pid %d: %w", c.pid, err)
	}
	conv, err := pcm.NewConverter(native, c.cfg.Quality)
	if err != nil {
		ad.Close()
		return fmt.Errorf("converter for %s: %w", native, err)
	}
	if err := ad.Start(); err != nil {
		ad.Close()
		return fmt.Errorf("start capture for pid %d: %w", c.pid, err)
	}

	sess := &session{
		done:  make(chan struct{}),
		queue: newDeliveryQueue(c.cfg.QueueCapacity),
	}
	c.ad = ad
	c.sess = sess
	c.running = true

	go c.worker(sess, ad, conv)

	log.Printf("[CAPTURE] started: pid %d, native %s -> %s", c.pid, native, pcm.Canonical)
	return nil
}

// worker drives adapter -> converter -> callback + queue until the stop
// flag is raised. Transient errors are logged and survived; only Stop
// ends the loop.
func (c *Capture) worker(sess *session, ad adapter.Adapter, conv *pcm.Converter) {
	defer close(sess.done)
	defer sess.queue.close()

	dropLogged := 0
	for !sess.stop.Load() {
		raw, err := ad.Read()
		if err != nil {
			log.Printf("[CAPTURE] read error (continuing): %v", err)
			continue
		}
		if len(raw) == 0 {
			time.Sleep(c.cfg.PollInterval)
			continue
		}

		out, err := conv.Convert(raw)
		if err != nil {
			log.Printf("[CAPTURE] convert error (dropping buffer): %v", err)
			continue
		}
		if len(out) == 0 {
			continue
		}
		frames := len(out) / pcm.CanonicalFrameBytes

		if cb := c.callback.Load(); cb != nil {
			invokeCallback(*cb, out, frames)
		}
		if sess.queue.push(out) {
			dropLogged++
			if dropLogged == 1 || dropLogged%100 == 0 {
				log.Printf("[CAPTURE] delivery queue full, dropped %d buffers so far", dropLogged)
			}
		}
	}
}

// invokeCallback shields the worker from a panicking consumer.
func invokeCallback(cb Callback, pcmBytes []byte, frames int) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[CAPTURE] callback panic (ignored): %v\n%s", r, debug.Stack())
		}
	}()
	cb(pcmBytes, frames)
}

// Stop signals the worker, waits for it within the configured timeout
// and releases the OS capture resources. Idempotent; teardown errors
// are logged, never returned.
func (c *Capture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}
	c.running = false

	sess := c.sess
	sess.stop.Store(true)
	select {
	case <-sess.done:
	case <-time.After(c.cfg.StopTimeout):
		// Detached worker: the adapter tolerates Close during a pending
		// read, and its queue pushes become no-ops once closed below.
		log.Printf("[CAPTURE] worker did not exit within %s, proceeding with teardown", c.cfg.StopTimeout)
	}
	sess.queue.close()

	if err := c.ad.Stop(); err != nil {
		log.Printf("[CAPTURE] adapter stop: %v", err)
	}
	if err := c.ad.Close(); err != nil {
		log.Printf("[CAPTURE] adapter close: %v", err)
	}
	c.ad = nil

	log.Printf("[CAPTURE] stopped: pid %d", c.pid)
}

// Close stops the session. Alias kept so scoped use reads naturally.
func (c *Capture) Close() {
	c.Stop()
}

// Read blocks until the next converted buffer arrives, the stream ends,
// or timeout passes. Returns (nil, nil) on timeout and ErrNotRunning on
// an idle or stopped session.
func (c *Capture) Read(timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	sess := c.sess
	running := c.running
	c.mu.Unlock()

	if !running || sess == nil {
		return nil, ErrNotRunning
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case buf, ok := <-sess.queue.channel():
		if !ok {
			return nil, ErrNotRunning
		}
		return buf, nil
	case <-timer.C:
		return nil, nil
	}
}

// Chunks returns the stream of converted buffers for range-style
// consumption. The channel closes when the session stops; a session
// that never started yields an already-closed channel.
func (c *Capture) Chunks() <-chan []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		closed := make(chan []byte)
		close(closed)
		return closed
	}
	return c.sess.queue.channel()
}

// SetCallback installs (or, with nil, removes) the per-buffer callback.
// Callable at any time; the worker observes the swap on its next
// buffer, and every buffer goes to exactly one callback.
func (c *Capture) SetCallback(cb Callback) {
	if cb == nil {
		c.callback.Store(nil)
		return
	}
	c.callback.Store(&cb)
}

// Format reports the fixed output format.
func (c *Capture) Format() FormatInfo {
	return FormatInfo{
		SampleRate:    pcm.CanonicalRate,
		Channels:      pcm.CanonicalChannels,
		SampleFormat:  "f32",
		BitsPerSample: 32,
	}
}

// IsRunning reports whether a worker is live.
func (c *Capture) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// PID returns the target process identifier.
func (c *Capture) PID() uint32 {
	return c.pid
}
