package capture

import (
	"encoding/binary"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pozitronik/proctap/internal/adapter"
	"github.com/pozitronik/proctap/internal/pcm"
)

// fakeAdapter feeds scripted canonical-format buffers to the worker, so
// the converter passes them through untouched and tests can tag each
// buffer with an index.
type fakeAdapter struct {
	mu      sync.Mutex
	format  pcm.Format
	buffers [][]byte
	openErr error
	opened  bool
	started bool
	closed  bool
	drained chan struct{} // closed once the script runs dry
	once    sync.Once
}

func newFakeAdapter(buffers [][]byte) *fakeAdapter {
	return &fakeAdapter{
		format:  pcm.Canonical,
		buffers: buffers,
		drained: make(chan struct{}),
	}
}

func (f *fakeAdapter) Open(pid uint32) (pcm.Format, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return pcm.Format{}, f.openErr
	}
	f.opened = true
	return f.format, nil
}

func (f *fakeAdapter) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeAdapter) Read() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || len(f.buffers) == 0 {
		f.once.Do(func() { close(f.drained) })
		return nil, nil
	}
	buf := f.buffers[0]
	f.buffers = f.buffers[1:]
	return buf, nil
}

func (f *fakeAdapter) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
	return nil
}

func (f *fakeAdapter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// install wires the fake in place of the platform adapter for one test.
func (f *fakeAdapter) install(t *testing.T) {
	t.Helper()
	prev := newAdapter
	newAdapter = func() (adapter.Adapter, error) { return f, nil }
	t.Cleanup(func() { newAdapter = prev })
}

// indexedBuffer is one canonical frame whose left sample encodes idx.
func indexedBuffer(idx int) []byte {
	buf := make([]byte, pcm.CanonicalFrameBytes)
	binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(idx)))
	return buf
}

func bufferIndex(buf []byte) int {
	return int(math.Float32frombits(binary.LittleEndian.Uint32(buf)))
}

func indexedBuffers(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = indexedBuffer(i)
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = time.Millisecond
	return cfg
}

func TestStartStopLifecycle(t *testing.T) {
	fake := newFakeAdapter(nil)
	fake.install(t)

	c := NewWithConfig(42, testConfig())
	assert.False(t, c.IsRunning())
	assert.Equal(t, uint32(42), c.PID())

	require.NoError(t, c.Start())
	assert.True(t, c.IsRunning())
	require.NoError(t, c.Start(), "second Start must be a no-op")

	c.Stop()
	assert.False(t, c.IsRunning())
	c.Stop() // idempotent
	c.Close()

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.True(t, fake.closed)
}

func TestStartPropagatesOpenError(t *testing.T) {
	fake := newFakeAdapter(nil)
	fake.openErr = adapter.ErrNoAudioOutput
	fake.install(t)

	c := NewWithConfig(42, testConfig())
	err := c.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, adapter.ErrNoAudioOutput)
	assert.False(t, c.IsRunning())
}

// A silent target produces no callbacks, no queued data, and stops
// promptly.
func TestSilentTarget(t *testing.T) {
	fake := newFakeAdapter(nil)
	fake.install(t)

	var calls int64
	c := NewWithConfig(42, testConfig())
	c.SetCallback(func([]byte, int) { calls++ })
	require.NoError(t, c.Start())

	time.Sleep(200 * time.Millisecond)

	stopStart := time.Now()
	c.Stop()
	assert.Less(t, time.Since(stopStart), 1100*time.Millisecond)
	assert.Zero(t, calls)

	// The stream ends with the sentinel and nothing else.
	_, ok := <-c.Chunks()
	assert.False(t, ok)
}

func TestCallbackReceivesFrames(t *testing.T) {
	fake := newFakeAdapter(indexedBuffers(5))
	fake.install(t)

	type delivery struct {
		idx    int
		frames int
	}
	got := make(chan delivery, 16)

	c := NewWithConfig(42, testConfig())
	c.SetCallback(func(pcmBytes []byte, frames int) {
		got <- delivery{bufferIndex(pcmBytes), frames}
	})
	require.NoError(t, c.Start())
	defer c.Close()

	for i := 0; i < 5; i++ {
		select {
		case d := <-got:
			assert.Equal(t, i, d.idx, "buffers must arrive in capture order")
			assert.Equal(t, 1, d.frames)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for buffer %d", i)
		}
	}
}

func TestCallbackPanicIsContained(t *testing.T) {
	fake := newFakeAdapter(indexedBuffers(3))
	fake.install(t)

	c := NewWithConfig(42, testConfig())
	c.SetCallback(func([]byte, int) { panic("consumer bug") })
	require.NoError(t, c.Start())
	defer c.Close()

	<-fake.drained
	// All three buffers survived the panicking callback and reached the
	// queue.
	for i := 0; i < 3; i++ {
		buf, err := c.Read(time.Second)
		require.NoError(t, err)
		require.NotNil(t, buf)
		assert.Equal(t, i, bufferIndex(buf))
	}
}

func TestRead(t *testing.T) {
	fake := newFakeAdapter(indexedBuffers(2))
	fake.install(t)

	c := NewWithConfig(42, testConfig())

	_, err := c.Read(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrNotRunning, "Read before Start must fail")

	require.NoError(t, c.Start())
	for i := 0; i < 2; i++ {
		buf, err := c.Read(time.Second)
		require.NoError(t, err)
		assert.Equal(t, i, bufferIndex(buf))
	}

	buf, err := c.Read(20 * time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, buf, "timeout returns no data and no error")

	c.Stop()
	_, err = c.Read(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestChunksDrainAndClose(t *testing.T) {
	fake := newFakeAdapter(indexedBuffers(8))
	fake.install(t)

	c := NewWithConfig(42, testConfig())
	require.NoError(t, c.Start())

	<-fake.drained
	c.Stop()

	var got []int
	for buf := range c.Chunks() {
		got = append(got, bufferIndex(buf))
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, got)
}

// Queue overflow keeps the newest buffers.
func TestOverflowKeepsNewest(t *testing.T) {
	fake := newFakeAdapter(indexedBuffers(10))
	fake.install(t)

	cfg := testConfig()
	cfg.QueueCapacity = 4
	c := NewWithConfig(42, cfg)
	require.NoError(t, c.Start())

	<-fake.drained
	c.Stop()

	var got []int
	for buf := range c.Chunks() {
		got = append(got, bufferIndex(buf))
	}
	assert.Equal(t, []int{6, 7, 8, 9}, got, "the last four produced buffers survive")
}

// Swapping the callback mid-stream hands every buffer to exactly one of
// the two callbacks, prefix to the old, suffix to the new.
func TestCallbackSwapMidStream(t *testing.T) {
	const total = 40
	fake := newFakeAdapter(indexedBuffers(total))
	fake.install(t)

	var mu sync.Mutex
	var gotA, gotB []int
	swapped := make(chan struct{})
	installed := make(chan struct{})

	c := NewWithConfig(42, testConfig())
	c.SetCallback(func(pcmBytes []byte, _ int) {
		mu.Lock()
		gotA = append(gotA, bufferIndex(pcmBytes))
		n := len(gotA)
		mu.Unlock()
		if n == 5 {
			close(swapped)
			// Hold the worker until B is installed so the swap lands
			// mid-stream instead of after the script has run dry.
			<-installed
		}
	})
	require.NoError(t, c.Start())
	defer c.Close()

	<-swapped
	c.SetCallback(func(pcmBytes []byte, _ int) {
		mu.Lock()
		defer mu.Unlock()
		gotB = append(gotB, bufferIndex(pcmBytes))
	})
	close(installed)

	<-fake.drained
	time.Sleep(50 * time.Millisecond)
	c.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, gotA)
	require.NotEmpty(t, gotB)
	assert.Len(t, append(gotA, gotB...), total, "every buffer goes to exactly one callback")
	for i, idx := range gotA {
		assert.Equal(t, i, idx, "A sees a contiguous prefix")
	}
	for i, idx := range gotB {
		assert.Equal(t, len(gotA)+i, idx, "B sees the contiguous suffix")
	}
}

// After Stop returns, the callback never fires again.
func TestNoCallbackAfterStop(t *testing.T) {
	fake := newFakeAdapter(indexedBuffers(100))
	fake.install(t)

	var mu sync.Mutex
	calls := 0

	c := NewWithConfig(42, testConfig())
	c.SetCallback(func([]byte, int) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	require.NoError(t, c.Start())

	time.Sleep(20 * time.Millisecond)
	c.Stop()

	mu.Lock()
	after := calls
	mu.Unlock()

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, after, calls)
}

func TestRestartAfterStop(t *testing.T) {
	first := newFakeAdapter(indexedBuffers(2))
	second := newFakeAdapter(indexedBuffers(3))
	adapters := []*fakeAdapter{first, second}

	prev := newAdapter
	newAdapter = func() (adapter.Adapter, error) {
		f := adapters[0]
		adapters = adapters[1:]
		return f, nil
	}
	t.Cleanup(func() { newAdapter = prev })

	c := NewWithConfig(42, testConfig())
	require.NoError(t, c.Start())
	<-first.drained
	c.Stop()

	require.NoError(t, c.Start(), "Start after Stop begins a fresh session")
	<-second.drained
	c.Stop()

	var got []int
	for buf := range c.Chunks() {
		got = append(got, bufferIndex(buf))
	}
	assert.Equal(t, []int{0, 1, 2}, got, "the new session has its own queue")
}

func TestFormatReportsCanonical(t *testing.T) {
	c := New(7)
	info := c.Format()
	assert.Equal(t, 48000, info.SampleRate)
	assert.Equal(t, 2, info.Channels)
	assert.Equal(t, "f32", info.SampleFormat)
	assert.Equal(t, 32, info.BitsPerSample)
}
