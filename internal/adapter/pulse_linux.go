//go:build linux

package adapter

import (
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/jfreymuth/pulse/proto"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/pozitronik/proctap/internal/pcm"
)

// New returns the PulseAudio/PipeWire adapter. PipeWire exposes the
// same native protocol through pipewire-pulse, so one implementation
// covers both servers.
func New() (Adapter, error) {
	return &pulseAdapter{}, nil
}

// paInvalidIndex is PA_INVALID_INDEX, "no such object" in the protocol.
const paInvalidIndex = 0xFFFFFFFF

// PA_SAMPLE_S24LE and PA_SAMPLE_S24_32LE from the PulseAudio native
// protocol; the proto package does not bind these format codes.
const (
	formatInt24LE    = 9
	formatInt24_32LE = 11
)

// pulseAdapter records the monitor source of the sink the target
// process plays into. When the server honors it, the record stream is
// bound directly to the matched sink input so only that stream's audio
// is captured; otherwise the whole sink's monitor is recorded and the
// caveat is logged once.
//
// The low-level protocol client only reads the socket while a request
// round trip is in flight, so a pump goroutine keeps one cheap request
// going for the life of the connection; the server's asynchronous
// Record frames are dispatched to the callback as a side effect.
type pulseAdapter struct {
	mu     sync.Mutex
	opened bool
	closed bool
	corked bool

	client   *proto.Client
	conn     net.Conn
	pumpStop chan struct{}

	streamIndex uint32
	format      pcm.Format

	// pendingMu guards the collected record data on its own lock:
	// onMessage runs synchronously inside a Request round trip, and
	// Start/Stop/Close issue requests while holding mu.
	pendingMu  sync.Mutex
	collecting bool
	pending    []byte
}

// Open connects to the sound server, locates the sink input owned by
// pid and creates a corked record stream on its sink's monitor source.
func (a *pulseAdapter) Open(pid uint32) (pcm.Format, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.opened {
		return a.format, nil
	}

	if alive, err := process.PidExists(int32(pid)); err == nil && !alive {
		return pcm.Format{}, fmt.Errorf("pid %d: %w", pid, ErrProcessNotFound)
	}

	client, conn, err := proto.Connect("")
	if err != nil {
		return pcm.Format{}, fmt.Errorf("%w: %v", ErrSubsystemUnavailable, err)
	}

	fail := func(err error) (pcm.Format, error) {
		conn.Close()
		return pcm.Format{}, err
	}

	client.Callback = a.onMessage

	cookie, _ := os.ReadFile(cookiePath())
	var authReply proto.AuthReply
	if err := client.Request(&proto.Auth{Version: client.Version(), Cookie: cookie}, &authReply); err != nil {
		return fail(fmt.Errorf("%w: auth: %v", ErrSubsystemUnavailable, err))
	}
	client.SetVersion(authReply.Version)

	if err := client.Request(&proto.SetClientName{Props: proto.PropList{
		"application.name": proto.PropListString("proctap"),
	}}, &proto.SetClientNameReply{}); err != nil {
		return fail(fmt.Errorf("%w: set client name: %v", ErrSubsystemUnavailable, err))
	}

	input, err := findSinkInput(client, pid)
	if err != nil {
		return fail(err)
	}

	var sink proto.GetSinkInfoReply
	if err := client.Request(&proto.GetSinkInfo{SinkIndex: input.SinkIndex}, &sink); err != nil {
		return fail(fmt.Errorf("%w: sink lookup: %v", ErrSubsystemUnavailable, err))
	}

	spec := sink.SampleSpec
	if _, ok := layoutFromPulse(spec.Format); !ok {
		// The server converts on our behalf; ask for floats at the
		// monitor's own rate.
		spec.Format = proto.FormatFloat32LE
	}

	request := &proto.CreateRecordStream{
		SourceIndex:        sink.MonitorSourceIndex,
		SampleSpec:         spec,
		ChannelMap:         sink.ChannelMap,
		BufferMaxLength:    paInvalidIndex,
		BufferFragSize:     uint32(int(spec.Rate) / 50 * frameBytesForPulse(spec)), // 20ms fragments
		Corked:             true,
		DirectOnInputIndex: input.SinkInputIndex,
		Properties: proto.PropList{
			"media.name": proto.PropListString(fmt.Sprintf("proctap pid %d", pid)),
		},
	}

	var reply proto.CreateRecordStreamReply
	if err := client.Request(request, &reply); err != nil {
		// Older servers reject per-sink-input capture; fall back to the
		// whole sink monitor. Everything on that sink is captured, not
		// just the target process.
		log.Printf("[PULSE] per-sink-input capture rejected (%v); falling back to whole-sink monitor of sink %d", err, input.SinkIndex)
		request.DirectOnInputIndex = paInvalidIndex
		if err := client.Request(request, &reply); err != nil {
			return fail(fmt.Errorf("%w: create record stream: %v", ErrSubsystemUnavailable, err))
		}
	}

	layout, ok := layoutFromPulse(reply.SampleSpec.Format)
	if !ok {
		client.Request(&proto.DeleteRecordStream{StreamIndex: reply.StreamIndex}, nil)
		return fail(fmt.Errorf("%w: server chose %d", pcm.ErrUnsupportedFormat, reply.SampleSpec.Format))
	}

	a.client = client
	a.conn = conn
	a.pumpStop = make(chan struct{})
	a.streamIndex = reply.StreamIndex
	a.format = pcm.Format{
		Rate:     int(reply.SampleSpec.Rate),
		Channels: int(reply.SampleSpec.Channels),
		Layout:   layout,
	}
	a.opened = true
	a.closed = false
	a.corked = true

	a.pendingMu.Lock()
	a.collecting = true
	a.pending = nil
	a.pendingMu.Unlock()

	go a.pump(client, a.pumpStop)

	log.Printf("[PULSE] opened monitor capture for pid %d: sink input %d on sink %d (%s)", pid, input.SinkInputIndex, input.SinkIndex, a.format)
	return a.format, nil
}

// pump services the connection until stop. Request is the protocol
// client's only socket read point: each round trip also drains and
// dispatches the Record frames the server pushed since the last one.
func (a *pulseAdapter) pump(client *proto.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := client.Request(&proto.GetServerInfo{}, &proto.GetServerInfoReply{}); err != nil {
				a.mu.Lock()
				closed := a.closed
				a.mu.Unlock()
				if !closed {
					log.Printf("[PULSE] connection lost: %v", err)
				}
				return
			}
		}
	}
}

// Start uncorks the record stream.
func (a *pulseAdapter) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.opened || a.closed {
		return fmt.Errorf("%w: adapter not open", ErrSubsystemError)
	}
	if !a.corked {
		return ErrAlreadyStarted
	}
	if err := a.client.Request(&proto.CorkRecordStream{StreamIndex: a.streamIndex, Corked: false}, nil); err != nil {
		return fmt.Errorf("%w: uncork record stream: %v", ErrSubsystemError, err)
	}
	a.corked = false
	return nil
}

// Read drains everything the server has pushed since the last call.
func (a *pulseAdapter) Read() ([]byte, error) {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	if !a.collecting || len(a.pending) == 0 {
		return nil, nil
	}
	out := a.pending
	a.pending = nil
	return out, nil
}

// Stop corks the record stream without tearing it down.
func (a *pulseAdapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.opened || a.closed || a.corked {
		return nil
	}
	if err := a.client.Request(&proto.CorkRecordStream{StreamIndex: a.streamIndex, Corked: true}, nil); err != nil {
		return fmt.Errorf("cork record stream: %w", err)
	}
	a.corked = true
	return nil
}

// Close deletes the stream and drops the server connection. Idempotent.
func (a *pulseAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || !a.opened {
		a.closed = true
		return nil
	}
	a.closed = true
	close(a.pumpStop)
	a.pendingMu.Lock()
	a.collecting = false
	a.pending = nil
	a.pendingMu.Unlock()
	if err := a.client.Request(&proto.DeleteRecordStream{StreamIndex: a.streamIndex}, nil); err != nil {
		log.Printf("[PULSE] delete record stream: %v", err)
	}
	a.conn.Close()
	log.Printf("[PULSE] closed monitor capture")
	return nil
}

// onMessage receives asynchronous server messages, record data included.
func (a *pulseAdapter) onMessage(msg interface{}) {
	rec, ok := msg.(*proto.DataPacket)
	if !ok {
		return
	}
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	if !a.collecting || rec.StreamIndex != a.streamIndex {
		return
	}
	a.pending = append(a.pending, rec.Data...)
}

// findSinkInput locates the sink input owned by pid.
func findSinkInput(client *proto.Client, pid uint32) (*proto.GetSinkInputInfoReply, error) {
	var inputs proto.GetSinkInputInfoListReply
	if err := client.Request(&proto.GetSinkInputInfoList{}, &inputs); err != nil {
		return nil, fmt.Errorf("%w: sink input enumeration: %v", ErrSubsystemUnavailable, err)
	}
	pidStr := strconv.FormatUint(uint64(pid), 10)
	for _, input := range inputs {
		if v, ok := input.Properties["application.process.id"]; ok && v.String() == pidStr {
			return input, nil
		}
	}
	return nil, fmt.Errorf("pid %d has no sink input: %w", pid, ErrNoAudioOutput)
}

// layoutFromPulse maps a protocol sample format onto the engine's
// layouts.
func layoutFromPulse(f byte) (pcm.SampleLayout, bool) {
	switch f {
	case proto.FormatInt16LE:
		return pcm.Int16LE, true
	case formatInt24LE:
		return pcm.Int24LE, true
	case formatInt24_32LE:
		return pcm.Int24In32LE, true
	case proto.FormatInt32LE:
		return pcm.Int32LE, true
	case proto.FormatFloat32LE:
		return pcm.Float32LE, true
	}
	return 0, false
}

func frameBytesForPulse(spec proto.SampleSpec) int {
	layout, ok := layoutFromPulse(spec.Format)
	if !ok {
		layout = pcm.Float32LE
	}
	return int(spec.Channels) * layout.BytesPerSample()
}

// cookiePath resolves the PulseAudio auth cookie location. A missing
// cookie is fine for same-user unix-socket connections.
func cookiePath() string {
	if p := os.Getenv("PULSE_COOKIE"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "pulse", "cookie")
}
