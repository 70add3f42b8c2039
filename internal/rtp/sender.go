package rtp

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

// FrameDuration is the wire cadence: one 160-sample ulaw packet every 20 ms.
const FrameDuration = 20 * time.Millisecond

// maxQueuePackets bounds the packet queue (30 s of audio). When the
// realtime endpoint outruns the pacer past this point the oldest packets
// are dropped.
const maxQueuePackets = 1500

// maxConsecutiveSendErrors closes the sender after repeated hard socket
// failures.
const maxConsecutiveSendErrors = 10

// resyncThreshold is how far the pacing deadline may fall behind wall
// time before it snaps back to now instead of bursting to catch up.
const resyncThreshold = 5 * FrameDuration

// Sender paces ulaw audio to the caller as RTP. Push accepts arbitrary
// byte counts; full 160-byte frames go on the packet queue and any
// remainder waits in the byte buffer for the next push. A monotonic
// scheduler emits one packet per 20 ms tick against an absolute deadline
// so transient jitter does not accumulate into drift.
//
// When both the buffer and the queue transition from non-empty to empty
// the sender fires its drained callback exactly once; idle ticks do not
// re-fire until new audio arrives.
type Sender struct {
	callID string
	conn   *net.UDPConn
	dest   atomic.Pointer[net.UDPAddr]

	mu      sync.Mutex
	buf     []byte
	queue   [][]byte
	active  bool
	dropped uint64

	seq  uint16
	ts   uint32
	ssrc uint32

	sendErrs int

	onDrained func(callID string)

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	closed   atomic.Bool
}

// NewSender binds an ephemeral local UDP socket and starts the pacing
// loop. Packets are held (queued, not sent) until SetDestination is
// called with the address observed by the Receiver.
func NewSender(callID string, onDrained func(callID string)) (*Sender, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		return nil, err
	}

	s := &Sender{
		callID:    callID,
		conn:      conn,
		ssrc:      GenerateSSRC(),
		seq:       GenerateSequenceStart(),
		ts:        GenerateTimestampStart(),
		onDrained: onDrained,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.paceLoop()

	slog.Debug("[RTP-Send] Started", "call_id", callID, "ssrc", s.ssrc)
	return s, nil
}

// SetDestination sets where packets are sent. Called once the Receiver
// has seen the external media leg's first datagram.
func (s *Sender) SetDestination(addr *net.UDPAddr) {
	s.dest.Store(addr)
	slog.Debug("[RTP-Send] Destination set", "call_id", s.callID, "dest", addr.String())
}

// Push appends ulaw audio of any length for paced transmission.
func (s *Sender) Push(audio []byte) {
	if len(audio) == 0 || s.closed.Load() {
		return
	}

	s.mu.Lock()
	s.buf = append(s.buf, audio...)
	for len(s.buf) >= SamplesPerPacket {
		frame := make([]byte, SamplesPerPacket)
		copy(frame, s.buf[:SamplesPerPacket])
		s.buf = s.buf[SamplesPerPacket:]
		s.queue = append(s.queue, frame)
	}
	if excess := len(s.queue) - maxQueuePackets; excess > 0 {
		s.queue = s.queue[excess:]
		s.dropped += uint64(excess)
		slog.Warn("[RTP-Send] Queue overflow, dropped oldest",
			"call_id", s.callID, "dropped", excess, "total_dropped", s.dropped)
	}
	s.active = true
	s.mu.Unlock()
}

// StopPlayback implements barge-in: the byte buffer and packet queue are
// dropped atomically so no queued assistant audio reaches the caller.
func (s *Sender) StopPlayback() {
	s.mu.Lock()
	flushed := len(s.queue)
	s.buf = nil
	s.queue = nil
	s.mu.Unlock()

	if flushed > 0 {
		slog.Info("[RTP-Send] Playback flushed", "call_id", s.callID, "packets_dropped", flushed)
	}
}

// QueueEmpty reports whether nothing is buffered or queued.
func (s *Sender) QueueEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) == 0 && len(s.buf) == 0
}

// End stops the pacing loop and drops any remaining audio. The socket
// stays open until Close so in-flight writes cannot race the close.
func (s *Sender) End() {
	if s.closed.Swap(true) {
		return
	}
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done

	s.mu.Lock()
	s.buf = nil
	s.queue = nil
	s.mu.Unlock()

	slog.Debug("[RTP-Send] Ended", "call_id", s.callID)
}

// Close ends the pacer and closes the UDP socket. Idempotent.
func (s *Sender) Close() {
	s.End()
	_ = s.conn.Close()
}

func (s *Sender) paceLoop() {
	defer close(s.done)

	next := time.Now().Add(FrameDuration)
	timer := time.NewTimer(FrameDuration)
	defer timer.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-timer.C:
		}

		s.tick()

		next = next.Add(FrameDuration)
		wait := time.Until(next)
		if wait < -resyncThreshold {
			next = time.Now().Add(FrameDuration)
			wait = FrameDuration
		}
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
	}
}

func (s *Sender) tick() {
	dest := s.dest.Load()
	if dest == nil {
		// No destination yet: hold audio rather than spray a guessed
		// address (the PBX may originate from an ephemeral port).
		return
	}

	s.mu.Lock()
	var frame []byte
	if len(s.queue) > 0 {
		frame = s.queue[0]
		s.queue = s.queue[1:]
	}
	fireDrained := false
	if frame == nil && len(s.buf) == 0 && s.active {
		s.active = false
		fireDrained = true
	}
	s.mu.Unlock()

	if frame != nil {
		s.send(frame, dest)
	}
	if fireDrained && s.onDrained != nil {
		s.onDrained(s.callID)
	}
}

func (s *Sender) send(frame []byte, dest *net.UDPAddr) {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    PayloadTypePCMU,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
			SSRC:           s.ssrc,
		},
		Payload: frame,
	}

	data, err := pkt.Marshal()
	if err != nil {
		slog.Error("[RTP-Send] Marshal failed", "call_id", s.callID, "error", err)
		return
	}

	if _, err := s.conn.WriteToUDP(data, dest); err != nil {
		s.sendErrs++
		slog.Warn("[RTP-Send] Send failed",
			"call_id", s.callID, "dest", dest.String(), "errors", s.sendErrs, "error", err)
		if s.sendErrs >= maxConsecutiveSendErrors {
			slog.Error("[RTP-Send] Too many send errors, closing", "call_id", s.callID)
			go s.End()
		}
		return
	}
	s.sendErrs = 0

	s.seq++
	s.ts += SamplesPerPacket
}
