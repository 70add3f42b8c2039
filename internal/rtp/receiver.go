package rtp

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

// Receiver is the per-call UDP listener for the external media leg.
// Each datagram of at least HeaderSize bytes has its fixed RTP header
// stripped (CSRCs and extensions are not parsed; the external media leg
// never sends them) and the ulaw payload is handed to the sink. The
// first datagram's source address is reported once so the Sender knows
// where to aim.
type Receiver struct {
	callID string
	conn   *net.UDPConn

	onPayload func([]byte)
	onSource  func(*net.UDPAddr)

	sourceOnce sync.Once
	closed     atomic.Bool
	done       chan struct{}
}

// NewReceiver binds 127.0.0.1:port and starts the read loop.
// onPayload is called from the read goroutine with a fresh slice per
// datagram; onSource is called exactly once with the first remote address.
func NewReceiver(callID string, port int, onPayload func([]byte), onSource func(*net.UDPAddr)) (*Receiver, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		return nil, err
	}

	r := &Receiver{
		callID:    callID,
		conn:      conn,
		onPayload: onPayload,
		onSource:  onSource,
		done:      make(chan struct{}),
	}
	go r.readLoop()

	slog.Debug("[RTP-Recv] Listening", "call_id", callID, "port", port)
	return r, nil
}

func (r *Receiver) readLoop() {
	defer close(r.done)
	buf := make([]byte, 2048)
	for {
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if !r.closed.Load() {
				// Socket errors demote the receiver to closed; they
				// never take the process down.
				slog.Warn("[RTP-Recv] Read error, closing", "call_id", r.callID, "error", err)
				r.Close()
			}
			return
		}
		if r.closed.Load() {
			continue
		}
		if n < HeaderSize {
			continue
		}

		r.sourceOnce.Do(func() {
			slog.Info("[RTP-Recv] First packet", "call_id", r.callID, "source", addr.String())
			if r.onSource != nil {
				r.onSource(addr)
			}
		})

		payload := make([]byte, n-HeaderSize)
		copy(payload, buf[HeaderSize:n])
		r.onPayload(payload)
	}
}

// LocalPort returns the bound UDP port.
func (r *Receiver) LocalPort() int {
	return r.conn.LocalAddr().(*net.UDPAddr).Port
}

// Close stops the read loop and closes the socket. Safe to call more
// than once; datagrams arriving after Close are dropped.
func (r *Receiver) Close() {
	if r.closed.Swap(true) {
		return
	}
	_ = r.conn.Close()
	slog.Debug("[RTP-Recv] Closed", "call_id", r.callID)
}

// Done is closed when the read loop has exited.
func (r *Receiver) Done() <-chan struct{} {
	return r.done
}
