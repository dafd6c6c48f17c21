package player

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
)

// maxRTPPacketSize bounds one datagram read.
const maxRTPPacketSize = 65536

// AccessUnitCallback receives each reassembled access unit. The
// receiver hands over ownership of the unit.
type AccessUnitCallback func(au *AccessUnit)

// ReceiverStats provides receive-side statistics.
type ReceiverStats struct {
	PacketsReceived uint64
	BytesReceived   uint64
	FramesCompleted uint64
	PacketErrors    uint64
}

// RTPReceiver listens for an H.264 RTP stream on a UDP socket and
// delivers complete access units to a callback. Depacketization runs
// on the receiver's own goroutine; the callback must not block for
// long or the socket buffer overruns.
type RTPReceiver struct {
	addr string
	conn *net.UDPConn

	depacketizer *H264Depacketizer
	callback     AccessUnitCallback
	callbackMu   sync.Mutex

	running atomic.Bool
	wg      sync.WaitGroup

	stats   ReceiverStats
	statsMu sync.Mutex
}

// NewRTPReceiver creates a receiver bound later to ip:port.
func NewRTPReceiver(ip string, port uint16) *RTPReceiver {
	return &RTPReceiver{
		addr:         fmt.Sprintf("%s:%d", ip, port),
		depacketizer: NewH264Depacketizer(),
	}
}

// SetCallback installs the access unit callback. Must be set before
// Start.
func (r *RTPReceiver) SetCallback(cb AccessUnitCallback) {
	r.callbackMu.Lock()
	r.callback = cb
	r.callbackMu.Unlock()
}

// Start binds the socket and launches the receive goroutine.
func (r *RTPReceiver) Start() error {
	if !r.running.CompareAndSwap(false, true) {
		return nil
	}

	addr, err := net.ResolveUDPAddr("udp", r.addr)
	if err != nil {
		r.running.Store(false)
		return fmt.Errorf("resolve %s: %w", r.addr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		r.running.Store(false)
		return fmt.Errorf("listen %s: %w", r.addr, err)
	}
	r.conn = conn

	log.Printf("receiver: listening for RTP on %s", r.addr)

	r.wg.Add(1)
	go r.receiveLoop()
	return nil
}

// Stop closes the socket and waits for the receive goroutine.
func (r *RTPReceiver) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	if r.conn != nil {
		r.conn.Close()
	}
	r.wg.Wait()
}

// LocalAddr returns the bound socket address, nil before Start. Useful
// when listening on an ephemeral port.
func (r *RTPReceiver) LocalAddr() net.Addr {
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

// Stats returns receive statistics.
func (r *RTPReceiver) Stats() ReceiverStats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats
}

func (r *RTPReceiver) receiveLoop() {
	defer r.wg.Done()

	buf := make([]byte, maxRTPPacketSize)
	for r.running.Load() {
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if !r.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("receiver: read: %v", err)
			continue
		}
		if n == 0 {
			continue
		}

		r.statsMu.Lock()
		r.stats.PacketsReceived++
		r.stats.BytesReceived += uint64(n)
		r.statsMu.Unlock()

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			r.countPacketError()
			continue
		}

		au, err := r.depacketizer.Depacketize(&pkt)
		if err != nil {
			r.countPacketError()
			continue
		}
		if au == nil {
			continue
		}

		r.statsMu.Lock()
		r.stats.FramesCompleted++
		r.statsMu.Unlock()

		r.callbackMu.Lock()
		cb := r.callback
		r.callbackMu.Unlock()
		if cb != nil {
			cb(au)
		}
	}
}

func (r *RTPReceiver) countPacketError() {
	r.statsMu.Lock()
	r.stats.PacketErrors++
	r.statsMu.Unlock()
}
