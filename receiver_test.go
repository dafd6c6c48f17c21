package player

import (
	"bytes"
	"net"
	"testing"
	"time"
)

func TestReceiverLoopback(t *testing.T) {
	recv := NewRTPReceiver("127.0.0.1", 0)

	units := make(chan *AccessUnit, 16)
	recv.SetCallback(func(au *AccessUnit) { units <- au })

	if err := recv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer recv.Stop()

	conn, err := net.Dial("udp", recv.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// A fragmented IDR access unit sent through the real socket path.
	payload := make([]byte, 4000)
	for i := range payload {
		payload[i] = byte(i)
	}
	au := &AccessUnit{
		Data:      append([]byte{0, 0, 0, 1, 0x65}, payload...),
		Timestamp: 1234,
	}
	packets, err := NewH264Packetizer(42, 102, 1200).PacketizeToBytes(au)
	if err != nil {
		t.Fatalf("PacketizeToBytes: %v", err)
	}
	for _, pkt := range packets {
		if _, err := conn.Write(pkt); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	select {
	case got := <-units:
		if !bytes.Equal(got.Data, au.Data) {
			t.Errorf("received %d bytes, want %d matching bytes", len(got.Data), len(au.Data))
		}
		if got.Timestamp != au.Timestamp {
			t.Errorf("timestamp = %d, want %d", got.Timestamp, au.Timestamp)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no access unit delivered")
	}

	stats := recv.Stats()
	if stats.FramesCompleted != 1 {
		t.Errorf("frames completed = %d, want 1", stats.FramesCompleted)
	}
	if stats.PacketsReceived != uint64(len(packets)) {
		t.Errorf("packets received = %d, want %d", stats.PacketsReceived, len(packets))
	}
}

func TestReceiverIgnoresGarbage(t *testing.T) {
	recv := NewRTPReceiver("127.0.0.1", 0)
	recv.SetCallback(func(au *AccessUnit) { t.Error("garbage produced an access unit") })

	if err := recv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer recv.Stop()

	conn, err := net.Dial("udp", recv.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte{0xde, 0xad})
	time.Sleep(100 * time.Millisecond)

	stats := recv.Stats()
	if stats.PacketErrors == 0 {
		t.Error("malformed packet not counted")
	}
}

func TestReceiverStartStopIdempotent(t *testing.T) {
	recv := NewRTPReceiver("127.0.0.1", 0)
	if err := recv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := recv.Start(); err != nil {
		t.Errorf("second Start: %v", err)
	}
	recv.Stop()
	recv.Stop()
}
