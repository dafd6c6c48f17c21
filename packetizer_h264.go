package player

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/pion/rtp"
)

// H264Packetizer segments Annex-B access units into RTP packets per
// RFC 6184: single-NAL packets where the unit fits the MTU, FU-A
// fragmentation otherwise. The player itself only receives; the
// packetizer feeds loopback tests and tooling.
type H264Packetizer struct {
	ssrc        uint32
	payloadType uint8
	mtu         int
	sequencer   rtp.Sequencer
	mu          sync.Mutex
}

// NewH264Packetizer creates a packetizer with the given SSRC and
// payload type. MTU <= 0 selects a UDP-safe 1200 bytes.
func NewH264Packetizer(ssrc uint32, payloadType uint8, mtu int) *H264Packetizer {
	if mtu <= 0 {
		mtu = 1200
	}
	return &H264Packetizer{
		ssrc:        ssrc,
		payloadType: payloadType,
		mtu:         mtu,
		sequencer:   rtp.NewRandomSequencer(),
	}
}

// Packetize converts one Annex-B access unit into RTP packets. The
// marker bit is set on the final packet of the unit.
func (p *H264Packetizer) Packetize(au *AccessUnit) ([]*rtp.Packet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(au.Data) == 0 {
		return nil, nil
	}

	nalUnits := SplitNALUnits(au.Data)
	if len(nalUnits) == 0 {
		return nil, fmt.Errorf("no NAL units found in access unit")
	}

	var packets []*rtp.Packet
	for i, nalu := range nalUnits {
		isLast := i == len(nalUnits)-1

		if len(nalu) <= p.mtu-12 { // RTP header is 12 bytes
			packets = append(packets, &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					Marker:         isLast,
					PayloadType:    p.payloadType,
					SequenceNumber: p.sequencer.NextSequenceNumber(),
					Timestamp:      au.Timestamp,
					SSRC:           p.ssrc,
				},
				Payload: nalu,
			})
			continue
		}
		packets = append(packets, p.fragmentNALUnit(nalu, au.Timestamp, isLast)...)
	}
	return packets, nil
}

// PacketizeToBytes converts one access unit to raw RTP packet bytes.
func (p *H264Packetizer) PacketizeToBytes(au *AccessUnit) ([][]byte, error) {
	packets, err := p.Packetize(au)
	if err != nil {
		return nil, err
	}
	result := make([][]byte, len(packets))
	for i, pkt := range packets {
		result[i], _ = pkt.Marshal()
	}
	return result, nil
}

// fragmentNALUnit splits a large NAL unit into FU-A packets.
func (p *H264Packetizer) fragmentNALUnit(nalu []byte, timestamp uint32, isLastNALU bool) []*rtp.Packet {
	if len(nalu) == 0 {
		return nil
	}

	nalHeader := nalu[0]
	nalType := nalHeader & 0x1F
	nri := nalHeader & 0x60

	// Skip the NAL header byte; it is reconstructed from the FU header
	// on the receive side.
	payload := nalu[1:]
	maxPayload := p.mtu - 12 - 2 // RTP header (12) + FU indicator + FU header

	var packets []*rtp.Packet
	offset := 0
	for offset < len(payload) {
		end := offset + maxPayload
		if end > len(payload) {
			end = len(payload)
		}
		isStart := offset == 0
		isEnd := end == len(payload)

		// FU indicator: F=0, NRI from the original header, type FU-A.
		fuIndicator := nri | nalTypeFUA
		// FU header: S/E bits plus the original NAL type.
		fuHeader := nalType
		if isStart {
			fuHeader |= 0x80
		}
		if isEnd {
			fuHeader |= 0x40
		}

		pktPayload := make([]byte, 2+end-offset)
		pktPayload[0] = fuIndicator
		pktPayload[1] = fuHeader
		copy(pktPayload[2:], payload[offset:end])

		packets = append(packets, &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         isEnd && isLastNALU,
				PayloadType:    p.payloadType,
				SequenceNumber: p.sequencer.NextSequenceNumber(),
				Timestamp:      timestamp,
				SSRC:           p.ssrc,
			},
			Payload: pktPayload,
		})
		offset = end
	}
	return packets
}

func (p *H264Packetizer) SetSSRC(ssrc uint32)     { p.mu.Lock(); p.ssrc = ssrc; p.mu.Unlock() }
func (p *H264Packetizer) SSRC() uint32            { p.mu.Lock(); defer p.mu.Unlock(); return p.ssrc }
func (p *H264Packetizer) PayloadType() uint8      { p.mu.Lock(); defer p.mu.Unlock(); return p.payloadType }
func (p *H264Packetizer) SetPayloadType(pt uint8) { p.mu.Lock(); p.payloadType = pt; p.mu.Unlock() }
func (p *H264Packetizer) MTU() int                { p.mu.Lock(); defer p.mu.Unlock(); return p.mtu }
func (p *H264Packetizer) SetMTU(mtu int)          { p.mu.Lock(); p.mtu = mtu; p.mu.Unlock() }

// H264Depacketizer reassembles Annex-B access units from RTP packets
// per RFC 6184. Single NAL, STAP-A and FU-A packetizations are
// handled; an access unit completes on the marker bit.
type H264Depacketizer struct {
	frameData   []byte // accumulated Annex-B data for the current access unit
	fuaBuffer   []byte // NAL unit being reassembled from FU-A fragments
	fragmenting bool
	timestamp   uint32
	mu          sync.Mutex
}

// NewH264Depacketizer creates an H.264 RTP depacketizer.
func NewH264Depacketizer() *H264Depacketizer {
	return &H264Depacketizer{}
}

// Depacketize consumes one RTP packet and returns a complete access
// unit when the packet finishes one, else nil.
func (d *H264Depacketizer) Depacketize(pkt *rtp.Packet) (*AccessUnit, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(pkt.Payload) == 0 {
		return nil, nil
	}

	// A timestamp change means the previous access unit never saw its
	// marker (lost tail); drop the partial data and start over.
	if d.timestamp != 0 && d.timestamp != pkt.Header.Timestamp {
		d.frameData = d.frameData[:0]
		d.fuaBuffer = d.fuaBuffer[:0]
		d.fragmenting = false
	}
	d.timestamp = pkt.Header.Timestamp

	nalType := pkt.Payload[0] & 0x1F
	switch {
	case nalType >= 1 && nalType <= 23:
		// Single NAL unit packet.
		d.frameData = append(d.frameData, 0, 0, 0, 1)
		d.frameData = append(d.frameData, pkt.Payload...)

	case nalType == nalTypeSTAPA:
		if err := d.depacketizeSTAPA(pkt.Payload); err != nil {
			return nil, err
		}

	case nalType == nalTypeFUA:
		if err := d.depacketizeFUA(pkt.Payload); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unsupported NAL type: %d", nalType)
	}

	if pkt.Header.Marker && len(d.frameData) > 0 {
		au := &AccessUnit{
			Data:      make([]byte, len(d.frameData)),
			Timestamp: d.timestamp,
		}
		copy(au.Data, d.frameData)
		d.frameData = d.frameData[:0]
		return au, nil
	}
	return nil, nil
}

func (d *H264Depacketizer) depacketizeSTAPA(payload []byte) error {
	offset := 1 // skip the STAP-A header

	for offset < len(payload) {
		if offset+2 > len(payload) {
			break
		}
		naluSize := int(binary.BigEndian.Uint16(payload[offset:]))
		offset += 2
		if naluSize <= 0 || offset+naluSize > len(payload) {
			break
		}
		d.frameData = append(d.frameData, 0, 0, 0, 1)
		d.frameData = append(d.frameData, payload[offset:offset+naluSize]...)
		offset += naluSize
	}
	return nil
}

func (d *H264Depacketizer) depacketizeFUA(payload []byte) error {
	if len(payload) < 2 {
		return fmt.Errorf("FU-A packet too short")
	}

	fuIndicator := payload[0]
	fuHeader := payload[1]
	isStart := fuHeader&0x80 != 0
	isEnd := fuHeader&0x40 != 0
	nalType := fuHeader & 0x1F

	if isStart {
		// Reconstruct the NAL header from the indicator's NRI bits and
		// the header's type.
		nalHeader := (fuIndicator & 0xE0) | nalType
		d.fuaBuffer = d.fuaBuffer[:0]
		d.fuaBuffer = append(d.fuaBuffer, nalHeader)
		d.fragmenting = true
	}

	if !d.fragmenting {
		// Middle or end fragment without a seen start: packet loss.
		return nil
	}

	d.fuaBuffer = append(d.fuaBuffer, payload[2:]...)

	if isEnd {
		d.frameData = append(d.frameData, 0, 0, 0, 1)
		d.frameData = append(d.frameData, d.fuaBuffer...)
		d.fuaBuffer = d.fuaBuffer[:0]
		d.fragmenting = false
	}
	return nil
}
