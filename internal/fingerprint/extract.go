package fingerprint

import (
	"bytes"
	"encoding/binary"
)

var packetHeader = []byte{0xEF, 0x01, 0xFF, 0xFF, 0xFF, 0xFF}

const (
	// header(6) + package id(1) + length(2)
	packetPreamble = 9
	checksumLen    = 2
)

// Packet is one framed sensor packet found in a raw stream.
type Packet struct {
	Offset  int
	ID      byte
	Length  int
	Payload []byte
}

// Packets scans raw for framed packets. A packet whose declared length runs
// past the end of raw ends the scan; it is treated as trailing garbage.
func Packets(raw []byte) []Packet {
	var packets []Packet

	offset := 0
	for offset < len(raw) {
		if !bytes.HasPrefix(raw[offset:], packetHeader) {
			offset++
			continue
		}
		if offset+packetPreamble > len(raw) {
			break
		}

		id := raw[offset+6]
		length := int(binary.BigEndian.Uint16(raw[offset+7 : offset+9]))
		end := offset + packetPreamble + length
		if end > len(raw) {
			break
		}

		payloadEnd := end - checksumLen
		if payloadEnd < offset+packetPreamble {
			// declared length shorter than the checksum itself
			payloadEnd = offset + packetPreamble
		}
		payload := bytes.TrimRight(raw[offset+packetPreamble:payloadEnd], "\x00")

		packets = append(packets, Packet{
			Offset:  offset,
			ID:      id,
			Length:  length,
			Payload: payload,
		})
		offset = end
	}

	return packets
}

// Extract concatenates the depadded payloads of every packet in raw, in scan
// order. An input with no complete packet yields an empty template; callers
// decide whether that is acceptable.
func Extract(raw []byte) Template {
	var buf bytes.Buffer
	for _, p := range Packets(raw) {
		buf.Write(p.Payload)
	}
	return Template(buf.Bytes())
}
