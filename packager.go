// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package sbd

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// MaxMessageID is the largest message id; the counter wraps to 0 after it.
const MaxMessageID = 99

// NextMessageID returns the id following id.
func NextMessageID(id uint8) uint8 {
	if id >= MaxMessageID {
		return 0
	}
	return id + 1
}

// Payload is one wave record ready to be framed.
type Payload struct {
	SensorType SensorType
	Data       []byte
}

// NewPayload creates a Payload holding a copy of data.
func NewPayload(sensorType SensorType, data []byte) Payload {
	buf := make([]byte, len(data))
	copy(buf, data)
	return Payload{SensorType: sensorType, Data: buf}
}

// PayloadFromBytes re-derives the sensor type from the byte at offset.
func PayloadFromBytes(data []byte, offset int) (Payload, error) {
	if offset < 0 || offset >= len(data) {
		return Payload{}, fmt.Errorf("%w: %d byte payload has no sensor type at offset %d", ErrFormat, len(data), offset)
	}
	return NewPayload(SensorType(data[offset]), data), nil
}

// SubPacket is one fragment of a message as written to the modem.
//
// Wire layout: <format byte><sub-header><data>, where the sub-header is
// ",<id>,<start>,<total>:" on the first sub-packet and ",<id>,<start>:" on
// the others.
type SubPacket struct {
	Format     byte
	ID         uint8
	Index      int
	StartByte  int
	TotalBytes int // written only in the first sub-packet's header
	Data       []byte
}

// Header returns the ASCII sub-header.
func (p SubPacket) Header() string {
	if p.Index == 0 {
		return fmt.Sprintf(",%d,%d,%d:", p.ID, p.StartByte, p.TotalBytes)
	}
	return fmt.Sprintf(",%d,%d:", p.ID, p.StartByte)
}

// Len returns the size of the sub-packet on the wire, checksum excluded.
func (p SubPacket) Len() int {
	return 1 + len(p.Header()) + len(p.Data)
}

// Bytes returns the wire form of the sub-packet.
func (p SubPacket) Bytes() []byte {
	header := p.Header()
	buf := make([]byte, 0, 1+len(header)+len(p.Data))
	buf = append(buf, p.Format)
	buf = append(buf, header...)
	buf = append(buf, p.Data...)
	return buf
}

// PacketEncoder splits payloads into sub-packets using the sensor registry.
type PacketEncoder struct {
	sensorOffset int
}

// NewPacketEncoder creates a PacketEncoder that expects the sensor-type byte
// at sensorOffset.
func NewPacketEncoder(sensorOffset int) *PacketEncoder {
	return &PacketEncoder{sensorOffset: sensorOffset}
}

// Validate checks that p can be framed. It returns an error wrapping ErrFormat otherwise.
func (e *PacketEncoder) Validate(p Payload) (SensorFormat, error) {
	format, ok := LookupSensor(p.SensorType)
	if !ok {
		return SensorFormat{}, fmt.Errorf("%w: unregistered sensor type %d", ErrFormat, uint8(p.SensorType))
	}
	if len(p.Data) != format.Length {
		return SensorFormat{}, fmt.Errorf("%w: %s expects %d bytes, got %d", ErrFormat, format.Name, format.Length, len(p.Data))
	}
	if e.sensorOffset < 0 || e.sensorOffset >= len(p.Data) {
		return SensorFormat{}, fmt.Errorf("%w: sensor type offset %d outside %d byte payload", ErrFormat, e.sensorOffset, len(p.Data))
	}
	if stored := SensorType(p.Data[e.sensorOffset]); stored != p.SensorType {
		return SensorFormat{}, fmt.Errorf("%w: payload tagged %s but byte %d holds %d", ErrFormat, format.Name, e.sensorOffset, uint8(stored))
	}
	return format, nil
}

// Encode splits p into its sub-packets, in ascending start-byte order, all
// carrying message id id.
func (e *PacketEncoder) Encode(p Payload, id uint8) ([]SubPacket, error) {
	if id > MaxMessageID {
		return nil, fmt.Errorf("%w: message id %d out of range 0-%d", ErrFormat, id, MaxMessageID)
	}
	format, err := e.Validate(p)
	if err != nil {
		return nil, err
	}

	packets := make([]SubPacket, 0, len(format.Partitions))
	for i, part := range format.Partitions {
		data := make([]byte, part.Len())
		copy(data, p.Data[part.Start:part.End])
		packets = append(packets, SubPacket{
			Format:     format.FormatByte(),
			ID:         id,
			Index:      i,
			StartByte:  part.Start,
			TotalBytes: format.Length,
			Data:       data,
		})
	}
	return packets, nil
}

// EncodeBytes derives the sensor type from raw payload bytes and encodes them.
func (e *PacketEncoder) EncodeBytes(data []byte, id uint8) ([]SubPacket, error) {
	p, err := PayloadFromBytes(data, e.sensorOffset)
	if err != nil {
		return nil, err
	}
	return e.Encode(p, id)
}

// DecodeSubPacket parses the wire form of a sub-packet. The returned Index is
// 0 for a header carrying the total byte count and 1 otherwise.
func DecodeSubPacket(frame []byte) (SubPacket, error) {
	if len(frame) < 2 {
		return SubPacket{}, fmt.Errorf("%w: sub-packet too short: %d bytes", ErrFormat, len(frame))
	}
	if frame[0] != FormatSinglePacket && frame[0] != FormatMultiPacket {
		return SubPacket{}, fmt.Errorf("%w: unknown format byte %#02x", ErrFormat, frame[0])
	}
	end := bytes.IndexByte(frame, ':')
	if end < 0 || frame[1] != ',' {
		return SubPacket{}, fmt.Errorf("%w: sub-packet header not terminated", ErrFormat)
	}
	fields := strings.Split(string(frame[2:end]), ",")
	if len(fields) != 2 && len(fields) != 3 {
		return SubPacket{}, fmt.Errorf("%w: sub-packet header has %d fields", ErrFormat, len(fields))
	}
	values := make([]int, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil || v < 0 {
			return SubPacket{}, fmt.Errorf("%w: bad sub-packet header field %q", ErrFormat, f)
		}
		values[i] = v
	}
	if values[0] > MaxMessageID {
		return SubPacket{}, fmt.Errorf("%w: message id %d out of range", ErrFormat, values[0])
	}

	p := SubPacket{
		Format:    frame[0],
		ID:        uint8(values[0]),
		Index:     1,
		StartByte: values[1],
		Data:      append([]byte(nil), frame[end+1:]...),
	}
	if len(values) == 3 {
		p.Index = 0
		p.TotalBytes = values[2]
	}
	return p, nil
}

// Reassemble concatenates the data regions of one message's sub-packets in
// start-byte order and checks that they cover the payload without gaps.
func Reassemble(packets []SubPacket) ([]byte, error) {
	if len(packets) == 0 {
		return nil, fmt.Errorf("%w: no sub-packets", ErrFormat)
	}
	sorted := make([]SubPacket, len(packets))
	copy(sorted, packets)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartByte < sorted[j].StartByte })

	first := sorted[0]
	if first.Index != 0 || first.StartByte != 0 {
		return nil, fmt.Errorf("%w: first sub-packet missing", ErrFormat)
	}
	payload := make([]byte, 0, first.TotalBytes)
	for _, p := range sorted {
		if p.ID != first.ID {
			return nil, fmt.Errorf("%w: mixed message ids %d and %d", ErrFormat, first.ID, p.ID)
		}
		if p.StartByte != len(payload) {
			return nil, fmt.Errorf("%w: sub-packet starts at %d, expected %d", ErrFormat, p.StartByte, len(payload))
		}
		payload = append(payload, p.Data...)
	}
	if len(payload) != first.TotalBytes {
		return nil, fmt.Errorf("%w: reassembled %d bytes, header declares %d", ErrFormat, len(payload), first.TotalBytes)
	}
	return payload, nil
}
