package sbd

import (
	"fmt"
	"strconv"
)

// MaxMessageSize is the capacity of the modem's mobile-originated buffer.
const MaxMessageSize = 340

// DefaultSensorTypeOffset is the position of the sensor-type byte in a payload.
// Byte 0 holds the payload format version.
const DefaultSensorTypeOffset = 1

// SensorType identifies the producer of a payload and, through the registry,
// its fixed length and the way it is split into sub-packets.
type SensorType uint8

const (
	SensorMicroSWIFT50 SensorType = 50 // GPS wave spectra, four sub-packets
	SensorMicroSWIFT51 SensorType = 51 // reduced spectra, single packet
)

// Format bytes lead every sub-packet.
const (
	FormatSinglePacket byte = '0'
	FormatMultiPacket  byte = '1'
)

// Partition is the half-open byte range [Start, End) of one sub-packet.
type Partition struct {
	Start int
	End   int
}

// Len returns the number of payload bytes in the partition.
func (p Partition) Len() int {
	return p.End - p.Start
}

// SensorFormat describes how payloads of one sensor type are framed.
type SensorFormat struct {
	Type       SensorType
	Name       string
	Length     int
	Partitions []Partition
}

// FormatByte returns the leading byte of every sub-packet of this format.
func (f SensorFormat) FormatByte() byte {
	if len(f.Partitions) > 1 {
		return FormatMultiPacket
	}
	return FormatSinglePacket
}

// MultiPacket reports whether messages of this format span several sub-packets.
func (f SensorFormat) MultiPacket() bool {
	return len(f.Partitions) > 1
}

// sensorFormats is the registry of every sendable sensor type.
// The partition tables are exact; changing them breaks decoding on shore.
var sensorFormats = map[SensorType]SensorFormat{
	SensorMicroSWIFT50: {
		Type:   SensorMicroSWIFT50,
		Name:   "microSWIFT-50",
		Length: 1245,
		Partitions: []Partition{
			{Start: 0, End: 325},
			{Start: 325, End: 653},
			{Start: 653, End: 981},
			{Start: 981, End: 1245},
		},
	},
	SensorMicroSWIFT51: {
		Type:       SensorMicroSWIFT51,
		Name:       "microSWIFT-51",
		Length:     249,
		Partitions: []Partition{{Start: 0, End: 249}},
	},
}

func init() {
	for _, f := range sensorFormats {
		if err := validateSensorFormat(f); err != nil {
			panic(err)
		}
	}
}

// LookupSensor returns the registered format for t.
func LookupSensor(t SensorType) (SensorFormat, bool) {
	f, ok := sensorFormats[t]
	return f, ok
}

// String implements fmt.Stringer.
func (t SensorType) String() string {
	if f, ok := sensorFormats[t]; ok {
		return f.Name
	}
	return "sensor-" + strconv.Itoa(int(t))
}

// validateSensorFormat checks that the partitions tile [0, Length) with no gap
// or overlap and that every sub-packet, even with the widest header, fits in
// the modem buffer.
func validateSensorFormat(f SensorFormat) error {
	if len(f.Partitions) == 0 {
		return fmt.Errorf("sbd: sensor %d has no partitions", f.Type)
	}
	next := 0
	for i, p := range f.Partitions {
		if p.Start != next {
			return fmt.Errorf("sbd: sensor %d partition %d starts at %d, expected %d", f.Type, i, p.Start, next)
		}
		if p.End <= p.Start {
			return fmt.Errorf("sbd: sensor %d partition %d is empty", f.Type, i)
		}
		worst := SubPacket{
			Format:     f.FormatByte(),
			ID:         MaxMessageID,
			Index:      i,
			StartByte:  p.Start,
			TotalBytes: f.Length,
			Data:       make([]byte, p.Len()),
		}
		if n := worst.Len(); n > MaxMessageSize {
			return fmt.Errorf("sbd: sensor %d partition %d frames to %d bytes (max %d)", f.Type, i, n, MaxMessageSize)
		}
		next = p.End
	}
	if next != f.Length {
		return fmt.Errorf("sbd: sensor %d partitions end at %d, expected %d", f.Type, next, f.Length)
	}
	return nil
}
