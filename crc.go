package sbd

// Checksum16 calculates the SBD write checksum: the least significant
// 16 bits of the sum of all bytes.
func Checksum16(data []byte) uint16 {
	var sum uint16
	for _, b := range data {
		sum += uint16(b)
	}
	return sum
}

// ChecksumBytes returns Checksum16 as two bytes, high order byte first,
// the order the modem expects them after the message bytes.
func ChecksumBytes(data []byte) [2]byte {
	sum := Checksum16(data)
	return [2]byte{byte(sum >> 8), byte(sum & 0xFF)}
}
