// Package crc implements the CRC-32 variant used by MPEG-2 PSI sections.
package crc

// Polynomial 0x04C11DB7, initial value 0xFFFFFFFF, MSB first, no final xor.
const (
	Polynomial = 0x04C11DB7
	Initial    = 0xFFFFFFFF
)

var table = makeTable()

func makeTable() [256]uint32 {
	var t [256]uint32
	for i := range t {
		c := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if c&0x80000000 != 0 {
				c = c<<1 ^ Polynomial
			} else {
				c <<= 1
			}
		}
		t[i] = c
	}
	return t
}

// Update continues a running CRC over p.
func Update(crc uint32, p []byte) uint32 {
	for _, b := range p {
		crc = crc<<8 ^ table[byte(crc>>24)^b]
	}
	return crc
}

// Checksum returns the CRC of p.
func Checksum(p []byte) uint32 {
	return Update(Initial, p)
}
