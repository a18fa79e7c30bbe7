package crc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckValue(t *testing.T) {
	require.Equal(t, uint32(0x0376E6E7), Checksum([]byte("123456789")))
}

func TestUpdateIsIncremental(t *testing.T) {
	data := []byte("streammux psi section")
	whole := Checksum(data)
	part := Update(Initial, data[:7])
	part = Update(part, data[7:])
	require.Equal(t, whole, part)
}

func TestSectionWithOwnCRCIsZero(t *testing.T) {
	section := []byte{0x00, 0xB0, 0x0D, 0x04, 0x37, 0xC7, 0x00, 0x00, 0x6D, 0x66, 0xF0, 0x00}
	c := Checksum(section)
	section = append(section, byte(c>>24), byte(c>>16), byte(c>>8), byte(c))
	require.Equal(t, uint32(0), Checksum(section))
}
