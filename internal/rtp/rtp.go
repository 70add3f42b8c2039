package rtp

import (
	"crypto/rand"
	"encoding/binary"
)

const (
	// PayloadTypePCMU is the static RTP payload type for G.711 ulaw.
	PayloadTypePCMU = 0

	// SamplesPerPacket is the number of 8 kHz samples in one 20 ms packet.
	// For ulaw one sample is one byte.
	SamplesPerPacket = 160

	// HeaderSize is the fixed RTP header length without CSRCs/extensions.
	HeaderSize = 12
)

// GenerateSSRC generates a cryptographically random 32-bit SSRC.
// Per RFC 3550, the SSRC should be chosen randomly to minimize
// collisions in multi-party sessions.
func GenerateSSRC() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// Fallback to a less random value if crypto/rand fails
		return 0x12345678
	}
	return binary.BigEndian.Uint32(b[:])
}

// GenerateSequenceStart generates a random starting sequence number.
func GenerateSequenceStart() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint16(b[:])
}

// GenerateTimestampStart generates a random starting timestamp.
func GenerateTimestampStart() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(b[:])
}
