// Package encoder packs insulin schedules and immediate deliveries into
// the pod's pulse tables, interval tables, checksums and command bodies
// (spec.md §4.1). One pulse is the atomic 0.05 U delivery quantum; all
// math here is either plain integer pulse arithmetic or
// github.com/shopspring/decimal base-10 fixed point, never binary
// floating point, per spec.md §9's explicit decimal-arithmetic note.
//
// The big-endian pack-a-fixed-header-then-append-fields shape mirrors
// buildIPMIMessage/rmcpHeader.pack() in the teacher's vendored
// github.com/gwest/go-sol rmcp.go — the teacher's own style for
// building wire frames byte by byte into a growing slice.
package encoder

import "encoding/binary"

// DefaultPulseSpeed is the default inter-pulse delay unit used by immediate
// bolus deliveries (spec.md §4.1: "default pulse_speed=16").
const DefaultPulseSpeed = 16

// MaxImmediatePulseSpan is the largest pulse_span (pulse_speed * pulse_count)
// the pod will accept for one immediate bolus (spec.md §6).
const MaxImmediatePulseSpan = 0x3840

// Checksum is the 16-bit unsigned big-endian sum of all input bytes
// (spec.md §4.1: "no one's complement").
func Checksum(data []byte) uint16 {
	var sum uint32
	for _, b := range data {
		sum += uint32(b)
	}
	return uint16(sum)
}

func appendU16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}
