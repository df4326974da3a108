// Package amdtp holds the wire-level types shared by every component of
// the transmit core: the CIP header and the AM824 sample codec.
package amdtp

import "encoding/binary"

// HeaderSize is the fixed size in bytes of a CIP header on the wire.
const HeaderSize = 8

// NoDataSYT is the SYT field value carried by NO-DATA packets.
const NoDataSYT = 0xffff

// FMTAM824 is the fmt_eoh byte for AM824 streams.
const FMTAM824 = 0x90

// SYTInterval is the number of audio frames between SYT-carrying events.
// AM824 stereo streaming uses 8 frames per packet group boundary.
const SYTInterval = 8

// CyclesPerSecond and OffsetsPerCycle mirror the FireWire cycle-time
// register layout in internal/timing: each isochronous cycle is 1/8000s,
// subdivided into 3072 SYT offset ticks.
const (
	CyclesPerSecond = 8000
	OffsetsPerCycle = 3072
)

// EncodeSYT packs a 4-bit cycle-low value and a 12-bit offset into a SYT
// field, per IEC 61883-6.
func EncodeSYT(cycleLow4 uint8, offset uint16) uint16 {
	return uint16(cycleLow4&0xf)<<12 | (offset & 0xfff)
}

// DecodeSYT reverses EncodeSYT.
func DecodeSYT(syt uint16) (cycleLow4 uint8, offset uint16) {
	return uint8(syt >> 12 & 0xf), syt & 0xfff
}

// FDF codes for the supported sample rates.
const (
	FDF44100 byte = 0x01
	FDF48000 byte = 0x02
	FDF88200 byte = 0x03
	FDF96000 byte = 0x04
	FDF176400 byte = 0x05
	FDF192000 byte = 0x06
)

// FDFForRate maps a sample rate in Hz to its FDF code. ok is false for an
// unsupported rate.
func FDFForRate(rate int) (fdf byte, ok bool) {
	switch rate {
	case 44100:
		return FDF44100, true
	case 48000:
		return FDF48000, true
	case 88200:
		return FDF88200, true
	case 96000:
		return FDF96000, true
	case 176400:
		return FDF176400, true
	case 192000:
		return FDF192000, true
	default:
		return 0, false
	}
}

// CIPHeader is the 8-byte Common Isochronous Packet header. Fields are
// kept in host representation; MarshalTo/UnmarshalCIPHeader handle the big-endian
// wire encoding.
type CIPHeader struct {
	SID byte // sender node id
	DBS byte // data block size in quadlets (2 for stereo AM824)
	DBC byte // data-block counter
	FDF byte // format-dependent field (sample rate code); constant across DATA/NO-DATA
	SYT uint16 // synchronization timestamp; 0xFFFF for NO-DATA
	// FNQpcSphRsv is byte 2 (fn/qpc/sph/rsv), zero for AMDTP.
	FNQpcSphRsv byte
}

// MarshalTo writes the 8-byte big-endian wire form of h into dst, which
// must be at least HeaderSize bytes.
func (h CIPHeader) MarshalTo(dst []byte) {
	_ = dst[HeaderSize-1] // bounds check hint
	dst[0] = h.SID
	dst[1] = h.DBS
	dst[2] = h.FNQpcSphRsv
	dst[3] = h.DBC
	dst[4] = FMTAM824
	dst[5] = h.FDF
	binary.BigEndian.PutUint16(dst[6:8], h.SYT)
}

// UnmarshalCIPHeader parses an 8-byte big-endian CIP header.
func UnmarshalCIPHeader(src []byte) CIPHeader {
	_ = src[HeaderSize-1]
	return CIPHeader{
		SID:         src[0],
		DBS:         src[1],
		FNQpcSphRsv: src[2],
		DBC:         src[3],
		FDF:         src[5],
		SYT:         binary.BigEndian.Uint16(src[6:8]),
	}
}

// IsNoData reports whether h carries the NO-DATA SYT sentinel.
func (h CIPHeader) IsNoData() bool { return h.SYT == NoDataSYT }

// PrecalculatedPacket is the fixed unit the CIP pre-calculator produces:
// a CIP header, the NO-DATA flag and the DBC increment actually applied
// by this packet.
type PrecalculatedPacket struct {
	Header       CIPHeader
	IsNoData     bool
	DBCIncrement byte
}
