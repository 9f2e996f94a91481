package mpegts

import "fmt"

// PES is one reassembled Packetized Elementary Stream unit. PTS and DTS
// are 90 kHz clock ticks, valid only when the matching Has flag is set.
type PES struct {
	StreamID byte
	Data     []byte

	HasPTS bool
	PTS    int64
	HasDTS bool
	DTS    int64
}

// looksLikePES reports whether buf begins with the PES start code prefix.
func looksLikePES(buf []byte) bool {
	return len(buf) >= 3 && buf[0] == 0x00 && buf[1] == 0x00 && buf[2] == 0x01
}

// bareStreamID reports whether id identifies one of the stream types
// carrying no optional PES header (padding, private_stream_2, ECM/EMM,
// DSM-CC, H.222.1 type E, directory).
func bareStreamID(id byte) bool {
	switch id {
	case 0xbe, 0xbf, 0xf0, 0xf1, 0xf2, 0xf8, 0xff:
		return true
	}
	return false
}

func decodePES(buf []byte) (*PES, error) {
	if !looksLikePES(buf) || len(buf) < 6 {
		return nil, fmt.Errorf("mpegts: not a PES unit")
	}

	pes := &PES{StreamID: buf[3]}
	bound := int(buf[4])<<8 | int(buf[5]) // 0 means unbounded (video)

	if bareStreamID(pes.StreamID) {
		pes.Data = clampPESData(buf, 6, bound)
		return pes, nil
	}

	if len(buf) < 9 {
		return nil, fmt.Errorf("mpegts: PES header truncated")
	}
	flags := buf[7] >> 6 // PTS_DTS_flags
	dataStart := 9 + int(buf[8])
	if dataStart > len(buf) {
		dataStart = len(buf)
	}

	switch flags {
	case 2:
		if len(buf) >= 14 {
			pes.PTS, pes.HasPTS = clock33(buf[9:14]), true
		}
	case 3:
		if len(buf) >= 19 {
			pes.PTS, pes.HasPTS = clock33(buf[9:14]), true
			pes.DTS, pes.HasDTS = clock33(buf[14:19]), true
		}
	}

	pes.Data = clampPESData(buf, dataStart, bound)
	return pes, nil
}

// clampPESData slices the ES payload out of buf, honoring a bounded PES
// packet length when one is declared and present.
func clampPESData(buf []byte, start, bound int) []byte {
	end := len(buf)
	if bound > 0 && 6+bound <= len(buf) {
		end = 6 + bound
	}
	if start >= end {
		return nil
	}
	return buf[start:end]
}

// clock33 unpacks the 33-bit timestamp spread across five marker-bit
// delimited bytes.
func clock33(b []byte) int64 {
	return int64(b[0]&0x0e)<<29 |
		int64(b[1])<<22 |
		int64(b[2]&0xfe)<<14 |
		int64(b[3])<<7 |
		int64(b[4])>>1
}
