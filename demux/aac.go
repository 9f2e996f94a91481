package demux

import "errors"

// ErrInvalidADTS reports a malformed ADTS header.
var ErrInvalidADTS = errors.New("demux: invalid ADTS header")

// adtsSampleRates maps the 4-bit sampling_frequency_index (ISO 14496-3).
var adtsSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// AACFrame is one ADTS-framed AAC access unit.
type AACFrame struct {
	Data       []byte // full frame, header included
	SampleRate int
	Channels   int
}

// adtsHeader decodes the fixed+variable ADTS header at buf, returning the
// header size, full frame length, and the decoded rate/channel fields.
func adtsHeader(buf []byte) (headerLen, frameLen, rate, channels int, ok bool) {
	if len(buf) < 7 || buf[0] != 0xff || buf[1]&0xf0 != 0xf0 {
		return 0, 0, 0, 0, false
	}
	headerLen = 7
	if buf[1]&0x01 == 0 { // protection_absent clear: CRC present
		headerLen = 9
	}
	rateIdx := int(buf[2] >> 2 & 0x0f)
	if rateIdx >= len(adtsSampleRates) {
		return 0, 0, 0, 0, false
	}
	rate = adtsSampleRates[rateIdx]
	channels = int(buf[2]&0x01)<<2 | int(buf[3]>>6&0x03)
	frameLen = int(buf[3]&0x03)<<11 | int(buf[4])<<3 | int(buf[5]>>5)
	return headerLen, frameLen, rate, channels, true
}

// ParseADTS splits an ADTS byte stream into its AAC frames, resyncing on
// garbage between frames. A recognizable header with an out-of-range
// sampling index fails the whole parse.
func ParseADTS(data []byte) ([]AACFrame, error) {
	var frames []AACFrame
	for off := 0; len(data)-off >= 7; {
		hdrLen, frameLen, rate, channels, ok := adtsHeader(data[off:])
		if !ok {
			if data[off] == 0xff && data[off+1]&0xf0 == 0xf0 {
				return frames, ErrInvalidADTS
			}
			off++
			continue
		}
		if frameLen < hdrLen || off+frameLen > len(data) {
			break // truncated tail, wait for more input
		}
		frames = append(frames, AACFrame{
			Data:       data[off : off+frameLen],
			SampleRate: rate,
			Channels:   channels,
		})
		off += frameLen
	}
	return frames, nil
}

// StripADTS drops the ADTS header from a single framed access unit,
// returning the raw AAC payload. Input that is not ADTS passes through
// unchanged.
func StripADTS(data []byte) []byte {
	hdrLen, _, _, _, ok := adtsHeader(data)
	if !ok || len(data) <= hdrLen {
		return data
	}
	return data[hdrLen:]
}
